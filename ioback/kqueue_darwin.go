//go:build darwin

package ioback

import (
	"golang.org/x/sys/unix"

	"github.com/ldziedziul/tpcengine/tpcerr"
)

// kqueueBackend implements Readiness and EdgeTriggered on Darwin via
// kqueue, grounded on the teacher's eventloop/poller_darwin.go FastPoller:
// one EVFILT_READ/EVFILT_WRITE registration per interest bit, dispatched
// from a preallocated Kevent_t buffer. EdgeTriggered sets EV_CLEAR so each
// fd reports once per transition, matching EPOLLET's semantics on Linux.
type kqueueBackend struct {
	kind Kind
	kq   int

	wakeR, wakeW int
	wake         wakeFlag

	callbacks map[int]Handler
	eventBuf  [256]unix.Kevent_t
}

func newReadinessBackend() (Backend, error) {
	return newKqueueBackend(Readiness)
}

func newEdgeTriggeredBackend() (Backend, error) {
	return newKqueueBackend(EdgeTriggered)
}

func newKqueueBackend(kind Kind) (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "kqueue", Cause: err}
	}
	unix.CloseOnExec(kq)

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		_ = unix.Close(kq)
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "pipe", Cause: err}
	}
	_ = unix.SetNonblock(fds[0], true)

	b := &kqueueBackend{kind: kind, kq: kq, wakeR: fds[0], wakeW: fds[1], callbacks: make(map[int]Handler)}

	ev := []unix.Kevent_t{{Ident: uint64(b.wakeR), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE}}
	if _, err := unix.Kevent(kq, ev, nil, nil); err != nil {
		_ = b.Close()
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "kevent(wake)", Cause: err}
	}
	return b, nil
}

func (b *kqueueBackend) Kind() Kind { return b.kind }

func (b *kqueueBackend) kevents(fd int, interest Events, flags uint16) []unix.Kevent_t {
	var evs []unix.Kevent_t
	if b.kind == EdgeTriggered {
		flags |= unix.EV_CLEAR
	}
	if interest&EventRead != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if interest&EventWrite != 0 {
		evs = append(evs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return evs
}

func (b *kqueueBackend) Register(fd int, interest Events, cb Handler) error {
	b.callbacks[fd] = cb
	evs := b.kevents(fd, interest, unix.EV_ADD|unix.EV_ENABLE)
	if len(evs) == 0 {
		return nil
	}
	if _, err := unix.Kevent(b.kq, evs, nil, nil); err != nil {
		delete(b.callbacks, fd)
		return &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "kevent(add)", Cause: err}
	}
	return nil
}

func (b *kqueueBackend) Modify(fd int, interest Events) error {
	if _, ok := b.callbacks[fd]; !ok {
		return &tpcerr.IllegalState{Component: "ioback.kqueue", Message: "modify of unregistered fd"}
	}
	del := b.kevents(fd, EventRead|EventWrite, unix.EV_DELETE)
	if len(del) > 0 {
		_, _ = unix.Kevent(b.kq, del, nil, nil)
	}
	add := b.kevents(fd, interest, unix.EV_ADD|unix.EV_ENABLE)
	if len(add) == 0 {
		return nil
	}
	if _, err := unix.Kevent(b.kq, add, nil, nil); err != nil {
		return &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "kevent(mod)", Cause: err}
	}
	return nil
}

func (b *kqueueBackend) Unregister(fd int) error {
	delete(b.callbacks, fd)
	evs := b.kevents(fd, EventRead|EventWrite, unix.EV_DELETE)
	if len(evs) > 0 {
		_, _ = unix.Kevent(b.kq, evs, nil, nil)
	}
	return nil
}

func (b *kqueueBackend) Poll(timeoutNanos int64) (int, error) {
	var ts *unix.Timespec
	if timeoutNanos >= 0 {
		ts = &unix.Timespec{Sec: timeoutNanos / 1e9, Nsec: timeoutNanos % 1e9}
	}

	n, err := unix.Kevent(b.kq, nil, b.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "kevent(wait)", Cause: err}
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Ident)
		if fd == b.wakeR {
			b.drainWake()
			continue
		}
		cb, ok := b.callbacks[fd]
		if !ok || cb == nil {
			continue
		}
		var events Events
		switch b.eventBuf[i].Filter {
		case unix.EVFILT_READ:
			events = EventRead
		case unix.EVFILT_WRITE:
			events = EventWrite
		}
		if b.eventBuf[i].Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		cb(events)
		dispatched++
	}
	return dispatched, nil
}

func (b *kqueueBackend) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(b.wakeR, buf[:]); err != nil {
			break
		}
	}
	b.wake.clear()
}

func (b *kqueueBackend) Wake() {
	if !b.wake.arm() {
		return
	}
	_, _ = unix.Write(b.wakeW, []byte{1})
}

func (b *kqueueBackend) Close() error {
	_ = unix.Close(b.wakeR)
	_ = unix.Close(b.wakeW)
	return unix.Close(b.kq)
}
