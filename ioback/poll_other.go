//go:build unix && !linux && !darwin

package ioback

import (
	"golang.org/x/sys/unix"

	"github.com/ldziedziul/tpcengine/tpcerr"
)

// pollBackend is the readiness/edge-triggered driver for the remaining unix
// platforms in the build matrix (the BSDs), using the portable poll(2)
// syscall rather than a kqueue/epoll-specific API. EdgeTriggered is emulated
// by clearing a registration's interest after each delivery; the caller
// must call Modify to rearm, mirroring EPOLLONESHOT's contract.
type pollBackend struct {
	kind Kind

	wakeR, wakeW int
	wake         wakeFlag

	fds  []unix.PollFd
	idx  map[int]int
	cb   map[int]Handler
	want map[int]Events
}

func newReadinessBackend() (Backend, error) {
	return newPollBackend(Readiness)
}

func newEdgeTriggeredBackend() (Backend, error) {
	return newPollBackend(EdgeTriggered)
}

func newPollBackend(kind Kind) (Backend, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "pipe", Cause: err}
	}
	_ = unix.SetNonblock(fds[0], true)

	b := &pollBackend{
		kind:  kind,
		wakeR: fds[0],
		wakeW: fds[1],
		idx:   make(map[int]int),
		cb:    make(map[int]Handler),
		want:  make(map[int]Events),
	}
	b.fds = append(b.fds, unix.PollFd{Fd: int32(b.wakeR), Events: unix.POLLIN})
	return b, nil
}

func (b *pollBackend) Kind() Kind { return b.kind }

func toPollEvents(e Events) int16 {
	var p int16
	if e&EventRead != 0 {
		p |= unix.POLLIN
	}
	if e&EventWrite != 0 {
		p |= unix.POLLOUT
	}
	return p
}

func fromPollEvents(p int16) Events {
	var e Events
	if p&unix.POLLIN != 0 {
		e |= EventRead
	}
	if p&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	if p&unix.POLLERR != 0 {
		e |= EventError
	}
	if p&unix.POLLHUP != 0 {
		e |= EventHangup
	}
	return e
}

func (b *pollBackend) Register(fd int, interest Events, cb Handler) error {
	if _, ok := b.idx[fd]; ok {
		return &tpcerr.IllegalState{Component: "ioback.poll", Message: "fd already registered"}
	}
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(interest)})
	b.idx[fd] = len(b.fds) - 1
	b.cb[fd] = cb
	b.want[fd] = interest
	return nil
}

func (b *pollBackend) Modify(fd int, interest Events) error {
	i, ok := b.idx[fd]
	if !ok {
		return &tpcerr.IllegalState{Component: "ioback.poll", Message: "modify of unregistered fd"}
	}
	b.fds[i].Events = toPollEvents(interest)
	b.want[fd] = interest
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	i, ok := b.idx[fd]
	if !ok {
		return &tpcerr.IllegalState{Component: "ioback.poll", Message: "unregister of unregistered fd"}
	}
	last := len(b.fds) - 1
	b.fds[i] = b.fds[last]
	b.fds = b.fds[:last]
	if i < last && b.fds[i].Fd != int32(b.wakeR) {
		b.idx[int(b.fds[i].Fd)] = i
	}
	delete(b.idx, fd)
	delete(b.cb, fd)
	delete(b.want, fd)
	return nil
}

func (b *pollBackend) Poll(timeoutNanos int64) (int, error) {
	timeoutMs := -1
	if timeoutNanos >= 0 {
		timeoutMs = int(timeoutNanos / 1e6)
	}

	n, err := unix.Poll(b.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "poll", Cause: err}
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for _, pfd := range b.fds {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == b.wakeR {
			b.drainWake()
			continue
		}
		cb := b.cb[int(pfd.Fd)]
		if cb == nil {
			continue
		}
		cb(fromPollEvents(pfd.Revents))
		dispatched++
		if b.kind == EdgeTriggered {
			_ = b.Modify(int(pfd.Fd), 0)
		}
	}
	return dispatched, nil
}

func (b *pollBackend) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(b.wakeR, buf[:]); err != nil {
			break
		}
	}
	b.wake.clear()
}

func (b *pollBackend) Wake() {
	if !b.wake.arm() {
		return
	}
	_, _ = unix.Write(b.wakeW, []byte{1})
}

func (b *pollBackend) Close() error {
	_ = unix.Close(b.wakeR)
	return unix.Close(b.wakeW)
}
