//go:build linux

package ioback

import (
	"golang.org/x/sys/unix"

	"github.com/ldziedziul/tpcengine/tpcerr"
)

// epollBackend implements Readiness and EdgeTriggered on Linux via epoll,
// grounded on the teacher's eventloop/poller_linux.go FastPoller: a map
// from fd to callback (unguarded, since only the owning loop's goroutine
// touches it) and a preallocated event buffer reused across Poll calls.
// Wake uses an
// eventfd registered with the same epoll instance, grounded on
// eventloop/wakeup_linux.go's createWakeFd.
type epollBackend struct {
	kind Kind
	epfd int

	wakeFd int
	wake   wakeFlag

	callbacks map[int]Handler
	eventBuf  [256]unix.EpollEvent
}

func newReadinessBackend() (Backend, error) {
	return newEpollBackend(Readiness)
}

func newEdgeTriggeredBackend() (Backend, error) {
	return newEpollBackend(EdgeTriggered)
}

func newEpollBackend(kind Kind) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "epoll_create1", Cause: err}
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "eventfd", Cause: err}
	}

	b := &epollBackend{
		kind:      kind,
		epfd:      epfd,
		wakeFd:    wakeFd,
		callbacks: make(map[int]Handler),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "epoll_ctl(wake)", Cause: err}
	}

	return b, nil
}

func (b *epollBackend) Kind() Kind { return b.kind }

func (b *epollBackend) epollEvents(interest Events) uint32 {
	var ev uint32
	if interest&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if b.kind == EdgeTriggered {
		ev |= unix.EPOLLET | unix.EPOLLONESHOT
	}
	return ev
}

func (b *epollBackend) Register(fd int, interest Events, cb Handler) error {
	b.callbacks[fd] = cb
	ev := &unix.EpollEvent{Events: b.epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		delete(b.callbacks, fd)
		return &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "epoll_ctl(add)", Cause: err}
	}
	return nil
}

func (b *epollBackend) Modify(fd int, interest Events) error {
	if _, ok := b.callbacks[fd]; !ok {
		return &tpcerr.IllegalState{Component: "ioback.epoll", Message: "modify of unregistered fd"}
	}
	ev := &unix.EpollEvent{Events: b.epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "epoll_ctl(mod)", Cause: err}
	}
	return nil
}

func (b *epollBackend) Unregister(fd int) error {
	delete(b.callbacks, fd)
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "epoll_ctl(del)", Cause: err}
	}
	return nil
}

func (b *epollBackend) Poll(timeoutNanos int64) (int, error) {
	timeoutMs := -1
	if timeoutNanos >= 0 {
		timeoutMs = int(timeoutNanos / 1e6)
	}

	n, err := unix.EpollWait(b.epfd, b.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "epoll_wait", Cause: err}
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		fd := int(b.eventBuf[i].Fd)
		if fd == b.wakeFd {
			b.drainWake()
			continue
		}
		cb, ok := b.callbacks[fd]
		if !ok || cb == nil {
			continue
		}
		cb(epollToEvents(b.eventBuf[i].Events))
		dispatched++
	}
	return dispatched, nil
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(b.wakeFd, buf[:]); err != nil {
			break
		}
	}
	b.wake.clear()
}

func (b *epollBackend) Wake() {
	if !b.wake.arm() {
		return
	}
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(b.wakeFd, buf[:])
}

func (b *epollBackend) Close() error {
	_ = unix.Close(b.wakeFd)
	return unix.Close(b.epfd)
}

func epollToEvents(ev uint32) Events {
	var e Events
	if ev&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		e |= EventError
	}
	if ev&unix.EPOLLHUP != 0 {
		e |= EventHangup
	}
	return e
}
