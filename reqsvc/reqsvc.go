// Package reqsvc is the thin request-service layer spec.md §1 describes as
// sitting "atop the engine": it shards partitions onto loops, multiplexes
// connections per loop, and pools fixed-size frames — without implementing
// any of the out-of-scope collaborators (TCP accept/bind, TLS handshaking,
// the application request-operation types) itself. Those are taken as
// constructor-injected interfaces, per SPEC_FULL.md §9a.
//
// Grounded on the engine's own Offer/Partition shape (tpcengine package)
// for getting onto the right loop thread, and on frame.SerialPool for the
// per-loop buffer pool every connection on that loop shares.
package reqsvc

import (
	"io"
	"sync"

	"github.com/ldziedziul/tpcengine/frame"
	"github.com/ldziedziul/tpcengine/ioback"
	"github.com/ldziedziul/tpcengine/logging"
	"github.com/ldziedziul/tpcengine/loop"
)

// Partition is the abstract routing key spec.md §1 calls "partition
// routing beyond the hash-to-index rule" — out of scope here beyond the
// bare int a caller hands to the engine's hash-mod rule.
type Partition int

// Conn is the out-of-scope collaborator this package multiplexes: a
// concrete TCP/TLS implementation is injected by the caller. FD exposes
// the descriptor the I/O back-end polls; Conn itself never blocks inside
// the loop goroutine (Read/Write are expected to be non-blocking once
// Register has reported readiness).
type Conn interface {
	io.ReadWriteCloser
	FD() int
}

// FrameHandler processes one readable Frame for a Conn. The engine never
// inspects the frame's payload beyond the reserved call-ID region (spec
// §6); everything past frame.CallIDOffset+frame.CallIDSize is the
// application request-operation's concern, another out-of-scope
// collaborator.
type FrameHandler func(c Conn, f *frame.Frame)

// ConnSet tracks the live connections owned by one loop. Per spec §5's
// ownership rule, a ConnSet is touched only from its owning loop's
// goroutine — there is no internal locking.
type ConnSet struct {
	byFD map[int]Conn
}

func newConnSet() *ConnSet { return &ConnSet{byFD: make(map[int]Conn)} }

func (s *ConnSet) add(c Conn)    { s.byFD[c.FD()] = c }
func (s *ConnSet) remove(fd int) { delete(s.byFD, fd) }

// Get returns the connection registered under fd, if any.
func (s *ConnSet) Get(fd int) (Conn, bool) {
	c, ok := s.byFD[fd]
	return c, ok
}

// Len reports how many connections this loop currently owns.
func (s *ConnSet) Len() int { return len(s.byFD) }

// loopState is the per-loop bookkeeping a Service keeps: its connection
// set and its frame pool, both owned exclusively by that loop's
// goroutine once the loop is running.
type loopState struct {
	conns *ConnSet
	pool  *frame.SerialPool
}

// Service shards partitions onto an engine's loops, multiplexing
// connections and pooling frames per loop, per spec.md §1's description of
// what sits atop the core event-loop engine.
type Service struct {
	partition func(Partition) *loop.Loop
	loopCount func() int
	logger    *logging.Logger

	mu     sync.Mutex
	states map[int]*loopState // keyed by loop.Loop.ID()

	frameSize int
	poolSeed  int
}

// Engine is the subset of *tpcengine.Engine this package depends on, kept
// as an interface so reqsvc never imports the root tpcengine package
// (avoiding an import cycle: tpcengine is what assembles the engine this
// package rides on top of).
type Engine interface {
	Partition(key int) *loop.Loop
	Loops() []*loop.Loop
}

// New returns a Service backed by eng, pooling frames of frameSize bytes
// (each loop's pool pre-seeded with poolSeed frames on first touch).
func New(eng Engine, frameSize, poolSeed int, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		partition: func(p Partition) *loop.Loop { return eng.Partition(int(p)) },
		loopCount: func() int { return len(eng.Loops()) },
		logger:    logger,
		states:    make(map[int]*loopState),
		frameSize: frameSize,
		poolSeed:  poolSeed,
	}
}

func (s *Service) stateFor(l *loop.Loop) *loopState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[l.ID()]
	if !ok {
		st = &loopState{
			conns: newConnSet(),
			pool:  frame.NewSerialPool(s.frameSize, s.poolSeed),
		}
		s.states[l.ID()] = st
	}
	return st
}

// Accept shards conn onto the loop partition hashes to, and schedules its
// registration with that loop's I/O back-end. The registration itself
// (ConnSet.add, Backend.Register) runs on the owning loop's goroutine via
// Offer, honoring spec §5's single-owner rule for both the ConnSet and the
// Backend; Accept itself is safe to call from any goroutine (e.g. an
// injected TCP accept loop running outside the engine).
func (s *Service) Accept(p Partition, conn Conn, handler FrameHandler) bool {
	l := s.partition(p)
	st := s.stateFor(l)

	return l.Offer(func() {
		st.conns.add(conn)
		fd := conn.FD()
		cb := func(ev ioback.Events) { s.onReadable(l, st, conn, handler, ev) }
		if err := l.Backend().Register(fd, ioback.EventRead, cb); err != nil {
			s.logger.Warning().Log("failed to register connection with I/O backend")
			st.conns.remove(fd)
			_ = conn.Close()
		}
	}, 0, nil)
}

func (s *Service) onReadable(l *loop.Loop, st *loopState, conn Conn, handler FrameHandler, ev ioback.Events) {
	if ev&ioback.EventHangup != 0 || ev&ioback.EventError != 0 {
		s.closeConn(l, st, conn)
		return
	}
	if ev&ioback.EventRead == 0 {
		return
	}

	f := st.pool.Acquire(s.frameSize)
	n, err := conn.Read(f.Writable())
	if n > 0 {
		f.Advance(n)
	}
	if err != nil && err != io.EOF {
		f.Free()
		s.closeConn(l, st, conn)
		return
	}

	if handler != nil {
		handler(conn, f)
	}
	f.Free()

	if err == io.EOF {
		s.closeConn(l, st, conn)
	}
}

func (s *Service) closeConn(l *loop.Loop, st *loopState, conn Conn) {
	fd := conn.FD()
	_ = l.Backend().Unregister(fd)
	st.conns.remove(fd)
	_ = conn.Close()
}

// Conns returns the live ConnSet owned by the loop partition hashes to.
// Per spec §5, the returned set is safe to read only from that loop's own
// goroutine — e.g. from inside a FrameHandler, or a task submitted via
// Engine.Offer/Loop.Offer to the same partition. Reading it from any other
// goroutine races with the loop's Register/Unregister callbacks.
func (s *Service) Conns(p Partition) *ConnSet {
	l := s.partition(p)
	return s.stateFor(l).conns
}
