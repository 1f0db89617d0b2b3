package reqsvc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldziedziul/tpcengine/frame"
	"github.com/ldziedziul/tpcengine/ioback"
	"github.com/ldziedziul/tpcengine/loop"
)

func TestConnSet_AddGetRemove(t *testing.T) {
	s := newConnSet()
	assert.Equal(t, 0, s.Len())

	c := &pipeConn{fd: 7}
	s.add(c)
	assert.Equal(t, 1, s.Len())

	got, ok := s.Get(7)
	require.True(t, ok)
	assert.Same(t, c, got)

	s.remove(7)
	assert.Equal(t, 0, s.Len())
	_, ok = s.Get(7)
	assert.False(t, ok)
}

// pipeConn adapts an *os.File pair into the Conn interface this package
// multiplexes, standing in for tests for the real TCP/TLS collaborator
// spec.md §1 keeps out of scope.
type pipeConn struct {
	r, w *os.File
	fd   int
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) Close() error {
	if c.r != nil {
		_ = c.r.Close()
	}
	if c.w != nil && c.w != c.r {
		_ = c.w.Close()
	}
	return nil
}
func (c *pipeConn) FD() int { return c.fd }

func newPipeConn(t *testing.T) *pipeConn {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return &pipeConn{r: r, w: w, fd: int(r.Fd())}
}

// oneLoopEngine implements the Engine interface this package depends on
// with exactly one loop, avoiding a dependency on the root tpcengine
// package (and the import cycle that would otherwise create).
type oneLoopEngine struct{ l *loop.Loop }

func (e *oneLoopEngine) Partition(int) *loop.Loop { return e.l }
func (e *oneLoopEngine) Loops() []*loop.Loop      { return []*loop.Loop{e.l} }

func newOneLoopEngine(t *testing.T) *oneLoopEngine {
	t.Helper()
	l, err := loop.New(loop.Config{
		ID:                       0,
		TargetLatencyNanos:       int64(time.Millisecond),
		MinGranularityNanos:      int64(50 * time.Microsecond),
		RunQueueCapacity:         16,
		DeadlineRunQueueCapacity: 16,
		StallThresholdNanos:      int64(5 * time.Millisecond),
		IOIntervalNanos:          int64(time.Millisecond),
		BackendKind:              ioback.Readiness,
		LocalTaskQueueCapacity:   64,
	})
	require.NoError(t, err)
	return &oneLoopEngine{l: l}
}

// TestService_AcceptDeliversReadableFrame exercises the path spec.md §9a
// describes: Accept shards a connection onto a loop, the loop's I/O
// back-end reports it readable, and the handler observes the bytes
// written, all without the engine ever touching the frame's call-ID
// region.
func TestService_AcceptDeliversReadableFrame(t *testing.T) {
	eng := newOneLoopEngine(t)
	go func() { _ = eng.l.Run() }()
	defer eng.l.Stop()

	svc := New(eng, 4096, 4, nil)
	conn := newPipeConn(t)
	defer conn.Close()

	received := make(chan []byte, 1)
	ok := svc.Accept(0, conn, func(c Conn, f *frame.Frame) {
		buf := append([]byte(nil), f.Readable()...)
		received <- buf
	})
	require.True(t, ok)

	payload := []byte("hello reqsvc")
	_, err := conn.w.Write(payload)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked within 1s")
	}
}
