package frame

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
)

// parallelNode is a Treiber-stack link node. Reused via a sync.Pool so
// steady-state Acquire/Free traffic doesn't allocate a node per call.
type parallelNode struct {
	frame *Frame
	next  *parallelNode
}

// ParallelPool is a lock-free, multi-producer/multi-consumer frame pool, in
// the same spirit as the teacher's MicrotaskRing and promise registry: a
// Treiber stack (CAS push/pop on an atomic head pointer) instead of a
// mutex-guarded freelist. Acquire never blocks: if the stack is observed
// empty, it allocates a fresh frame immediately and schedules a coalesced
// background replenishment (via go-microbatch) so concurrent callers
// racing the same empty stack trigger one bulk allocation instead of one
// each.
type ParallelPool struct {
	frameSize  int
	head       atomic.Pointer[parallelNode]
	generation atomic.Uint64
	nodePool   sync.Pool

	allocated   atomic.Int64
	freedCnt    atomic.Int64
	grown       atomic.Int64
	inPool      atomic.Int64
	doubleFrees atomic.Int64

	batcher *microbatch.Batcher[replenishJob]
}

type replenishJob struct {
	count int
}

// ParallelPoolOption configures NewParallelPool.
type ParallelPoolOption func(*parallelPoolConfig)

type parallelPoolConfig struct {
	batchMaxSize  int
	batchInterval time.Duration
}

// WithReplenishBatch overrides the batching window used to coalesce
// cross-thread replenishment requests (default: up to 16 requests or 10ms,
// whichever comes first).
func WithReplenishBatch(maxSize int, interval time.Duration) ParallelPoolOption {
	return func(c *parallelPoolConfig) {
		c.batchMaxSize = maxSize
		c.batchInterval = interval
	}
}

// NewParallelPool returns a ParallelPool allocating frames of frameSize
// bytes, pre-seeded with seed frames.
func NewParallelPool(frameSize, seed int, opts ...ParallelPoolOption) *ParallelPool {
	cfg := parallelPoolConfig{batchMaxSize: 16, batchInterval: 10 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}

	p := &ParallelPool{frameSize: frameSize}
	p.nodePool.New = func() any { return &parallelNode{} }

	p.batcher = microbatch.NewBatcher[replenishJob](
		&microbatch.BatcherConfig{MaxSize: cfg.batchMaxSize, FlushInterval: cfg.batchInterval, MaxConcurrency: 1},
		p.replenish,
	)

	for i := 0; i < seed; i++ {
		f := newFrame(frameSize, p, true)
		p.allocated.Add(1)
		p.pushFrame(f)
	}
	return p
}

// replenish is the go-microbatch BatchProcessor: it sums every coalesced
// request's count and allocates that many frames in one pass, pushing each
// onto the stack for future Acquire calls to find.
func (p *ParallelPool) replenish(_ context.Context, jobs []replenishJob) error {
	total := 0
	for _, j := range jobs {
		total += j.count
	}
	for i := 0; i < total; i++ {
		f := newFrame(p.frameSize, p, true)
		p.allocated.Add(1)
		p.grown.Add(1)
		p.pushFrame(f)
	}
	return nil
}

func (p *ParallelPool) pushFrame(f *Frame) {
	n, _ := p.nodePool.Get().(*parallelNode)
	n.frame = f
	for {
		old := p.head.Load()
		n.next = old
		if p.head.CompareAndSwap(old, n) {
			p.inPool.Add(1)
			return
		}
	}
}

func (p *ParallelPool) popFrame() *Frame {
	for {
		old := p.head.Load()
		if old == nil {
			return nil
		}
		if p.head.CompareAndSwap(old, old.next) {
			f := old.frame
			old.frame, old.next = nil, nil
			p.nodePool.Put(old)
			p.inPool.Add(-1)
			return f
		}
	}
}

// Acquire returns a frame with at least minSize bytes of capacity. It never
// blocks.
func (p *ParallelPool) Acquire(minSize int) *Frame {
	if minSize > p.frameSize {
		p.allocated.Add(1)
		p.grown.Add(1)
		return newFrame(minSize, p, true)
	}
	if f := p.popFrame(); f != nil {
		gen := p.generation.Add(1)
		f.reset(gen)
		return f
	}
	p.allocated.Add(1)
	p.grown.Add(1)
	// best-effort: a transient batcher failure (e.g. shutting down) just
	// means the next Acquire on an empty stack tries again.
	_, _ = p.batcher.Submit(context.Background(), replenishJob{count: 1})
	return newFrame(p.frameSize, p, true)
}

func (p *ParallelPool) free(f *Frame) {
	p.freedCnt.Add(1)
	if len(f.data) != p.frameSize {
		return
	}
	p.pushFrame(f)
}

func (p *ParallelPool) reportDoubleFree() {
	p.doubleFrees.Add(1)
}

// Stats returns a snapshot of this pool's counters.
func (p *ParallelPool) Stats() Stats {
	return Stats{
		Allocated:   p.allocated.Load(),
		Freed:       p.freedCnt.Load(),
		InPool:      p.inPool.Load(),
		Grown:       p.grown.Load(),
		DoubleFrees: p.doubleFrees.Load(),
	}
}

// Close shuts down the background replenishment batcher. Frames already
// acquired remain valid; further Acquire calls still work (they simply
// fall back to unbatched fresh allocation once the stack drains).
func (p *ParallelPool) Close() error {
	return p.batcher.Close()
}
