package frame

import "sync/atomic"

// UnpooledAllocator allocates a fresh frame on every Acquire and lets Free
// drop it for the GC to reclaim. Useful as a baseline for benchmarking the
// pooled variants, or when frame traffic is too low-volume to justify
// pooling overhead.
type UnpooledAllocator struct {
	frameSize   int
	allocated   atomic.Int64
	freedCnt    atomic.Int64
	doubleFrees atomic.Int64
}

// NewUnpooledAllocator returns an allocator that ignores minSize below
// frameSize (frames are still allocated at least frameSize bytes, to keep
// behavior consistent with the pooled variants for small requests).
func NewUnpooledAllocator(frameSize int) *UnpooledAllocator {
	return &UnpooledAllocator{frameSize: frameSize}
}

func (p *UnpooledAllocator) Acquire(minSize int) *Frame {
	size := p.frameSize
	if minSize > size {
		size = minSize
	}
	p.allocated.Add(1)
	return newFrame(size, p, true)
}

func (p *UnpooledAllocator) free(_ *Frame) {
	p.freedCnt.Add(1)
}

func (p *UnpooledAllocator) reportDoubleFree() {
	p.doubleFrees.Add(1)
}

func (p *UnpooledAllocator) Stats() Stats {
	return Stats{
		Allocated:   p.allocated.Load(),
		Freed:       p.freedCnt.Load(),
		DoubleFrees: p.doubleFrees.Load(),
	}
}
