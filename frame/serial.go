package frame

// SerialPool is a single-owner frame pool: a plain LIFO freelist, safe only
// when Acquire/Free are both called from one goroutine (the owning event
// loop). This is the common case per spec §3 — most frame traffic never
// crosses a loop boundary.
type SerialPool struct {
	frameSize  int
	freeList   []*Frame
	generation uint64
	stats      Stats
}

// NewSerialPool returns a SerialPool that allocates frames of exactly
// frameSize bytes, pre-seeding it with seed frames.
func NewSerialPool(frameSize, seed int) *SerialPool {
	p := &SerialPool{frameSize: frameSize}
	p.freeList = make([]*Frame, 0, seed)
	for i := 0; i < seed; i++ {
		p.freeList = append(p.freeList, newFrame(frameSize, p, false))
		p.stats.Allocated++
		p.stats.InPool++
	}
	return p
}

// Acquire returns a frame with at least minSize bytes of capacity. Frames
// in this pool are fixed-size; if minSize exceeds the configured size, a
// fresh oversize frame is allocated and never returned to the pool (it is
// simply collected when released, since it would not fit the free list's
// uniform size assumption).
func (p *SerialPool) Acquire(minSize int) *Frame {
	if minSize > p.frameSize {
		p.stats.Allocated++
		p.stats.Grown++
		return newFrame(minSize, p, false)
	}
	n := len(p.freeList)
	if n == 0 {
		p.stats.Allocated++
		p.stats.Grown++
		return newFrame(p.frameSize, p, false)
	}
	f := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]
	p.stats.InPool--
	p.generation++
	f.reset(p.generation)
	return f
}

func (p *SerialPool) free(f *Frame) {
	p.stats.Freed++
	if len(f.data) != p.frameSize {
		// oversize frame, not a uniform-size slot: drop it, let the GC
		// reclaim the backing array.
		return
	}
	p.freeList = append(p.freeList, f)
	p.stats.InPool++
}

func (p *SerialPool) reportDoubleFree() {
	p.stats.DoubleFrees++
}

// Stats returns a snapshot of this pool's counters.
func (p *SerialPool) Stats() Stats {
	return p.stats
}
