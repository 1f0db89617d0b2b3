// Package frame implements the Frame/IOBuffer abstraction (spec §3) and its
// three allocator variants: a single-owner serial pool, a lock-free
// multi-producer/multi-consumer parallel pool, and an unpooled allocator.
//
// Frame mirrors the teacher's promise/registry object lifecycle (refcount,
// generation-tagged reuse, allocator backref) but for byte buffers instead
// of JS values: a Frame knows which allocator it came from, so Free can be
// called without the caller threading the pool through every call site.
package frame

import "sync/atomic"

const (
	// CallIDOffset is the byte offset, within a Frame's data, of the 8-byte
	// call-ID region the wire protocol uses to correlate requests and
	// responses. Per spec §6, the engine must never alter these bytes; it
	// is reserved for whatever sits atop the engine (see package reqsvc).
	CallIDOffset = 0
	// CallIDSize is the width, in bytes, of the call-ID region.
	CallIDSize = 8
)

// Allocator is implemented by each frame pool variant. Acquire obtains a
// Frame with at least minSize bytes of usable capacity; free returns one to
// the pool it came from (called by Frame.Free, never directly by users).
type Allocator interface {
	Acquire(minSize int) *Frame
	free(f *Frame)
	reportDoubleFree()
	Stats() Stats
}

// Stats is a point-in-time snapshot of a pool's usage, following the
// teacher's Metrics snapshot-by-value idiom (a plain struct, copied out,
// not a live pointer into internal counters).
type Stats struct {
	Allocated   int64 // total frames ever allocated fresh
	Freed       int64 // total frames ever returned via Free
	InPool      int64 // frames currently available for reuse
	Grown       int64 // times the pool allocated beyond its initial seed
	DoubleFrees int64 // Free calls observed on an already-freed frame
}

// Frame is a refcounted, cursor-addressed byte buffer. Zero value is not
// usable; obtain one from an Allocator.
type Frame struct {
	data       []byte
	r, w       int // read/write cursors, r <= w <= len(data)
	next       *Frame
	completion any
	allocator  Allocator
	concurrent bool
	generation uint64
	refs       atomic.Int32
	freed      atomic.Bool
}

func newFrame(size int, a Allocator, concurrent bool) *Frame {
	f := &Frame{
		data:       make([]byte, size),
		allocator:  a,
		concurrent: concurrent,
	}
	f.refs.Store(1)
	return f
}

func (f *Frame) reset(generation uint64) {
	f.r, f.w = 0, 0
	f.next = nil
	f.completion = nil
	f.generation = generation
	f.refs.Store(1)
	f.freed.Store(false)
}

// Bytes returns the full backing array. Callers writing to it are expected
// to also advance the write cursor via Advance.
func (f *Frame) Bytes() []byte { return f.data }

// CallID returns the reserved call-ID region (spec §6). The engine itself
// must never write to the slice this returns.
func (f *Frame) CallID() []byte { return f.data[CallIDOffset : CallIDOffset+CallIDSize] }

// Cap returns the total backing capacity.
func (f *Frame) Cap() int { return len(f.data) }

// Len returns the number of unread bytes between the read and write
// cursors.
func (f *Frame) Len() int { return f.w - f.r }

// Readable returns the unread portion of the buffer.
func (f *Frame) Readable() []byte { return f.data[f.r:f.w] }

// Writable returns the unwritten portion of the buffer, past the write
// cursor.
func (f *Frame) Writable() []byte { return f.data[f.w:] }

// Advance moves the write cursor forward by n bytes, typically after a
// direct write into Writable().
func (f *Frame) Advance(n int) {
	f.w += n
	if f.w > len(f.data) {
		f.w = len(f.data)
	}
}

// Consume moves the read cursor forward by n bytes.
func (f *Frame) Consume(n int) {
	f.r += n
	if f.r > f.w {
		f.r = f.w
	}
}

// Next returns the chain-link pointer, for building linked buffer chains
// out of fixed-size frames.
func (f *Frame) Next() *Frame       { return f.next }
func (f *Frame) SetNext(n *Frame)   { f.next = n }
func (f *Frame) Completion() any    { return f.completion }
func (f *Frame) SetCompletion(c any) { f.completion = c }

// Generation returns the reuse counter this Frame was last reset to. Stable
// for the lifetime between Acquire and Free; bumped by the pool on reuse.
func (f *Frame) Generation() uint64 { return f.generation }

// Retain increments the reference count. Used when a Frame is handed to
// more than one concurrent consumer (e.g. fanning a response out to
// several registered waiters).
func (f *Frame) Retain() {
	f.refs.Add(1)
}

// Release decrements the reference count, returning the Frame to its
// allocator once it reaches zero. Returns true if this call triggered the
// actual free.
func (f *Frame) Release() bool {
	if f.refs.Add(-1) != 0 {
		return false
	}
	f.Free()
	return true
}

// Free returns the Frame to its allocator unconditionally (ignoring
// refcount — used when a Frame is known to have exactly one owner). Safe
// to call more than once: a double free is detected via the frame's freed
// flag and counted in the allocator's Stats (DoubleFrees) rather than
// treated as fatal, per the engine's never-panic propagation policy.
func (f *Frame) Free() {
	if f.freed.CompareAndSwap(false, true) {
		f.allocator.free(f)
		return
	}
	f.allocator.reportDoubleFree()
}
