// Package clock provides a monotonic nanosecond time source, sampled by the
// owning event loop (at the top of each cycle, and again every
// ClockSampleInterval tasks within a slice) and cached between samples.
// This matches the "tick anchor" idiom used throughout the engine:
// everything that reads "now" between two samples sees the same value.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock caches a monotonic nanosecond reading, refreshed explicitly by the
// owning loop via Sample. Reads (Now) never touch the OS clock themselves;
// that happens only inside Sample.
type Clock struct {
	anchor  time.Time
	elapsed atomic.Int64
}

// New returns a Clock anchored to the current monotonic time.
func New() *Clock {
	return &Clock{anchor: WallNow()}
}

// Sample reads the OS monotonic clock and caches the nanosecond offset from
// the anchor, returning the newly sampled value. Called only from the
// owning loop's goroutine: at the top of each cycle, every
// ClockSampleInterval tasks within a slice, and when a marshaled
// Schedule/Sleep registration runs.
func (c *Clock) Sample() int64 {
	n := WallNow().Sub(c.anchor).Nanoseconds()
	c.elapsed.Store(n)
	return n
}

// Now returns the last value cached by Sample, without touching the OS
// clock. Safe to call from any goroutine (e.g. for metrics snapshots taken
// from outside the loop thread), but the value is only as fresh as the
// last Sample call made by the owning loop.
func (c *Clock) Now() int64 {
	return c.elapsed.Load()
}

// Anchor returns the time.Time this clock's nanosecond offsets are relative
// to. Exposed so deadline-to-wall-clock conversions (e.g. for logging) can
// reconstruct an absolute time.
func (c *Clock) Anchor() time.Time {
	return c.anchor
}

// WallNow is a small seam over time.Now, factored out so tests can replace
// it; Sample always uses the real OS clock in production.
var WallNow = time.Now
