package ioback

import "sync/atomic"

// wakeFlag coalesces concurrent Wake() calls into a single underlying wake
// syscall per Poll cycle, grounded on the teacher's
// wakeUpSignalPending.CompareAndSwap(false, true) pattern in
// eventloop/loop.go's submitWakeup.
type wakeFlag struct {
	pending atomic.Bool
}

// arm reports whether the caller is the one that must actually perform the
// underlying wake (eventfd write, pipe write, ...): the first caller since
// the last clear wins; subsequent concurrent callers are coalesced.
func (w *wakeFlag) arm() bool {
	return w.pending.CompareAndSwap(false, true)
}

// clear resets the flag once Poll has observed and drained the wake.
func (w *wakeFlag) clear() {
	w.pending.Store(false)
}
