//go:build !linux

package tpcengine

import "github.com/ldziedziul/tpcengine/logging"

// applyAffinity is a no-op on platforms without a Sched_setaffinity-style
// syscall exposed via x/sys; the requested pinning cannot be honoured, so
// the loop logs a warning and proceeds unpinned, per spec §4.9.
func applyAffinity(logger *logging.Logger, loopID, cpu int) {
	logger.Warning().Log("CPU affinity requested but not supported on this platform")
}
