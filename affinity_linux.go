//go:build linux

package tpcengine

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/ldziedziul/tpcengine/logging"
)

// applyAffinity pins the calling OS thread to cpu, grounded on the
// runtime.LockOSThread + unix.SchedSetaffinity(0, &mask) idiom used for
// per-queue thread pinning in the pack's ublk queue runner. Failures are
// logged and otherwise ignored (spec §4.9: "if the applied set differs
// from requested, warn but proceed").
func applyAffinity(logger *logging.Logger, loopID, cpu int) {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		logger.Warning().Log("failed to set loop CPU affinity")
		return
	}

	var got unix.CPUSet
	if err := unix.SchedGetaffinity(0, &got); err != nil || !got.IsSet(cpu) || got.Count() != 1 {
		logger.Warning().Log("effective CPU affinity differs from requested")
	}
}
