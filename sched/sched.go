// Package sched implements the two task-queue scheduler variants (C7):
// FCFS (a plain circular run queue) and CFS (a vruntime-ordered weighted
// fair scheduler). Both are grounded on the teacher's reactor run-loop
// shape (eventloop/loop.go's tick/processInternalQueue), generalized from
// a single implicit run queue to a pluggable Scheduler interface selected
// at Engine construction (spec §4.6a), mirroring the teacher's
// LoopOption-driven construction.
package sched

import "github.com/ldziedziul/tpcengine/taskqueue"

// Scheduler is the common interface both variants implement (spec §4.6).
// There is at most one "active" queue live between a PickNext call and the
// matching DequeueActive or YieldActive.
type Scheduler interface {
	// Enqueue adds q to the runnable set. Returns a *tpcerr.CapacityExceeded
	// if the backing structure is at capacity.
	Enqueue(q *taskqueue.Queue) error
	// PickNext returns the queue that should run next, or nil if none is
	// runnable. The returned queue becomes "active" until DequeueActive or
	// YieldActive is called.
	PickNext() *taskqueue.Queue
	// UpdateActive charges cpuTimeNanos of execution to the active queue's
	// scheduling accounting (a no-op for FCFS; CFS's vruntime delta).
	UpdateActive(cpuTimeNanos int64)
	// DequeueActive removes the active queue from the runnable set
	// entirely (it drained and has been parked on the blocked list).
	DequeueActive()
	// YieldActive returns the active queue to the runnable set (it still
	// has work, but its time slice elapsed).
	YieldActive()
	// TimeSliceNanosActive returns the time budget granted to the active
	// queue for this pass.
	TimeSliceNanosActive() int64
}
