// Package taskqueue implements the unit of fairness the schedulers (C7)
// operate on: a named queue of Runnable tasks with a bounded, owner-thread
// local ring buffer plus a bounded, lock-guarded global (cross-thread)
// queue. Grounded on the teacher's dual local/external task submission
// paths in eventloop/loop.go (SubmitInternal vs Submit) generalized from a
// single reactor-wide pair of queues to one pair per named, independently
// scheduled task queue.
package taskqueue

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/ldziedziul/tpcengine/ring"
	"github.com/ldziedziul/tpcengine/tpcerr"
)

// Task is a unit of work. ID is caller-assigned (e.g. for log correlation)
// and otherwise opaque to the queue.
type Task struct {
	Run func()
	ID  int64
}

// State tracks whether a Queue is currently a candidate for scheduling.
type State int32

const (
	// StateRunning means the queue is (or may become, once it has work)
	// eligible for the scheduler's pickNext.
	StateRunning State = iota
	// StateBlocked means the queue has no work and is parked on the
	// engine's blocked-concurrent list; it becomes runnable again when an
	// OfferGlobal gives it work (reaped at the top of a loop cycle) or when
	// a deadline task is dispatched into its local ring.
	StateBlocked
)

// Queue is a single named, independently-scheduled fairness unit: a local
// FIFO bounded to localCapacity, draining from a bounded global queue
// that any goroutine may submit to.
type Queue struct {
	Name   string
	Shares int

	local  *ring.Buffer[Task]
	global *globalQueue

	state atomic.Int32

	// VRuntime and ActualRuntimeNanos are owned by whichever sched.Scheduler
	// variant is active; stored on the queue itself because both FCFS and
	// CFS order on (and charge time to) the queue, not some side table.
	VRuntime           int64
	ActualRuntimeNanos int64

	// ClockSampleInterval bounds how many tasks run before the owning loop
	// re-samples the clock, per spec's "avoid a syscall per task" guidance.
	ClockSampleInterval int

	blockedPrev, blockedNext *Queue
}

// New returns a Queue with the given local ring-buffer capacity and a
// bounded global (cross-thread) queue capped at globalCapacity (spec §7:
// the concurrent queue is bounded too, not just the local ring).
func New(name string, shares, localCapacity, globalCapacity, clockSampleInterval int) *Queue {
	if shares < 1 {
		shares = 1
	}
	if globalCapacity < 1 {
		globalCapacity = 4096
	}
	if clockSampleInterval < 1 {
		clockSampleInterval = 61
	}
	return &Queue{
		Name:                name,
		Shares:              shares,
		local:               ring.New[Task](localCapacity),
		global:              newGlobalQueue(globalCapacity),
		ClockSampleInterval: clockSampleInterval,
	}
}

// OfferLocal enqueues t on the local ring buffer. Callable only from the
// owning loop thread (unenforced here; the loop package is the boundary
// that owns thread affinity). Returns a *tpcerr.CapacityExceeded if full.
func (q *Queue) OfferLocal(t Task) error {
	if !q.local.Offer(t) {
		return &tpcerr.CapacityExceeded{Component: "taskqueue.local:" + q.Name, Capacity: q.local.Cap()}
	}
	return nil
}

// OfferGlobal enqueues t on the bounded cross-thread queue. Safe to call
// from any goroutine. Returns a *tpcerr.CapacityExceeded if the global
// queue is already at its configured capacity (spec §7).
func (q *Queue) OfferGlobal(t Task) error {
	if !q.global.offer(t) {
		return &tpcerr.CapacityExceeded{Component: "taskqueue.global:" + q.Name, Capacity: q.global.capacity}
	}
	return nil
}

// ReapGlobal drains the global queue into the local ring buffer, head to
// tail, unconditionally, stopping only once the local buffer is full or
// the global queue is exhausted. This is the "no starvation window by
// construction" policy recorded in DESIGN.md: every cycle either fully
// drains the global queue or fills local to capacity, never leaving a
// partially-drained cycle due to some arbitrary per-cycle cap. Returns the
// number of tasks moved.
func (q *Queue) ReapGlobal() int {
	n := 0
	for !q.local.Full() {
		t, ok := q.global.poll()
		if !ok {
			break
		}
		q.local.Offer(t)
		n++
	}
	return n
}

// Next pops the next task to run from the local queue, in FIFO order.
func (q *Queue) Next() (Task, bool) {
	return q.local.Poll()
}

// IsEmpty reports whether both the local and global queues are empty.
func (q *Queue) IsEmpty() bool {
	return q.local.Empty() && q.global.empty()
}

// HasGlobalWork reports whether the global queue has pending tasks, used
// by the blocked-concurrent list to decide whether a blocked queue can be
// woken.
func (q *Queue) HasGlobalWork() bool {
	return !q.global.empty()
}

// Run executes t with panic recovery, mirroring the teacher's safeExecute:
// recover, wrap into a typed error, never let the panic reach the caller's
// own stack. The returned error is nil on success.
func (q *Queue) Run(loopID int, t Task) error {
	var failure *tpcerr.TaskFailure
	func() {
		defer func() {
			if r := recover(); r != nil {
				failure = tpcerr.NewTaskFailure(loopID, t.ID, r, debug.Stack())
			}
		}()
		t.Run()
	}()
	if failure != nil {
		return failure
	}
	return nil
}

// AddRuntime charges elapsed nanoseconds of execution to this queue's
// running total, for scheduler accounting (CFS vruntime delta, metrics).
func (q *Queue) AddRuntime(elapsedNanos int64) {
	q.ActualRuntimeNanos += elapsedNanos
}

// State returns the queue's current scheduling state.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// SetState updates the queue's scheduling state.
func (q *Queue) SetState(s State) {
	q.state.Store(int32(s))
}

// LocalLen and LocalCap expose local ring-buffer depth for metrics (A4).
func (q *Queue) LocalLen() int { return q.local.Len() }
func (q *Queue) LocalCap() int { return q.local.Cap() }

// GlobalLen exposes the global queue's current depth for metrics.
func (q *Queue) GlobalLen() int { return q.global.len() }
