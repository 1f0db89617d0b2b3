// Package deadline implements the earliest-deadline-first scheduler (C5):
// a bounded min-heap of one-shot, fixed-delay, and fixed-rate tasks that
// dispatches due work into the owning taskqueue.Queue. Grounded on the
// teacher's eventloop/loop.go timerHeap + runTimers tick loop, generalized
// from JS-style single-fire/interval timers to the three deadline-task
// kinds spec.md §3–4.4 describes, and from a reactor-wide timer heap to one
// heap per engine loop (via pqueue.Queue, itself grounded on the same
// timerHeap).
package deadline

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/ldziedziul/tpcengine/pqueue"
	"github.com/ldziedziul/tpcengine/taskqueue"
	"github.com/ldziedziul/tpcengine/tpcerr"
)

// Kind distinguishes the three deadline-task shapes spec §3 names.
type Kind int

const (
	// OneShot fires exactly once and is never re-offered.
	OneShot Kind = iota
	// FixedDelay recomputes its next deadline as now+delay after each fire.
	FixedDelay
	// FixedRate recomputes its next deadline as priorDeadline+period,
	// deliberately not coalescing catch-up fires under stall (spec §9 Open
	// Question, DESIGN.md decision: no coalescing).
	FixedRate
)

// Promise is a single-assignment completion cell fulfilled by the
// scheduler when a deadline task without a destination queue fires — the
// model for Sleep()'s returned completion handle (spec §6, §9). No
// multi-waiter fan-out is required; Done returns the same channel to every
// caller, closed exactly once.
type Promise struct {
	once sync.Once
	ch   chan struct{}
}

// NewPromise returns an unfulfilled Promise.
func NewPromise() *Promise {
	return &Promise{ch: make(chan struct{})}
}

// Done returns a channel that closes when the promise is fulfilled.
func (p *Promise) Done() <-chan struct{} { return p.ch }

func (p *Promise) fulfil() {
	p.once.Do(func() { close(p.ch) })
}

// Task is one entry in the deadline scheduler's heap. At most one instance
// of a given Task is ever live in the heap at once (spec §3 invariant);
// re-scheduling after a fixed-rate/fixed-delay fire reuses the same value
// rather than allocating a new slot.
type Task struct {
	id int64

	deadlineNanos int64
	kind          Kind
	periodNanos   int64
	delayNanos    int64

	// Queue is where Command runs. Nil means there is no destination queue
	// and only Promise is fulfilled directly (used for bare Sleep()).
	Queue   *taskqueue.Queue
	Command func()
	Promise *Promise

	cancelled atomic.Bool
}

// DeadlineNanos implements pqueue.Item.
func (t *Task) DeadlineNanos() int64 { return t.deadlineNanos }

// Cancel marks the task cancelled; the scheduler discards it (without
// dispatching) the next time it is popped, per spec §5 cancellation policy.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// New constructs a one-shot deadline Task.
func New(deadlineNanos int64, queue *taskqueue.Queue, cmd func()) *Task {
	return &Task{deadlineNanos: deadlineNanos, kind: OneShot, Queue: queue, Command: cmd}
}

// NewFixedDelay constructs a fixed-delay deadline Task: after each fire,
// the next deadline is now+delayNanos.
func NewFixedDelay(firstDeadlineNanos, delayNanos int64, queue *taskqueue.Queue, cmd func()) *Task {
	return &Task{deadlineNanos: firstDeadlineNanos, kind: FixedDelay, delayNanos: delayNanos, Queue: queue, Command: cmd}
}

// NewFixedRate constructs a fixed-rate deadline Task: after each fire, the
// next deadline is priorDeadline+periodNanos (may fall behind under
// stalls; no catch-up coalescing, per spec §9).
func NewFixedRate(firstDeadlineNanos, periodNanos int64, queue *taskqueue.Queue, cmd func()) *Task {
	return &Task{deadlineNanos: firstDeadlineNanos, kind: FixedRate, periodNanos: periodNanos, Queue: queue, Command: cmd}
}

// maxDeadline is the clamp ceiling for overflow-safe deadline arithmetic
// (spec §4.4 "Overflow-safe deadline computation clamps to max signed
// 64-bit").
const maxDeadline = math.MaxInt64

func addClamped(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	if a > maxDeadline-b {
		return maxDeadline
	}
	return a + b
}

// DropHandler is invoked — never as a return value, never fatal — whenever
// a dispatch or periodic re-offer is dropped: a full destination queue, or
// a re-offer that would overflow the heap (spec §4.4 edge policies).
type DropHandler func(reason string, t *Task)

// Scheduler is the bounded earliest-deadline-first store (C5). Not safe
// for concurrent use: per spec §4.4, every operation is called only from
// the owning loop thread.
type Scheduler struct {
	heap       *pqueue.Queue[*Task]
	onDrop     DropHandler
	onDispatch func(q *taskqueue.Queue)
	nextID     atomic.Int64
}

// New returns a Scheduler whose heap holds at most capacity tasks.
func New(capacity int, onDrop DropHandler) *Scheduler {
	return &Scheduler{heap: pqueue.New[*Task](capacity), onDrop: onDrop}
}

// SetDispatchHandler installs a callback invoked after a task is
// successfully delivered into its destination queue's local ring (not
// called for a dropped dispatch, and not called for queue-less tasks that
// only fulfil a Promise). A queue can be parked (StateBlocked) on the
// owning loop's blocked list at the moment its local ring receives this
// delivery — unlike a cross-thread OfferGlobal, an OfferLocal never wakes
// anything by itself, so without this hook the queue would never return to
// the scheduler. The loop package wires this to re-enqueue exactly that
// queue, mirroring the same Blocked->Running transition its own
// global-queue reaping already performs every cycle.
func (s *Scheduler) SetDispatchHandler(h func(q *taskqueue.Queue)) {
	s.onDispatch = h
}

// Offer inserts t into the heap. Returns a *tpcerr.CapacityExceeded if the
// heap is already at capacity.
func (s *Scheduler) Offer(t *Task) error {
	if t.id == 0 {
		t.id = s.nextID.Add(1)
	}
	if !s.heap.Offer(t) {
		return &tpcerr.CapacityExceeded{Component: "deadline.heap", Capacity: s.heap.Cap()}
	}
	return nil
}

// EarliestDeadlineNanos returns the heap root's deadline, or -1 when empty
// (spec §4.4), used by the event loop to compute its park timeout.
func (s *Scheduler) EarliestDeadlineNanos() int64 {
	if v, ok := s.heap.EarliestDeadlineNanos(); ok {
		return v
	}
	return -1
}

// Cancel cancels t in place; it is discarded (not dispatched) the next
// time the scheduler pops it, without needing to scan the heap.
func (s *Scheduler) Cancel(t *Task) { t.Cancel() }

// Tick pops and dispatches every task whose deadline is <= now, stopping
// as soon as the heap root is in the future (spec §4.4). Each dispatched
// periodic task is re-offered once for its next fire.
func (s *Scheduler) Tick(now int64) {
	for {
		t, ok := s.heap.Peek()
		if !ok || t.DeadlineNanos() > now {
			return
		}
		s.heap.Pop()

		if t.Cancelled() {
			continue
		}

		s.dispatch(t)

		switch t.kind {
		case FixedRate:
			t.deadlineNanos = addClamped(t.deadlineNanos, t.periodNanos)
			if err := s.Offer(t); err != nil {
				s.drop("fixed-rate re-offer overflow", t)
			}
		case FixedDelay:
			t.deadlineNanos = addClamped(now, t.delayNanos)
			if err := s.Offer(t); err != nil {
				s.drop("fixed-delay re-offer overflow", t)
			}
		}
	}
}

func (s *Scheduler) dispatch(t *Task) {
	if t.Queue == nil {
		if t.Promise != nil {
			t.Promise.fulfil()
		}
		return
	}

	cmd := t.Command
	promise := t.Promise
	run := func() {
		if cmd != nil {
			cmd()
		}
		if promise != nil {
			promise.fulfil()
		}
	}

	if err := t.Queue.OfferLocal(taskqueue.Task{Run: run, ID: t.id}); err != nil {
		// Dispatch failures are logged and the deadline task is dropped;
		// the promise (if any) is deliberately left unfulfilled, matching
		// spec's "dropped" semantics rather than inventing a failure value
		// the original completion-handle contract doesn't have.
		s.drop("dispatch: destination queue full", t)
		return
	}

	if s.onDispatch != nil {
		s.onDispatch(t.Queue)
	}
}

func (s *Scheduler) drop(reason string, t *Task) {
	if s.onDrop != nil {
		s.onDrop(reason, t)
	}
}
