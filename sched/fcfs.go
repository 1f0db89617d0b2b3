package sched

import (
	"github.com/ldziedziul/tpcengine/ring"
	"github.com/ldziedziul/tpcengine/taskqueue"
	"github.com/ldziedziul/tpcengine/tpcerr"
)

// FCFS is the first-come-first-served scheduler variant (spec §4.6.1): a
// trivially-correct baseline and benchmark comparator, backed by a bounded
// circular run queue. PickNext peeks the head without removing it; the
// head only leaves the ring via YieldActive (rotate to tail) or
// DequeueActive (remove).
type FCFS struct {
	ring                *ring.Buffer[*taskqueue.Queue]
	minGranularityNanos int64
	targetLatencyNanos  int64
}

// NewFCFS returns an FCFS scheduler whose run queue holds at most capacity
// task queues.
func NewFCFS(capacity int, minGranularityNanos, targetLatencyNanos int64) *FCFS {
	return &FCFS{
		ring:                ring.New[*taskqueue.Queue](capacity),
		minGranularityNanos: minGranularityNanos,
		targetLatencyNanos:  targetLatencyNanos,
	}
}

func (s *FCFS) Enqueue(q *taskqueue.Queue) error {
	if !s.ring.Offer(q) {
		return &tpcerr.CapacityExceeded{Component: "sched.fcfs.runqueue", Capacity: s.ring.Cap()}
	}
	return nil
}

// PickNext returns the head of the run queue without removing it, per
// spec §4.6.1.
func (s *FCFS) PickNext() *taskqueue.Queue {
	q, ok := s.ring.Peek()
	if !ok {
		return nil
	}
	return q
}

// UpdateActive is a no-op: FCFS orders purely on arrival, not on
// accumulated runtime. Runtime accounting for metrics still happens on the
// queue itself (taskqueue.Queue.AddRuntime), called directly by the loop.
func (s *FCFS) UpdateActive(int64) {}

// DequeueActive removes the (drained) head from the run queue.
func (s *FCFS) DequeueActive() { s.ring.Poll() }

// YieldActive moves the head to the tail; a no-op when only one queue is
// runnable, since rotating a single-element ring is the identity.
func (s *FCFS) YieldActive() { s.ring.Rotate() }

// TimeSliceNanosActive implements
// max(minGranularityNanos, targetLatencyNanos/nrRunning), spec §4.6.1.
func (s *FCFS) TimeSliceNanosActive() int64 {
	n := int64(s.ring.Len())
	if n < 1 {
		n = 1
	}
	slice := s.targetLatencyNanos / n
	if slice < s.minGranularityNanos {
		slice = s.minGranularityNanos
	}
	return slice
}
