package taskqueue

// BlockedList is the intrusive doubly-linked list of StateBlocked queues,
// reaped once per loop cycle. It exists because the scheduler must not pay
// an O(queue count) scan every tick just to find the handful of queues
// that went idle — a blocked queue is unlinked from the scheduler entirely
// and only re-examined by walking this (typically short) list, the same
// "intrusive list + periodic reap" shape the teacher uses for tracking
// live promises in registry.go.
type BlockedList struct {
	head, tail *Queue
	length     int
}

// Add parks q on the list and marks it StateBlocked. No-op if q is already
// linked into some list (including this one).
func (l *BlockedList) Add(q *Queue) {
	if q.blockedPrev != nil || q.blockedNext != nil || l.head == q {
		return
	}
	q.SetState(StateBlocked)
	q.blockedPrev = l.tail
	q.blockedNext = nil
	if l.tail != nil {
		l.tail.blockedNext = q
	} else {
		l.head = q
	}
	l.tail = q
	l.length++
}

func (l *BlockedList) remove(q *Queue) {
	if q.blockedPrev != nil {
		q.blockedPrev.blockedNext = q.blockedNext
	} else if l.head == q {
		l.head = q.blockedNext
	}
	if q.blockedNext != nil {
		q.blockedNext.blockedPrev = q.blockedPrev
	} else if l.tail == q {
		l.tail = q.blockedPrev
	}
	q.blockedPrev, q.blockedNext = nil, nil
	l.length--
}

// ReapReady walks the list once, head to tail, unlinking and returning
// (in order) every queue whose global queue has since received work. Those
// queues are set back to StateRunning; the caller is responsible for
// re-enqueuing them with the active scheduler.
func (l *BlockedList) ReapReady() []*Queue {
	var ready []*Queue
	for q := l.head; q != nil; {
		next := q.blockedNext
		if q.HasGlobalWork() {
			l.remove(q)
			q.SetState(StateRunning)
			ready = append(ready, q)
		}
		q = next
	}
	return ready
}

// Remove unlinks q if it is currently parked on this list, restoring it to
// StateRunning. Returns false (no-op) if q was not linked here — callers
// use that to distinguish "this queue just came back from idle" from "this
// queue was already runnable", since only the former needs re-enqueuing
// with the active scheduler.
func (l *BlockedList) Remove(q *Queue) bool {
	if q.blockedPrev == nil && q.blockedNext == nil && l.head != q {
		return false
	}
	l.remove(q)
	q.SetState(StateRunning)
	return true
}

// Len returns the number of queues currently parked.
func (l *BlockedList) Len() int {
	return l.length
}
