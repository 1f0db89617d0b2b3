// Package ioback implements the I/O back-end adapter (C9): the event loop's
// abstraction over platform polling mechanisms, grounded on the teacher's
// eventloop/poller*.go FastPoller family and wakeup*.go wake mechanism.
// Where the teacher hard-codes one poller per build, this package
// generalizes to three selectable Kind values (spec §4.8), chosen at Engine
// construction via the eventloopType option (spec §4.8a).
package ioback

import "github.com/ldziedziul/tpcengine/tpcerr"

// Kind selects which back-end driver a Loop uses.
type Kind int

const (
	// Readiness is a level-triggered readiness selector (epoll/poll): a
	// registered fd is reported on every Poll call while its interest
	// condition holds, until Modify or Unregister changes that.
	Readiness Kind = iota
	// EdgeTriggered reports a registered fd at most once per state
	// transition; the caller must re-arm via Modify after each delivery.
	EdgeTriggered
	// Ring is a submission/completion ring back-end (io_uring): readiness
	// is reported through a completion queue rather than a returned event
	// list.
	Ring
)

func (k Kind) String() string {
	switch k {
	case Readiness:
		return "readiness"
	case EdgeTriggered:
		return "edge-triggered"
	case Ring:
		return "ring"
	default:
		return "unknown"
	}
}

// Events is a bitmask of the readiness conditions a registered fd can be
// interested in or report.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Handler is invoked with the reported Events for a registered fd.
type Handler func(Events)

// Backend is the common interface every driver implements. None of its
// methods are safe to call concurrently with each other: spec §4.8 requires
// every Backend to be touched only from its owning loop's goroutine.
type Backend interface {
	// Kind reports which driver this is.
	Kind() Kind
	// Register begins monitoring fd for the given interest set, invoking cb
	// on every Poll call that reports a matching event.
	Register(fd int, interest Events, cb Handler) error
	// Modify changes fd's interest set (and, for EdgeTriggered, re-arms it).
	Modify(fd int, interest Events) error
	// Unregister stops monitoring fd.
	Unregister(fd int) error
	// Poll blocks for at most timeoutNanos (0 means return immediately, a
	// negative value means block indefinitely) and dispatches callbacks for
	// every reported event. Returns the number of events dispatched.
	Poll(timeoutNanos int64) (int, error)
	// Wake causes a concurrently-blocked Poll call to return early. Safe to
	// call from any goroutine, any number of times; excess wakeups between
	// Poll calls are coalesced into one (spec §4.8's "wakeupNeeded" flag).
	Wake()
	// Close releases the backend's kernel resources.
	Close() error
}

// New constructs a Backend of the given Kind using the best available
// platform driver. On platforms without a Ring implementation, requesting
// Ring returns a *tpcerr.IllegalState, per spec §4.8a.
func New(kind Kind) (Backend, error) {
	switch kind {
	case Readiness:
		return newReadinessBackend()
	case EdgeTriggered:
		return newEdgeTriggeredBackend()
	case Ring:
		return newRingBackend()
	default:
		return nil, &tpcerr.IllegalState{Component: "ioback", Message: "unknown backend kind"}
	}
}
