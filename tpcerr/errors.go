// Package tpcerr implements the engine's error taxonomy: typed, wrapped
// errors supporting errors.Is/errors.As across the whole chain, in the same
// style as the teacher's ES2022-flavoured error types (a typed struct per
// kind, each implementing Unwrap for cause-chain matching).
package tpcerr

import (
	"errors"
	"strconv"
)

// CapacityExceeded is returned when a bounded structure (ring buffer,
// priority queue, run queue) rejects an offer because it is full.
type CapacityExceeded struct {
	// Component names what rejected the offer, e.g. "taskqueue.local".
	Component string
	Capacity  int
	Cause     error
}

func (e *CapacityExceeded) Error() string {
	if e.Component == "" {
		return "capacity exceeded"
	}
	return e.Component + " capacity exceeded (cap=" + strconv.Itoa(e.Capacity) + ")"
}

func (e *CapacityExceeded) Unwrap() error { return e.Cause }

// IllegalState is returned when an operation is attempted against an
// object in a state that does not permit it, e.g. starting an
// already-started engine, or requesting the ring I/O backend on a non-Linux
// OS.
type IllegalState struct {
	Component string
	State     string
	Message   string
	Cause     error
}

func (e *IllegalState) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Component + ": illegal state " + e.State
}

func (e *IllegalState) Unwrap() error { return e.Cause }

// TaskFailure wraps a panic recovered while running a scheduled task or
// deadline callback. The loop never propagates this into its own control
// flow; it is logged and the loop continues, mirroring the teacher's
// safeExecute recover-log-continue policy.
type TaskFailure struct {
	Value   any
	Stack   []byte
	LoopID  int
	TaskID  int64
	message string
}

func (e *TaskFailure) Error() string {
	if e.message != "" {
		return e.message
	}
	return "task panicked"
}

// Unwrap returns the recovered value if it is itself an error, so
// errors.Is/errors.As can match the original cause.
func (e *TaskFailure) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// NewTaskFailure builds a TaskFailure from a recovered panic value.
func NewTaskFailure(loopID int, taskID int64, value any, stack []byte) *TaskFailure {
	msg := "task panicked"
	if err, ok := value.(error); ok {
		msg = "task panicked: " + err.Error()
	}
	return &TaskFailure{Value: value, Stack: stack, LoopID: loopID, TaskID: taskID, message: msg}
}

// Stall describes a single task whose run exceeded stallThresholdNanos.
// The loop reports stalls through its logger and metrics recorder and does
// not construct or return this type.
type Stall struct {
	LoopID       int
	Queue        string
	ElapsedNanos int64
}

func (e *Stall) Error() string {
	return "queue " + e.Queue + " stalled for " + strconv.FormatInt(e.ElapsedNanos, 10) + "ns"
}

// BackendFailure wraps an I/O backend error (poll/register/wake failure)
// that is not recoverable by retrying the same call.
type BackendFailure struct {
	Backend string
	Op      string
	Cause   error
}

func (e *BackendFailure) Error() string {
	return e.Backend + ": " + e.Op + " failed"
}

func (e *BackendFailure) Unwrap() error { return e.Cause }

// AggregateError combines multiple errors encountered during a single
// operation (e.g. shutting down several loops), supporting Go 1.20+
// multi-error unwrapping.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 0 {
		return "aggregate error (empty)"
	}
	s := e.Errors[0].Error()
	for _, err := range e.Errors[1:] {
		s += "; " + err.Error()
	}
	return s
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

func (e *AggregateError) Is(target error) bool {
	var aggTarget *AggregateError
	return errors.As(target, &aggTarget)
}

// Join returns nil, a single error, or an *AggregateError, depending on how
// many non-nil errors are given.
func Join(errs ...error) error {
	var filtered []error
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return &AggregateError{Errors: filtered}
	}
}
