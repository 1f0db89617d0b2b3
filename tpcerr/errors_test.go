package tpcerr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapacityExceeded_Unwrap(t *testing.T) {
	err := &CapacityExceeded{Component: "taskqueue.local", Capacity: 64, Cause: io.EOF}
	assert.True(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "taskqueue.local")
}

func TestTaskFailure_UnwrapsErrorPanicValue(t *testing.T) {
	tf := NewTaskFailure(1, 42, io.ErrClosedPipe, nil)
	assert.True(t, errors.Is(tf, io.ErrClosedPipe))
	assert.Contains(t, tf.Error(), "task panicked")
}

func TestTaskFailure_NonErrorPanicValue(t *testing.T) {
	tf := NewTaskFailure(1, 42, "boom", nil)
	assert.Nil(t, tf.Unwrap())
	assert.Equal(t, "task panicked", tf.Error())
}

func TestJoin(t *testing.T) {
	assert.Nil(t, Join())
	assert.Nil(t, Join(nil, nil))
	assert.Equal(t, io.EOF, Join(io.EOF))

	agg := Join(io.EOF, io.ErrClosedPipe)
	assert.True(t, errors.Is(agg, io.EOF))
	assert.True(t, errors.Is(agg, io.ErrClosedPipe))

	var aggTarget *AggregateError
	assert.True(t, errors.As(agg, &aggTarget))
}

func TestBackendFailure_Unwrap(t *testing.T) {
	err := &BackendFailure{Backend: "epoll", Op: "poll", Cause: io.EOF}
	assert.True(t, errors.Is(err, io.EOF))
}
