package taskqueue

import (
	"errors"
	"sync"
	"testing"

	"github.com/ldziedziul/tpcengine/tpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OfferLocalCapacityExceeded(t *testing.T) {
	q := New("q1", 1, 2, 0, 0)
	require.NoError(t, q.OfferLocal(Task{Run: func() {}}))
	require.NoError(t, q.OfferLocal(Task{Run: func() {}}))

	err := q.OfferLocal(Task{Run: func() {}})
	require.Error(t, err)
	var capErr *tpcerr.CapacityExceeded
	assert.True(t, errors.As(err, &capErr))
}

func TestQueue_ReapGlobalDrainsHeadToTail(t *testing.T) {
	q := New("q1", 1, 8, 0, 0)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		q.OfferGlobal(Task{Run: func() { order = append(order, i) }})
	}

	n := q.ReapGlobal()
	assert.Equal(t, 5, n)
	assert.True(t, q.global.empty())

	for i := 0; i < 5; i++ {
		tsk, ok := q.Next()
		require.True(t, ok)
		tsk.Run()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_ReapGlobalStopsAtLocalCapacity(t *testing.T) {
	q := New("q1", 1, 2, 0, 0)
	for i := 0; i < 5; i++ {
		q.OfferGlobal(Task{Run: func() {}})
	}
	n := q.ReapGlobal()
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, q.GlobalLen())
}

func TestQueue_OfferGlobalConcurrentSafe(t *testing.T) {
	q := New("q1", 1, 1024, 64, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.OfferGlobal(Task{Run: func() {}})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, q.GlobalLen())
}

func TestQueue_RunRecoversPanic(t *testing.T) {
	q := New("q1", 1, 4, 0, 0)
	err := q.Run(1, Task{ID: 7, Run: func() { panic("boom") }})
	require.Error(t, err)
	var tf *tpcerr.TaskFailure
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, int64(7), tf.TaskID)
}

func TestQueue_RunSuccess(t *testing.T) {
	q := New("q1", 1, 4, 0, 0)
	ran := false
	err := q.Run(1, Task{Run: func() { ran = true }})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestBlockedList_AddAndReapReady(t *testing.T) {
	var l BlockedList
	q1 := New("q1", 1, 4, 0, 0)
	q2 := New("q2", 1, 4, 0, 0)

	l.Add(q1)
	l.Add(q2)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, StateBlocked, q1.State())

	q2.OfferGlobal(Task{Run: func() {}})

	ready := l.ReapReady()
	require.Len(t, ready, 1)
	assert.Same(t, q2, ready[0])
	assert.Equal(t, StateRunning, q2.State())
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, StateBlocked, q1.State())
}
