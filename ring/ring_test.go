package ring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_OfferPollFIFO(t *testing.T) {
	b := New[int](4)
	require.Equal(t, 4, b.Cap()) // already a power of two

	for i := 0; i < 4; i++ {
		assert.True(t, b.Offer(i))
	}
	assert.True(t, b.Full())
	assert.False(t, b.Offer(99), "offer must fail once full")

	for i := 0; i < 4; i++ {
		v, ok := b.Poll()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.True(t, b.Empty())
	_, ok := b.Poll()
	assert.False(t, ok)
}

func TestBuffer_CapacityRoundsToPow2(t *testing.T) {
	b := New[int](5)
	assert.Equal(t, 8, b.Cap())
}

func TestBuffer_WraparoundPastUint64Boundary(t *testing.T) {
	b := New[int](2)
	// start head/tail just short of the uint64 limit, then drive them
	// forward repeatedly so both wrap past it, exercising the masking logic
	b.head = math.MaxUint64 - 500
	b.tail = b.head
	for i := 0; i < 1000; i++ {
		require.True(t, b.Offer(i))
		v, ok := b.Poll()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestBuffer_Rotate(t *testing.T) {
	b := New[int](4)
	b.Offer(1)
	b.Offer(2)
	b.Offer(3)

	assert.True(t, b.Rotate())
	v, _ := b.Peek()
	assert.Equal(t, 2, v)

	for i := 0; i < 3; i++ {
		b.Poll()
	}
	assert.False(t, b.Rotate(), "rotate on empty buffer must fail")
}

func TestBuffer_Peek(t *testing.T) {
	b := New[string](2)
	_, ok := b.Peek()
	assert.False(t, ok)

	b.Offer("a")
	v, ok := b.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, b.Len(), "peek must not remove")
}
