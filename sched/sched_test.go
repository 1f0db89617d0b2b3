package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldziedziul/tpcengine/taskqueue"
)

func mkQueue(name string, shares int) *taskqueue.Queue {
	return taskqueue.New(name, shares, 64, 4096, 61)
}

// TestFCFS_TimeSliceFormula is spec.md §8 invariant 4: each queue's slice
// is >= minGranularity and equals max(minGranularity, targetLatency/N).
func TestFCFS_TimeSliceFormula(t *testing.T) {
	const target = int64(20_000_000) // 20ms
	const minGran = int64(1_000_000) // 1ms
	s := NewFCFS(8, minGran, target)

	queues := []*taskqueue.Queue{mkQueue("a", 1), mkQueue("b", 1), mkQueue("c", 1)}
	for _, q := range queues {
		require.NoError(t, s.Enqueue(q))
	}

	want := target / int64(len(queues))
	assert.Equal(t, want, s.TimeSliceNanosActive())

	// Drain to one queue: slice should grow back toward target.
	s.PickNext()
	s.DequeueActive()
	s.PickNext()
	s.DequeueActive()
	assert.Equal(t, target, s.TimeSliceNanosActive()) // 1 runner: target/1 > minGran
}

// TestFCFS_TimeSliceFloorsAtMinGranularity covers the other half of
// invariant 4: once N is large enough that target/N would fall under
// minGranularity, the slice floors there instead.
func TestFCFS_TimeSliceFloorsAtMinGranularity(t *testing.T) {
	const target = int64(20_000_000) // 20ms
	const minGran = int64(1_000_000) // 1ms
	s := NewFCFS(64, minGran, target)

	for i := 0; i < 40; i++ { // target/40 = 500us < minGran
		require.NoError(t, s.Enqueue(mkQueue("q", 1)))
	}

	assert.Equal(t, minGran, s.TimeSliceNanosActive())
}

// TestFCFS_PickNextIsHeadAndYieldRotates covers §4.6.1's FIFO ordering and
// rotate-on-yield behavior.
func TestFCFS_PickNextIsHeadAndYieldRotates(t *testing.T) {
	s := NewFCFS(8, 1, 10)
	a, b, c := mkQueue("a", 1), mkQueue("b", 1), mkQueue("c", 1)
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))
	require.NoError(t, s.Enqueue(c))

	assert.Same(t, a, s.PickNext())
	s.YieldActive()
	assert.Same(t, b, s.PickNext())
	s.YieldActive()
	assert.Same(t, c, s.PickNext())
	s.YieldActive()
	assert.Same(t, a, s.PickNext()) // wrapped back around
}

// TestFCFS_EnqueueFailsAtCapacity covers the bounded run-queue contract.
func TestFCFS_EnqueueFailsAtCapacity(t *testing.T) {
	s := NewFCFS(1, 1, 10)
	require.NoError(t, s.Enqueue(mkQueue("a", 1)))
	err := s.Enqueue(mkQueue("b", 1))
	require.Error(t, err)
}

// TestCFS_NeverActiveAndEnqueuedSimultaneously is spec.md §8 invariant 1
// (restricted to one scheduler's own bookkeeping): the active queue is
// popped out of the ordered set by PickNext and is not findable there
// again until Yield/DequeueActive.
func TestCFS_NeverActiveAndEnqueuedSimultaneously(t *testing.T) {
	s := NewCFS(8, 1, 10, 0)
	a := mkQueue("a", 1)
	require.NoError(t, s.Enqueue(a))

	got := s.PickNext()
	assert.Same(t, a, got)

	for _, e := range s.h {
		assert.NotSame(t, a, e.q, "active queue must not also be present in the ordered set")
	}

	s.YieldActive()
	found := false
	for _, e := range s.h {
		if e.q == a {
			found = true
		}
	}
	assert.True(t, found, "yielded queue must return to the ordered set")
}

// TestCFS_FairnessApproachesShareRatio is spec.md §8 invariant 3 / scenario
// S3: simulating two always-runnable queues A(shares=1) and B(shares=3)
// running many small bursts, B's accumulated CPU should approach 3x A's.
func TestCFS_FairnessApproachesShareRatio(t *testing.T) {
	const burst = int64(100_000) // 100us per scheduling pass, matches S3
	s := NewCFS(8, 1, 20_000_000, 0)

	a := mkQueue("a", 1)
	b := mkQueue("b", 3)
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))

	var cpuA, cpuB int64
	const rounds = 20000
	for i := 0; i < rounds; i++ {
		active := s.PickNext()
		require.NotNil(t, active)
		s.UpdateActive(burst)
		if active == a {
			cpuA += burst
		} else {
			cpuB += burst
		}
		s.YieldActive()
	}

	ratio := float64(cpuB) / float64(cpuA)
	assert.InDelta(t, 3.0, ratio, 0.3) // within +/-10% of the 3x target
}

// TestCFS_TimeSliceFormula is spec §4.6.2's
// max(minGranularity, targetLatency*shares/totalShares).
func TestCFS_TimeSliceFormula(t *testing.T) {
	const target = int64(20_000_000)
	const minGran = int64(1_000_000)
	s := NewCFS(8, minGran, target, 0)

	a := mkQueue("a", 1)
	b := mkQueue("b", 3)
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))

	active := s.PickNext()
	var activeShares, totalShares int64 = int64(active.Shares), int64(active.Shares)
	// the other queue is still in the ordered set
	for _, e := range s.h {
		totalShares += int64(e.q.Shares)
	}
	want := target * activeShares / totalShares
	if want < minGran {
		want = minGran
	}
	assert.Equal(t, want, s.TimeSliceNanosActive())
}

// TestCFS_EnqueueFailsAtCapacity covers the bounded ordered-set contract.
func TestCFS_EnqueueFailsAtCapacity(t *testing.T) {
	s := NewCFS(1, 1, 10, 0)
	require.NoError(t, s.Enqueue(mkQueue("a", 1)))
	err := s.Enqueue(mkQueue("b", 1))
	require.Error(t, err)
}

// TestCFS_ReentryVruntimeFloorPreventsUnboundedCredit covers the Open
// Question decision recorded in DESIGN.md: a queue returning to runnable
// with a far-behind (low) vruntime is floored to currentMin-leeway on
// Enqueue, rather than being handed unbounded catch-up credit.
func TestCFS_ReentryVruntimeFloorPreventsUnboundedCredit(t *testing.T) {
	const leeway = int64(1000)
	s := NewCFS(8, 1, 10, leeway)

	hot := mkQueue("hot", 1)
	hot.VRuntime = 100000
	require.NoError(t, s.Enqueue(hot))
	active := s.PickNext()
	require.Same(t, hot, active) // ordered set is now empty; currentMinVRuntime == active's

	stale := mkQueue("stale", 1) // default VRuntime is 0: far behind hot
	require.NoError(t, s.Enqueue(stale))

	assert.Equal(t, hot.VRuntime-leeway, stale.VRuntime)
}
