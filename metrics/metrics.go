// Package metrics implements the ambient instrumentation (A4) the event
// loop records when WithMetrics is enabled: per-task latency percentiles
// (via the P-Square streaming estimator), queue-depth gauges, and a simple
// throughput counter. Grounded on the teacher's eventloop/metrics.go
// Metrics/LatencyMetrics/QueueMetrics/TPSCounter shape, generalized from a
// single reactor-wide set of counters to one Loop snapshot, plus a queue
// breakdown keyed by task-queue name.
package metrics

import (
	"sync"
	"time"
)

// Latency tracks a latency distribution's streaming percentiles, mean, and
// max, snapshotted by value so callers never hold a live pointer into the
// recorder's internal state.
type Latency struct {
	P50, P90, P95, P99 time.Duration
	Mean, Max          time.Duration
	Count              int64
}

// QueueDepth is a point-in-time snapshot of one task queue's backlog.
type QueueDepth struct {
	Name        string
	LocalLen    int
	LocalCap    int
	GlobalLen   int
	BlockedCount int64
}

// Loop is the full snapshot returned by Loop.Metrics() / Engine.Metrics():
// task latency, per-queue depths, and throughput, copied out by value.
type Loop struct {
	LoopID      int
	TaskLatency Latency
	Queues      []QueueDepth
	TasksPerSec float64
	Stalls      int64
}

// Recorder accumulates latency samples and queue depths for one loop. Zero
// value is not usable; use NewRecorder. All methods are safe for concurrent
// use (the owning loop thread writes every tick; Snapshot may be called
// from any goroutine for external reporting).
type Recorder struct {
	loopID int

	mu    sync.Mutex
	psq   *multiQuantile
	sum   time.Duration
	count int64
	max   time.Duration

	tasksWindowStart time.Time
	tasksWindowCount int64
	tps              float64

	stalls int64
}

// NewRecorder returns a Recorder for the given loop ID.
func NewRecorder(loopID int) *Recorder {
	return &Recorder{
		loopID:           loopID,
		psq:              newMultiQuantile(0.50, 0.90, 0.95, 0.99),
		tasksWindowStart: time.Now(),
	}
}

// RecordTask records one completed task's execution duration and bumps the
// throughput window. Called once per task from the owning loop thread.
func (r *Recorder) RecordTask(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.psq.Update(float64(d))
	r.sum += d
	r.count++
	if d > r.max {
		r.max = d
	}
	r.tasksWindowCount++
	if elapsed := time.Since(r.tasksWindowStart); elapsed >= time.Second {
		r.tps = float64(r.tasksWindowCount) / elapsed.Seconds()
		r.tasksWindowCount = 0
		r.tasksWindowStart = time.Now()
	}
}

// RecordStall increments the stall counter, called once per stall-handler
// invocation (spec §4.7, §8 S4).
func (r *Recorder) RecordStall() {
	r.mu.Lock()
	r.stalls++
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of this recorder's latency and
// throughput state. queues is supplied by the caller (the loop knows its
// own task-queue set; the recorder doesn't).
func (r *Recorder) Snapshot(queues []QueueDepth) Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	lat := Latency{Count: r.count}
	if r.count > 0 {
		lat.P50 = time.Duration(r.psq.Quantile(0))
		lat.P90 = time.Duration(r.psq.Quantile(1))
		lat.P95 = time.Duration(r.psq.Quantile(2))
		lat.P99 = time.Duration(r.psq.Quantile(3))
		lat.Mean = time.Duration(r.psq.Mean())
		lat.Max = time.Duration(r.psq.Max())
	}
	return Loop{
		LoopID:      r.loopID,
		TaskLatency: lat,
		Queues:      queues,
		TasksPerSec: r.tps,
		Stalls:      r.stalls,
	}
}
