// Package tpcengine implements the thread-per-core engine (C10): N pinned
// event loops, hash-mod partition routing, and a four-state lifecycle
// (NEW/RUNNING/SHUTDOWN/TERMINATED), wired atop the loop/sched/deadline/
// ioback/taskqueue packages that implement C1-C9.
//
// Construction follows the teacher's functional-option shape
// (eventloop/options.go's LoopOption / resolveLoopOptions), generalized
// from "configure one reactor" to "configure N loops plus the engine
// wrapper around them".
package tpcengine

import (
	"runtime"

	"github.com/ldziedziul/tpcengine/ioback"
	"github.com/ldziedziul/tpcengine/logging"
)

// config holds every knob spec.md §6's table names, resolved once at
// New and fanned out into one loop.Config per loop.
type config struct {
	eventloopCount int
	eventloopType  ioback.Kind

	spin bool
	cfs  bool

	targetLatencyNanos       int64
	minGranularityNanos      int64
	runQueueCapacity         int
	deadlineRunQueueCapacity int
	stallThresholdNanos      int64
	ioIntervalNanos          int64

	localTaskQueueCapacity      int
	concurrentTaskQueueCapacity int
	clockSampleInterval         int

	threadAffinity []int // CPU index per loop, round-robin if shorter than eventloopCount

	metricsEnabled bool
	logger         *logging.Logger
}

// Option configures an Engine at construction time, mirroring the
// teacher's LoopOption interface (applyLoop) but over the engine-wide
// config struct above.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithEventLoopCount sets the number of loops (and, with WithThreadAffinity,
// pinned CPUs). Defaults to runtime.GOMAXPROCS(0).
func WithEventLoopCount(n int) Option {
	return optionFunc(func(c *config) { c.eventloopCount = n })
}

// WithEventLoopType selects the I/O back-end driver every loop uses.
func WithEventLoopType(kind ioback.Kind) Option {
	return optionFunc(func(c *config) { c.eventloopType = kind })
}

// WithSpin enables busy-poll mode: loops never park, trading CPU for tail
// latency (spec §4.7 "Spin mode").
func WithSpin(enabled bool) Option {
	return optionFunc(func(c *config) { c.spin = enabled })
}

// WithCFS selects the CFS-style weighted-fair scheduler; otherwise every
// loop uses the FCFS baseline.
func WithCFS(enabled bool) Option {
	return optionFunc(func(c *config) { c.cfs = enabled })
}

// WithTargetLatencyNanos sets the denominator used to compute each task
// queue's time slice (spec §4.6).
func WithTargetLatencyNanos(n int64) Option {
	return optionFunc(func(c *config) { c.targetLatencyNanos = n })
}

// WithMinGranularityNanos sets the minimum time slice a task queue is
// granted. Tasks are given no shouldYield horizon to poll: each task runs
// until it returns, and the slice deadline is checked between tasks.
func WithMinGranularityNanos(n int64) Option {
	return optionFunc(func(c *config) { c.minGranularityNanos = n })
}

// WithRunQueueCapacity bounds the task-queue scheduler's runnable set.
func WithRunQueueCapacity(n int) Option {
	return optionFunc(func(c *config) { c.runQueueCapacity = n })
}

// WithDeadlineRunQueueCapacity bounds the deadline scheduler's heap.
func WithDeadlineRunQueueCapacity(n int) Option {
	return optionFunc(func(c *config) { c.deadlineRunQueueCapacity = n })
}

// WithStallThresholdNanos sets the per-task wall-clock threshold that
// triggers the stall handler.
func WithStallThresholdNanos(n int64) Option {
	return optionFunc(func(c *config) { c.stallThresholdNanos = n })
}

// WithIOIntervalNanos bounds the maximum interval between intra-slice I/O
// back-end ticks.
func WithIOIntervalNanos(n int64) Option {
	return optionFunc(func(c *config) { c.ioIntervalNanos = n })
}

// WithLocalTaskQueueCapacity bounds each task queue's owner-thread ring
// buffer.
func WithLocalTaskQueueCapacity(n int) Option {
	return optionFunc(func(c *config) { c.localTaskQueueCapacity = n })
}

// WithConcurrentTaskQueueCapacity bounds each task queue's cross-thread
// (global) queue. Once it is full, OfferGlobal returns a
// *tpcerr.CapacityExceeded and Loop.Offer (and the Schedule family built
// on it) returns false.
func WithConcurrentTaskQueueCapacity(n int) Option {
	return optionFunc(func(c *config) { c.concurrentTaskQueueCapacity = n })
}

// WithClockSampleInterval sets how many tasks run, per queue, between
// now() re-samples within a slice.
func WithClockSampleInterval(n int) Option {
	return optionFunc(func(c *config) { c.clockSampleInterval = n })
}

// WithThreadAffinity pins loop i to cpus[i % len(cpus)]. Applied from
// inside each loop's own goroutine at start (spec §4.9); if the OS
// reports a different effective set than requested, the loop logs a
// warning and proceeds rather than failing construction.
func WithThreadAffinity(cpus []int) Option {
	return optionFunc(func(c *config) {
		c.threadAffinity = append([]int(nil), cpus...)
	})
}

// WithMetrics enables per-loop latency/queue-depth/throughput recording,
// readable via Engine.Metrics().
func WithMetrics(enabled bool) Option {
	return optionFunc(func(c *config) { c.metricsEnabled = enabled })
}

// WithLogger sets the structured logger (A1) every loop and the engine
// itself log through. Defaults to logging.Discard().
func WithLogger(l *logging.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// resolveOptions mirrors the teacher's resolveLoopOptions: apply every
// non-nil Option over a set of defaults, skipping nils gracefully.
func resolveOptions(opts []Option) *config {
	c := &config{
		eventloopCount:              runtime.GOMAXPROCS(0),
		eventloopType:               ioback.Readiness,
		targetLatencyNanos:          int64(20 * 1000 * 1000), // 20ms
		minGranularityNanos:         int64(1 * 1000 * 1000),  // 1ms
		runQueueCapacity:            64,
		deadlineRunQueueCapacity:    1024,
		stallThresholdNanos:         int64(5 * 1000 * 1000), // 5ms
		ioIntervalNanos:             int64(2 * 1000 * 1000), // 2ms
		localTaskQueueCapacity:      256,
		concurrentTaskQueueCapacity: 4096,
		clockSampleInterval:         61,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	if c.eventloopCount < 1 {
		c.eventloopCount = 1
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}
