package tpcengine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ldziedziul/tpcengine/loop"
	"github.com/ldziedziul/tpcengine/metrics"
	"github.com/ldziedziul/tpcengine/tpcerr"
)

// State is the engine's lifecycle state (spec §4.9 / §5). Grounded on the
// teacher's FastState (eventloop/state.go): a lock-free CAS state machine,
// generalized here from the loop's five states to the engine's four.
type State uint32

const (
	StateNew State = iota
	StateRunning
	StateShutdown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// LoopMetrics is the snapshot Engine.Metrics() returns, one per loop.
type LoopMetrics = metrics.Loop

// Engine owns a fixed-length array of loops, one per pinned CPU, and
// provides the start/shutdown lifecycle plus hash-mod partition routing
// spec §4.9 and §6 describe.
type Engine struct {
	cfg   *config
	loops []*loop.Loop

	state atomic.Uint32

	wg         sync.WaitGroup
	terminated chan struct{}
	termOnce   sync.Once

	runErrs   []error
	runErrsMu sync.Mutex
}

// New constructs an Engine in state NEW. It does not start any loop
// goroutine; call Start. Mirrors the teacher's eventloop.New(opts...)
// shape, generalized to build N loops instead of one.
func New(opts ...Option) (*Engine, error) {
	cfg := resolveOptions(opts)

	e := &Engine{
		cfg:        cfg,
		terminated: make(chan struct{}),
		loops:      make([]*loop.Loop, cfg.eventloopCount),
	}
	e.state.Store(uint32(StateNew))

	for i := range e.loops {
		lcfg := loop.Config{
			ID:                          i,
			CFS:                         cfg.cfs,
			TargetLatencyNanos:          cfg.targetLatencyNanos,
			MinGranularityNanos:         cfg.minGranularityNanos,
			RunQueueCapacity:            cfg.runQueueCapacity,
			DeadlineRunQueueCapacity:    cfg.deadlineRunQueueCapacity,
			StallThresholdNanos:         cfg.stallThresholdNanos,
			IOIntervalNanos:             cfg.ioIntervalNanos,
			Spin:                        cfg.spin,
			BackendKind:                 cfg.eventloopType,
			LocalTaskQueueCapacity:      cfg.localTaskQueueCapacity,
			ConcurrentTaskQueueCapacity: cfg.concurrentTaskQueueCapacity,
			ClockSampleInterval:         cfg.clockSampleInterval,
			MetricsEnabled:              cfg.metricsEnabled,
			Logger:                      cfg.logger,
		}
		l, err := loop.New(lcfg)
		if err != nil {
			return nil, err
		}
		e.loops[i] = l
	}

	return e, nil
}

// Start transitions NEW -> RUNNING and launches one pinned goroutine per
// loop. Starting twice (or starting a non-NEW engine) is an IllegalState
// error (spec §8 invariant 8).
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(uint32(StateNew), uint32(StateRunning)) {
		return &tpcerr.IllegalState{Component: "engine", State: e.State().String(), Message: "engine already started"}
	}

	for i, l := range e.loops {
		cpu := -1
		if len(e.cfg.threadAffinity) > 0 {
			cpu = e.cfg.threadAffinity[i%len(e.cfg.threadAffinity)]
		}
		e.wg.Add(1)
		go e.runLoop(l, cpu)
	}
	return nil
}

func (e *Engine) runLoop(l *loop.Loop, cpu int) {
	defer e.wg.Done()
	if cpu >= 0 {
		applyAffinity(e.cfg.logger, l.ID(), cpu)
	}
	if err := l.Run(); err != nil {
		e.recordRunErr(err)
		e.cfg.logger.Err().Log("loop terminated abnormally")
	}
}

func (e *Engine) recordRunErr(err error) {
	e.runErrsMu.Lock()
	e.runErrs = append(e.runErrs, err)
	e.runErrsMu.Unlock()
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Shutdown requests every loop to stop after draining its current pass.
// From NEW, shutdown goes directly to TERMINATED (no loop goroutines were
// ever started). From RUNNING, it wakes every loop so each observes Stop
// promptly; TERMINATED is reached once every loop goroutine has returned,
// surfaced through AwaitTermination. Shutdown from SHUTDOWN or TERMINATED
// is a no-op, matching idempotent-shutdown expectations for a lifecycle
// API; it never returns an error for those states.
func (e *Engine) Shutdown() error {
	for {
		switch State(e.state.Load()) {
		case StateNew:
			if e.state.CompareAndSwap(uint32(StateNew), uint32(StateTerminated)) {
				e.markTerminated()
				return nil
			}
		case StateRunning:
			if e.state.CompareAndSwap(uint32(StateRunning), uint32(StateShutdown)) {
				for _, l := range e.loops {
					l.Stop()
				}
				go e.awaitLoopsThenTerminate()
				return nil
			}
		case StateShutdown, StateTerminated:
			return nil
		default:
			return &tpcerr.IllegalState{Component: "engine", Message: "unreachable engine state"}
		}
	}
}

func (e *Engine) awaitLoopsThenTerminate() {
	e.wg.Wait()
	e.state.Store(uint32(StateTerminated))
	e.markTerminated()
}

func (e *Engine) markTerminated() {
	e.termOnce.Do(func() { close(e.terminated) })
}

// AwaitTermination blocks until the engine reaches TERMINATED, or until
// timeout elapses (a non-positive timeout blocks indefinitely). Returns
// true if TERMINATED was observed, per spec §8 invariant 7's
// "awaitTermination(∞) never returns false after shutdown".
func (e *Engine) AwaitTermination(timeout time.Duration) bool {
	if timeout <= 0 {
		<-e.terminated
		return true
	}
	select {
	case <-e.terminated:
		return true
	case <-time.After(timeout):
		return false
	}
}

// RunErrors returns every *tpcerr.BackendFailure observed from a loop
// that exited abnormally, aggregated via tpcerr.Join (nil if none).
func (e *Engine) RunErrors() error {
	e.runErrsMu.Lock()
	defer e.runErrsMu.Unlock()
	return tpcerr.Join(e.runErrs...)
}

// Partition implements spec §6's hash-mod routing rule: an external
// request-service layer (see package reqsvc) shards keys onto loops
// without reaching into engine internals.
func (e *Engine) Partition(key int) *loop.Loop {
	n := len(e.loops)
	idx := key % n
	if idx < 0 {
		idx += n
	}
	return e.loops[idx]
}

// Loops returns every loop the engine owns, in index order.
func (e *Engine) Loops() []*loop.Loop {
	out := make([]*loop.Loop, len(e.loops))
	copy(out, e.loops)
	return out
}

// Metrics returns one snapshot per loop, in index order (zero value for
// loops constructed without WithMetrics).
func (e *Engine) Metrics() []LoopMetrics {
	out := make([]LoopMetrics, len(e.loops))
	for i, l := range e.loops {
		out[i] = l.Metrics()
	}
	return out
}

// Offer submits a task to the default queue of the loop owning
// partition. Cross-thread safe; see loop.Loop.Offer.
func (e *Engine) Offer(partition int, run func(), id int64) bool {
	return e.Partition(partition).Offer(run, id, nil)
}
