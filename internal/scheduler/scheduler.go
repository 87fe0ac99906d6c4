// Package scheduler drives one validated flow to completion: it computes
// dependency order from the connection set, dispatches every ready node onto
// a bounded worker pool, routes produced values to dependents, and applies
// the run-level deadline and cancellation.
//
// All mutable state for a run lives in a run-scoped execution object created
// per invocation; the Scheduler itself is stateless and safe to share across
// concurrent runs of the same immutable flow.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/inspectflow/inspectflow/internal/bufpool"
	"github.com/inspectflow/inspectflow/internal/ctxlog"
	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/operator"
	"github.com/inspectflow/inspectflow/internal/runstate"
)

var (
	// ErrGraphInvalid wraps validation failures surfaced before execution.
	ErrGraphInvalid = errors.New("graph invalid")
	// ErrMissingInput marks a node with a required input that has neither a
	// producer connection nor an initial value.
	ErrMissingInput = errors.New("missing required input")
	// ErrUnknownOperator marks a node whose type tag has no registered executor.
	ErrUnknownOperator = errors.New("unknown operator type")
	// ErrSkipped marks nodes not executed because of an upstream condition.
	// It is a symptom, never the primary diagnostic of a run.
	ErrSkipped = errors.New("skipped")
	// ErrNodeDisabled marks nodes the user disabled in the flow definition.
	ErrNodeDisabled = errors.New("node disabled")
	// ErrRunTimeout is the aggregate error of a run that exceeded its deadline.
	ErrRunTimeout = errors.New("run timed out")
	// ErrRunCancelled is the aggregate error of a run cancelled by the caller.
	ErrRunCancelled = errors.New("run cancelled")
)

// Options tunes one scheduler instance.
type Options struct {
	// Workers bounds how many nodes execute concurrently within one run.
	// Zero means one worker per CPU.
	Workers int
	// Grace bounds how long the scheduler waits, after the deadline or a
	// cancellation fires, for in-flight operators to observe the signal
	// before the run is abandoned and its outcome returned anyway.
	Grace time.Duration
	// Pool supplies scratch buffers for image-typed ports. Nil disables
	// buffer acquisition.
	Pool *bufpool.Pool
}

// DefaultGrace is used when Options.Grace is zero.
const DefaultGrace = 500 * time.Millisecond

// Scheduler executes flows. One instance may serve concurrent runs.
type Scheduler struct {
	registry *operator.Registry
	workers  int
	grace    time.Duration
	pool     *bufpool.Pool
}

// New creates a scheduler bound to an operator registry.
func New(registry *operator.Registry, opts Options) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Scheduler{
		registry: registry,
		workers:  workers,
		grace:    grace,
		pool:     opts.Pool,
	}
}

// RunResult is the aggregate outcome of one run.
type RunResult struct {
	RunID string
	// Succeeded is true iff no node failed and the run was not cut short.
	Succeeded bool
	// Err is the primary diagnostic: the first real node failure, or the
	// timeout/cancellation error. Nil when Succeeded.
	Err error
	// Records is the final per-node status table.
	Records map[string]runstate.Record
	// Outputs holds the values produced on terminal output ports, keyed by
	// "node.port".
	Outputs map[string]flow.Value
	// Elapsed is the wall-clock duration of the run.
	Elapsed time.Duration
}

// Run is the handle to an in-flight execution.
type Run struct {
	// ID is the unique run identifier.
	ID string

	table  *runstate.Table
	cancel context.CancelFunc
	done   chan struct{}
	result *RunResult
}

// Cancel requests cooperative early termination of the run.
func (r *Run) Cancel() { r.cancel() }

// Status returns a live snapshot of the per-node status table. Safe to call
// while the run is in flight.
func (r *Run) Status() map[string]runstate.Record {
	return r.table.Snapshot()
}

// Wait blocks until the run completes and returns its result.
func (r *Run) Wait() *RunResult {
	<-r.done
	return r.result
}

// Done is closed when the run completes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Run executes the flow synchronously and returns its aggregate outcome.
// Timeout zero means no deadline beyond ctx's own.
func (s *Scheduler) Run(ctx context.Context, f *flow.Flow, initial map[string]flow.Value, timeout time.Duration) (*RunResult, error) {
	run, err := s.Start(ctx, f, initial, timeout)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Start validates the flow and launches its execution, returning a handle
// the caller can poll or cancel. Validation failures are returned here and
// never surface mid-run.
func (s *Scheduler) Start(ctx context.Context, f *flow.Flow, initial map[string]flow.Value, timeout time.Duration) (*Run, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGraphInvalid, err)
	}

	nodes := f.Nodes()
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	runID := uuid.NewString()
	logger := ctxlog.FromContext(ctx).With("run", runID, "flow", f.Name)

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	runCtx = ctxlog.WithLogger(runCtx, logger)

	e := &execution{
		sched:   s,
		flow:    f,
		initial: initial,
		table:   runstate.NewTable(ids),
		rnodes:  make(map[string]*runNode, len(nodes)),
		ready:   make(chan *runNode, len(nodes)),
		quit:    make(chan struct{}),
	}

	degrees := f.InDegrees()
	for _, n := range nodes {
		rn := &runNode{node: n}
		rn.depCount.Store(int32(degrees[n.ID]))
		e.rnodes[n.ID] = rn
	}

	run := &Run{
		ID:     runID,
		table:  e.table,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.wg.Add(len(nodes))
	logger.Debug("seeding ready queue", "nodes", len(nodes))
	rootCount := 0
	for _, rn := range e.rnodes {
		if rn.depCount.Load() == 0 {
			e.ready <- rn
			rootCount++
		}
	}
	logger.Debug("found all root nodes", "count", rootCount)

	for i := 0; i < s.workers; i++ {
		go e.worker(runCtx, i)
	}

	go s.supervise(runCtx, cancel, e, run, time.Now())
	return run, nil
}

// supervise waits for the run to drain, applies the grace period when the
// deadline or a cancellation fires first, and assembles the final result.
func (s *Scheduler) supervise(runCtx context.Context, cancel context.CancelFunc, e *execution, run *Run, startedAt time.Time) {
	defer cancel()
	logger := ctxlog.FromContext(runCtx)

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	interrupted := false
	select {
	case <-drained:
	case <-runCtx.Done():
		interrupted = true
		logger.Warn("run interrupted, granting grace period", "grace", s.grace, "cause", runCtx.Err())
		select {
		case <-drained:
		case <-time.After(s.grace):
			logger.Warn("grace period elapsed, abandoning in-flight nodes")
		}
	}

	// From here on, late completions from abandoned operators are discarded.
	e.finished.Store(true)
	close(e.quit)

	var runErr error
	if interrupted {
		cause := ErrRunCancelled
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			cause = ErrRunTimeout
		}
		// Every node that never reached a terminal state is cancelled through
		// its finishOnce. That keeps terminal transitions single-writer even
		// against a worker racing the sweep, and it drains the WaitGroup for
		// abandoned nodes so the drained goroutine always exits.
		for id, rn := range e.rnodes {
			rn.finishOnce.Do(func() {
				e.table.MarkCancelled(id, cause)
				e.wg.Done()
			})
		}
		runErr = cause
	} else if primary := e.primaryError(); primary != nil {
		runErr = primary
	}

	records := e.table.Snapshot()
	result := &RunResult{
		RunID:     run.ID,
		Succeeded: runErr == nil,
		Err:       runErr,
		Records:   records,
		Outputs:   e.terminalOutputs(records),
		Elapsed:   time.Since(startedAt),
	}

	if result.Succeeded {
		logger.Info("run succeeded", "elapsed", result.Elapsed, "nodes", len(records))
	} else {
		logger.Error("run failed", "elapsed", result.Elapsed, "error", result.Err)
	}

	run.result = result
	close(run.done)
}
