// Package service is the invocation surface over the scheduler: it starts
// runs, tracks the ones in flight so they can be polled and cancelled by run
// id, and hands completed outcomes to the configured result sink.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/inspectflow/inspectflow/internal/ctxlog"
	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/runstate"
	"github.com/inspectflow/inspectflow/internal/scheduler"
)

// InputSupplier provides the named root values a run starts with, e.g. the
// captured image from an acquisition device. The engine treats the map as
// opaque values.
type InputSupplier interface {
	Supply(ctx context.Context) (map[string]flow.Value, error)
}

// StaticInputs is an InputSupplier over a fixed value map.
type StaticInputs map[string]flow.Value

// Supply implements InputSupplier.
func (s StaticInputs) Supply(ctx context.Context) (map[string]flow.Value, error) {
	return s, nil
}

// ResultSink receives every completed run outcome. The engine's contract
// ends at delivering the outcome object.
type ResultSink interface {
	Consume(ctx context.Context, result *scheduler.RunResult) error
}

// Service runs flows and tracks in-flight executions by run id.
type Service struct {
	sched *scheduler.Scheduler
	sink  ResultSink

	mu     sync.Mutex
	active map[string]*scheduler.Run
}

// New creates a service. Sink may be nil when no result consumer is wired.
func New(sched *scheduler.Scheduler, sink ResultSink) *Service {
	return &Service{
		sched:  sched,
		sink:   sink,
		active: make(map[string]*scheduler.Run),
	}
}

// WithSink sets the result sink and returns the service for chaining.
func (s *Service) WithSink(sink ResultSink) *Service {
	s.sink = sink
	return s
}

// RunFlow executes a flow against the given initial inputs and blocks until
// the aggregate outcome is available. The outcome always arrives within the
// configured timeout plus the scheduler's grace period; node failures are
// reported inside the result, not as an error return.
func (s *Service) RunFlow(ctx context.Context, f *flow.Flow, inputs map[string]flow.Value, timeout time.Duration) (*scheduler.RunResult, error) {
	run, err := s.sched.Start(ctx, f, inputs, timeout)
	if err != nil {
		return nil, err
	}

	s.track(run)
	result := run.Wait()
	s.untrack(run.ID)

	if s.sink != nil {
		if err := s.sink.Consume(ctx, result); err != nil {
			ctxlog.FromContext(ctx).Warn("result sink rejected outcome", "run", run.ID, "error", err)
		}
	}
	return result, nil
}

// RunFlowFrom pulls initial inputs from a supplier, then runs the flow.
func (s *Service) RunFlowFrom(ctx context.Context, f *flow.Flow, supplier InputSupplier, timeout time.Duration) (*scheduler.RunResult, error) {
	inputs, err := supplier.Supply(ctx)
	if err != nil {
		return nil, err
	}
	return s.RunFlow(ctx, f, inputs, timeout)
}

// CancelRun requests cooperative termination of an in-flight run. It
// reports whether the run id was known and still active.
func (s *Service) CancelRun(runID string) bool {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

// RunStatus returns a live per-node status snapshot for an in-flight run.
func (s *Service) RunStatus(runID string) (map[string]runstate.Record, bool) {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return run.Status(), true
}

// ActiveRuns lists the ids of runs currently in flight.
func (s *Service) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

func (s *Service) track(run *scheduler.Run) {
	s.mu.Lock()
	s.active[run.ID] = run
	s.mu.Unlock()
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()
}
