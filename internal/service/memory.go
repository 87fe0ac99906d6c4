package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/scheduler"
)

// FlowRepository stores flow definitions. The persistence format behind a
// non-memory implementation is outside the engine's scope.
type FlowRepository interface {
	Save(ctx context.Context, f *flow.Flow) error
	Get(ctx context.Context, id string) (*flow.Flow, error)
	List(ctx context.Context) ([]*flow.Flow, error)
}

// ResultRepository stores completed run outcomes.
type ResultRepository interface {
	ResultSink
	Get(ctx context.Context, runID string) (*scheduler.RunResult, bool)
}

// MemFlowRepository is the in-memory FlowRepository.
type MemFlowRepository struct {
	mu    sync.RWMutex
	flows map[string]*flow.Flow
}

// NewMemFlowRepository creates an empty in-memory flow store.
func NewMemFlowRepository() *MemFlowRepository {
	return &MemFlowRepository{flows: make(map[string]*flow.Flow)}
}

// Save stores or replaces a flow by id.
func (r *MemFlowRepository) Save(ctx context.Context, f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID] = f
	return nil
}

// Get returns a flow by id.
func (r *MemFlowRepository) Get(ctx context.Context, id string) (*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %q not found", id)
	}
	return f, nil
}

// List returns all stored flows in unspecified order.
func (r *MemFlowRepository) List(ctx context.Context) ([]*flow.Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*flow.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	return out, nil
}

// MemResultRepository is the in-memory ResultRepository; it doubles as a
// ResultSink so completed outcomes land in it directly.
type MemResultRepository struct {
	mu      sync.RWMutex
	results map[string]*scheduler.RunResult
}

// NewMemResultRepository creates an empty in-memory result store.
func NewMemResultRepository() *MemResultRepository {
	return &MemResultRepository{results: make(map[string]*scheduler.RunResult)}
}

// Consume implements ResultSink.
func (r *MemResultRepository) Consume(ctx context.Context, result *scheduler.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.RunID] = result
	return nil
}

// Get returns a stored outcome by run id.
func (r *MemResultRepository) Get(ctx context.Context, runID string) (*scheduler.RunResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[runID]
	return res, ok
}
