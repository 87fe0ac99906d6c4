package operator

import (
	"fmt"
	"sync"
)

// Factory builds a fresh Executor for one node execution context.
type Factory func() Executor

// Registry maps operator type tags to their definitions and executor
// factories. A registry is populated once at startup and read concurrently
// by the scheduler afterwards.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]Definition
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:      make(map[string]Definition),
		factories: make(map[string]Factory),
	}
}

// Register binds an operator type tag to its definition and factory. A
// duplicate tag is a wiring mistake in startup code, so it panics.
func (r *Registry) Register(def Definition, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[def.Type]; ok {
		panic(fmt.Sprintf("operator type %q registered twice", def.Type))
	}
	r.defs[def.Type] = def
	r.factories[def.Type] = f
}

// Definition returns the port/parameter signature of an operator type.
func (r *Registry) Definition(opType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[opType]
	return d, ok
}

// New instantiates an executor for an operator type.
func (r *Registry) New(opType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[opType]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Types returns all registered type tags in unspecified order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
