// Package operator defines the pluggable unit of work the scheduler drives:
// every node type binds to one Executor that consumes named input values and
// produces named output values. The engine never looks inside an operator;
// filtering, matching, inference, and device I/O all live behind the same
// interface.
package operator

import (
	"context"
	"time"

	"github.com/inspectflow/inspectflow/internal/bufpool"
	"github.com/inspectflow/inspectflow/internal/flow"
)

// Request carries everything an operator needs for one node execution.
type Request struct {
	// Node is the operator instance configuration (params, ports, working
	// size). Read-only.
	Node *flow.Node
	// Inputs maps input port name to its resolved value. Operators must not
	// retain references to these beyond the call.
	Inputs map[string]flow.Value
	// Scratch holds pooled working buffers sized to the node's declared
	// working size, one per image output port. They are valid only for the
	// duration of the call; outputs must own their own memory.
	Scratch []*bufpool.Buffer
}

// ScratchFor returns the i-th scratch buffer, or nil when the scheduler
// allocated fewer.
func (r *Request) ScratchFor(i int) *bufpool.Buffer {
	if i < 0 || i >= len(r.Scratch) {
		return nil
	}
	return r.Scratch[i]
}

// Outcome is the result of one operator execution.
type Outcome struct {
	// Success is false when the operator completed but the step itself
	// failed (e.g. an inspection criterion was violated fatally, a device
	// refused the request).
	Success bool
	// Outputs maps output port name to the produced value.
	Outputs map[string]flow.Value
	// ErrorMessage describes the failure when Success is false.
	ErrorMessage string
	// Duration is the operator-measured execution time. The scheduler keeps
	// its own wall-clock measurement regardless.
	Duration time.Duration
}

// Executor transforms resolved inputs into outputs for one node. The context
// carries the run's deadline and cancellation signal; implementations are
// contractually required to observe it at coarse checkpoints, in particular
// before and after any blocking I/O. Execute must be safe to invoke
// repeatedly and from concurrent runs.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (Outcome, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (Outcome, error) {
	return f(ctx, req)
}

// Validator checks a node's parameters before execution or at graph-edit
// time. Operators that need no validation simply don't implement it.
type Validator interface {
	ValidateParams(node *flow.Node) []error
}

// Definition is the static signature of an operator type: the ports a node
// of this type carries and the parameter defaults applied before user
// overrides.
type Definition struct {
	Type     string
	Inputs   []flow.Port
	Outputs  []flow.Port
	Defaults map[string]flow.Value
}

// ApplyTo declares the definition's ports on a node and fills in parameter
// defaults for anything the user didn't set.
func (d Definition) ApplyTo(n *flow.Node) {
	for _, p := range d.Inputs {
		n.AddInput(p.Name, p.Type, p.Required)
	}
	for _, p := range d.Outputs {
		n.AddOutput(p.Name, p.Type)
	}
	for name, v := range d.Defaults {
		if _, ok := n.Params[name]; !ok {
			n.Params[name] = v
		}
	}
}
