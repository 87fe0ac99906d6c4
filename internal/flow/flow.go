// Package flow defines the operator graph model: nodes with named, typed
// ports, directed connections between them, and the invariants that keep the
// graph executable (acyclic, one producer per input, direction- and
// type-compatible edges).
//
// A Flow is mutable while it is being edited and must be treated as
// read-only once handed to the scheduler. Concurrent runs may share one
// Flow without synchronization for that reason.
package flow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Flow is a named operator DAG.
type Flow struct {
	// ID is the stable flow identifier.
	ID string
	// Name is the human-readable flow name.
	Name string

	// mutex protects the maps below during graph editing. Execution only
	// reads, and editing during execution is a caller contract violation.
	mutex sync.RWMutex
	nodes map[string]*Node
	conns []Connection
	// producers indexes the single producer of each bound input port,
	// keyed by the target "node.port" reference.
	producers map[string]Connection
}

// New creates an empty flow with a generated id.
func New(name string) *Flow {
	return NewWithID(uuid.NewString(), name)
}

// NewWithID creates an empty flow with a caller-supplied stable id, the
// explicit path for reconstructing imported definitions.
func NewWithID(id, name string) *Flow {
	return &Flow{
		ID:        id,
		Name:      name,
		nodes:     make(map[string]*Node),
		producers: make(map[string]Connection),
	}
}

// AddNode appends a node to the flow. It fails with ErrDuplicateNodeID if a
// node with the same id already exists.
func (f *Flow) AddNode(n *Node) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, ok := f.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNodeID, n.ID)
	}
	f.nodes[n.ID] = n
	return nil
}

// Node returns the node with the given id.
func (f *Flow) Node(id string) (*Node, bool) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes returns all nodes in the flow in unspecified order.
func (f *Flow) Nodes() []*Node {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	out := make([]*Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

// Connections returns a copy of the flow's connection set.
func (f *Flow) Connections() []Connection {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	out := make([]Connection, len(f.conns))
	copy(out, f.conns)
	return out
}

// Connect adds a directed edge from an output port to an input port. Every
// structural invariant is checked before the edge is inserted, including an
// incremental acyclicity check: an edge whose target can already reach its
// source is rejected with ErrCycleDetected.
func (f *Flow) Connect(c Connection) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if c.Source.Node == c.Target.Node {
		return fmt.Errorf("%w: %s", ErrSelfConnection, c)
	}

	src, ok := f.nodes[c.Source.Node]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, c.Source.Node)
	}
	dst, ok := f.nodes[c.Target.Node]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, c.Target.Node)
	}

	srcPort, srcIsOutput := src.Outputs[c.Source.Port]
	if !srcIsOutput {
		if _, isInput := src.Inputs[c.Source.Port]; isInput {
			return fmt.Errorf("%w: %s is an input port, not an output", ErrPortDirectionMismatch, c.Source)
		}
		return fmt.Errorf("%w: %s", ErrUnknownPort, c.Source)
	}
	dstPort, dstIsInput := dst.Inputs[c.Target.Port]
	if !dstIsInput {
		if _, isOutput := dst.Outputs[c.Target.Port]; isOutput {
			return fmt.Errorf("%w: %s is an output port, not an input", ErrPortDirectionMismatch, c.Target)
		}
		return fmt.Errorf("%w: %s", ErrUnknownPort, c.Target)
	}

	if !srcPort.Type.Compatible(dstPort.Type) {
		return fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrPortTypeMismatch,
			c.Source, srcPort.Type, c.Target, dstPort.Type)
	}

	if prev, bound := f.producers[c.Target.String()]; bound {
		return fmt.Errorf("%w: %s already fed by %s", ErrInputAlreadyBound, c.Target, prev.Source)
	}

	// The new edge runs source -> target, so it closes a cycle exactly when
	// the target already reaches the source.
	if f.reaches(c.Target.Node, c.Source.Node) {
		return fmt.Errorf("%w: %s", ErrCycleDetected, c)
	}

	f.conns = append(f.conns, c)
	f.producers[c.Target.String()] = c
	return nil
}

// reaches reports whether there is a directed path from node id `from` to
// node id `to`. Caller holds the mutex.
func (f *Flow) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, c := range f.conns {
			if c.Source.Node == cur && !seen[c.Target.Node] {
				seen[c.Target.Node] = true
				stack = append(stack, c.Target.Node)
			}
		}
	}
	return false
}

// ProducerOf returns the connection feeding the given input port, if bound.
func (f *Flow) ProducerOf(ref PortRef) (Connection, bool) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	c, ok := f.producers[ref.String()]
	return c, ok
}

// ConnectionsFrom returns every connection whose source is the given node.
func (f *Flow) ConnectionsFrom(nodeID string) []Connection {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	var out []Connection
	for _, c := range f.conns {
		if c.Source.Node == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsInto returns every connection whose target is the given node.
func (f *Flow) ConnectionsInto(nodeID string) []Connection {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	var out []Connection
	for _, c := range f.conns {
		if c.Target.Node == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// InDegrees returns, for every node, the number of connections targeting it.
// Nodes absent from any connection map to zero.
func (f *Flow) InDegrees() map[string]int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	deg := make(map[string]int, len(f.nodes))
	for id := range f.nodes {
		deg[id] = 0
	}
	for _, c := range f.conns {
		deg[c.Target.Node]++
	}
	return deg
}
