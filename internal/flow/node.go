package flow

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PortDirection distinguishes input ports from output ports.
type PortDirection int

const (
	// DirInput marks a port that consumes a value.
	DirInput PortDirection = iota
	// DirOutput marks a port that produces a value.
	DirOutput
)

// String returns the human-readable direction name.
func (d PortDirection) String() string {
	if d == DirOutput {
		return "output"
	}
	return "input"
}

// Port is a named, typed slot on a node. The name is unique within the
// owning node and direction. Required is only meaningful for inputs: a
// required input with neither a producer connection nor an initial value
// makes the node unready.
type Port struct {
	Name     string
	Type     DataType
	Dir      PortDirection
	Required bool
}

// Node is one operator instance within a flow. Ports and params are fixed
// by the operator type's definition plus user overrides; the flow treats
// the operator itself as a black box bound by the Type tag.
type Node struct {
	// ID is the stable identifier, unique within the flow.
	ID string
	// Type is the operator type tag this node binds to.
	Type string
	// Name is the human-readable instance name.
	Name string
	// Enabled nodes execute; disabled nodes are skipped at run time.
	Enabled bool
	// Inputs maps input port name to its descriptor.
	Inputs map[string]Port
	// Outputs maps output port name to its descriptor.
	Outputs map[string]Port
	// Params maps parameter name to its typed value (defaults merged with
	// user overrides).
	Params map[string]Value
	// WorkingSize is the declared image working size, used to size pooled
	// buffers for this node's image ports. Zero means no image scratch is
	// needed.
	WorkingSize ImageShape
}

// NewNode builds a node of the given operator type with a generated id.
func NewNode(opType, name string) *Node {
	return NewNodeWithID(uuid.NewString(), opType, name)
}

// NewNodeWithID builds a node with a caller-supplied stable id. This is the
// code path for reconstructing nodes from imported definitions; identity is
// never assigned after construction.
func NewNodeWithID(id, opType, name string) *Node {
	return &Node{
		ID:      id,
		Type:    opType,
		Name:    name,
		Enabled: true,
		Inputs:  make(map[string]Port),
		Outputs: make(map[string]Port),
		Params:  make(map[string]Value),
	}
}

// AddInput declares an input port on the node.
func (n *Node) AddInput(name string, t DataType, required bool) *Node {
	n.Inputs[name] = Port{Name: name, Type: t, Dir: DirInput, Required: required}
	return n
}

// AddOutput declares an output port on the node.
func (n *Node) AddOutput(name string, t DataType) *Node {
	n.Outputs[name] = Port{Name: name, Type: t, Dir: DirOutput}
	return n
}

// SetParam records a typed parameter value, overriding any default.
func (n *Node) SetParam(name string, v Value) *Node {
	n.Params[name] = v
	return n
}

// Param returns the node's parameter value by name.
func (n *Node) Param(name string) (Value, bool) {
	v, ok := n.Params[name]
	return v, ok
}

// PortRef names one port on one node, the endpoint of a connection.
type PortRef struct {
	Node string
	Port string
}

// String renders the reference in "node.port" form.
func (r PortRef) String() string {
	return r.Node + "." + r.Port
}

// ParsePortRef splits a "node.port" reference. The port name is the segment
// after the last dot, so node ids may themselves contain dots.
func ParsePortRef(s string) (PortRef, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return PortRef{}, fmt.Errorf("invalid port reference %q, want \"node.port\"", s)
	}
	return PortRef{Node: s[:i], Port: s[i+1:]}, nil
}

// Connection is a directed edge from an output port to an input port.
type Connection struct {
	Source PortRef
	Target PortRef
}

// String renders the connection for logs and error messages.
func (c Connection) String() string {
	return c.Source.String() + " -> " + c.Target.String()
}
