package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph edits. Callers classify with errors.Is.
var (
	// ErrDuplicateNodeID is returned when a node id already exists in the flow.
	ErrDuplicateNodeID = errors.New("duplicate node id")
	// ErrUnknownNode is returned when a connection references a node id that
	// does not exist.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownPort is returned when a connection references a port that does
	// not exist on the named node.
	ErrUnknownPort = errors.New("unknown port")
	// ErrPortDirectionMismatch is returned when a connection's source is not an
	// output port or its target is not an input port.
	ErrPortDirectionMismatch = errors.New("port direction mismatch")
	// ErrPortTypeMismatch is returned when the source and target port data
	// types are incompatible.
	ErrPortTypeMismatch = errors.New("port type mismatch")
	// ErrInputAlreadyBound is returned when the target input port already has
	// a producer.
	ErrInputAlreadyBound = errors.New("input already bound")
	// ErrSelfConnection is returned when a connection's source and target are
	// the same node.
	ErrSelfConnection = errors.New("self connection")
	// ErrCycleDetected is returned when a connection would make the graph
	// cyclic, or when full validation finds a cycle.
	ErrCycleDetected = errors.New("cycle detected")
)

// CycleError reports a cycle found by Validate, carrying the ordered node ids
// along the cycle for diagnostics. It matches ErrCycleDetected under errors.Is.
type CycleError struct {
	// Path lists the node ids along the cycle, starting and ending at the
	// same node.
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is makes errors.Is(err, ErrCycleDetected) hold for CycleError values.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}
