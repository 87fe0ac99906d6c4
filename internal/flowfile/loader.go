// Package flowfile loads flow definitions from HCL files into the in-memory
// graph model. A definition names its nodes, binds each to an operator type
// from the registry (which contributes the port signature and parameter
// defaults), and wires connections between "node.port" references.
package flowfile

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/operator"
)

type fileRoot struct {
	Flows []*flowBlock `hcl:"flow,block"`
}

type flowBlock struct {
	Name        string       `hcl:"name,label"`
	ID          *string      `hcl:"id,optional"`
	Nodes       []*nodeBlock `hcl:"node,block"`
	Connections []*connBlock `hcl:"connection,block"`
}

type nodeBlock struct {
	Name    string        `hcl:"name,label"`
	Type    string        `hcl:"type"`
	Enabled *bool         `hcl:"enabled,optional"`
	Params  *paramsBlock  `hcl:"params,block"`
	Working *workingBlock `hcl:"working_size,block"`
}

// paramsBlock keeps its attributes undecoded so each one can be evaluated
// into the closed value variant individually.
type paramsBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type workingBlock struct {
	Width           int  `hcl:"width"`
	Height          int  `hcl:"height"`
	Channels        *int `hcl:"channels,optional"`
	BytesPerChannel *int `hcl:"bytes_per_channel,optional"`
}

type connBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// Load parses one HCL file containing exactly one flow block and builds the
// graph. The registry supplies each node's port signature; every structural
// invariant (unknown ports, duplicate bindings, cycles) is enforced while
// wiring, so a loaded flow is executable as returned.
func Load(path string, reg *operator.Registry) (*flow.Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	return build(file.Body, path, reg)
}

// LoadBytes is Load for in-memory definitions, used by tests and embedding
// callers.
func LoadBytes(src []byte, filename string, reg *operator.Registry) (*flow.Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", filename, diags)
	}
	return build(file.Body, filename, reg)
}

func build(body hcl.Body, filename string, reg *operator.Registry) (*flow.Flow, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", filename, diags)
	}
	if len(root.Flows) != 1 {
		return nil, fmt.Errorf("%s: want exactly one flow block, got %d", filename, len(root.Flows))
	}
	fb := root.Flows[0]

	var f *flow.Flow
	if fb.ID != nil {
		f = flow.NewWithID(*fb.ID, fb.Name)
	} else {
		f = flow.New(fb.Name)
	}

	for _, nb := range fb.Nodes {
		def, ok := reg.Definition(nb.Type)
		if !ok {
			return nil, fmt.Errorf("node %q: unknown operator type %q", nb.Name, nb.Type)
		}

		n := flow.NewNodeWithID(nb.Name, nb.Type, nb.Name)
		def.ApplyTo(n)
		if nb.Enabled != nil {
			n.Enabled = *nb.Enabled
		}
		if nb.Working != nil {
			n.WorkingSize = workingShape(nb.Working)
		}
		if nb.Params != nil {
			if err := applyParams(n, nb.Params.Body); err != nil {
				return nil, fmt.Errorf("node %q: %w", nb.Name, err)
			}
		}
		if err := f.AddNode(n); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}

	for _, cb := range fb.Connections {
		src, err := flow.ParsePortRef(cb.From)
		if err != nil {
			return nil, fmt.Errorf("%s: connection from: %w", filename, err)
		}
		dst, err := flow.ParsePortRef(cb.To)
		if err != nil {
			return nil, fmt.Errorf("%s: connection to: %w", filename, err)
		}
		if err := f.Connect(flow.Connection{Source: src, Target: dst}); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}

	// Full re-validation guards against any future bypass of Connect.
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return f, nil
}

func workingShape(w *workingBlock) flow.ImageShape {
	shape := flow.ImageShape{Width: w.Width, Height: w.Height, Channels: 1, BytesPerChannel: 1}
	if w.Channels != nil {
		shape.Channels = *w.Channels
	}
	if w.BytesPerChannel != nil {
		shape.BytesPerChannel = *w.BytesPerChannel
	}
	return shape
}

// applyParams evaluates each params attribute into a typed parameter value
// on the node, overriding definition defaults.
func applyParams(n *flow.Node, body hcl.Body) error {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("reading params: %w", diags)
	}
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("param %q: %w", name, diags)
		}
		val, err := ctyToValue(v)
		if err != nil {
			return fmt.Errorf("param %q: %w", name, err)
		}
		n.SetParam(name, val)
	}
	return nil
}

// ctyToValue maps an HCL literal onto the closed value variant. Pairs of
// numbers inside a list become points, so point sets can be written as
// [[12, 40], [80, 40]].
func ctyToValue(v cty.Value) (flow.Value, error) {
	if v.IsNull() || !v.IsKnown() {
		return flow.Value{}, fmt.Errorf("parameter value must be a known literal")
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return flow.TextValue(v.AsString()), nil
	case t == cty.Bool:
		return flow.BoolValue(v.True()), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return flow.ScalarValue(f), nil
	case t.IsTupleType() || t.IsListType():
		var points []flow.Point
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			pt, err := ctyPoint(elem)
			if err != nil {
				return flow.Value{}, err
			}
			points = append(points, pt)
		}
		return flow.PointSetValue(points), nil
	default:
		return flow.Value{}, fmt.Errorf("unsupported parameter type %s", t.FriendlyName())
	}
}

func ctyPoint(v cty.Value) (flow.Point, error) {
	t := v.Type()
	if !t.IsTupleType() && !t.IsListType() {
		return flow.Point{}, fmt.Errorf("point must be a pair of numbers")
	}
	var coords []float64
	for it := v.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.Type() != cty.Number {
			return flow.Point{}, fmt.Errorf("point coordinate must be a number")
		}
		f, _ := elem.AsBigFloat().Float64()
		coords = append(coords, f)
	}
	if len(coords) != 2 {
		return flow.Point{}, fmt.Errorf("point must have exactly two coordinates, got %d", len(coords))
	}
	return flow.Point{X: coords[0], Y: coords[1]}, nil
}
