package operator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspectflow/inspectflow/internal/flow"
)

func builtins(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// newExec instantiates an operator and applies its port declarations and
// parameter defaults to a fresh node, mirroring what the loader does.
func newExec(t *testing.T, r *Registry, opType string) (Executor, *flow.Node) {
	t.Helper()
	exec, ok := r.New(opType)
	require.True(t, ok, "operator %s not registered", opType)
	def, ok := r.Definition(opType)
	require.True(t, ok)
	n := flow.NewNodeWithID(opType, opType, opType)
	def.ApplyTo(n)
	return exec, n
}

func grayImage(w, h int, fill byte) *flow.Image {
	img := &flow.Image{
		Shape: flow.ImageShape{Width: w, Height: h, Channels: 1, BytesPerChannel: 1},
		Pix:   make([]byte, w*h),
	}
	for i := range img.Pix {
		img.Pix[i] = fill
	}
	return img
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := builtins(t)

	assert.Contains(t, r.Types(), "image.grayscale")
	assert.Contains(t, r.Types(), "decision.range_gate")

	_, ok := r.New("does.not.exist")
	assert.False(t, ok)
	_, ok = r.Definition("does.not.exist")
	assert.False(t, ok)

	assert.Panics(t, func() {
		r.Register(Definition{Type: "image.grayscale"}, func() Executor { return nil })
	})
}

func TestDefinitionApplyTo(t *testing.T) {
	r := builtins(t)
	def, ok := r.Definition("image.threshold")
	require.True(t, ok)

	n := flow.NewNode("image.threshold", "thresh")
	def.ApplyTo(n)

	in, ok := n.Inputs["image"]
	require.True(t, ok)
	assert.True(t, in.Required)
	assert.Equal(t, flow.DataImage, in.Type)
	_, ok = n.Outputs["image"]
	assert.True(t, ok)

	level, ok := n.Param("level")
	require.True(t, ok)
	f, _ := level.AsScalar()
	assert.Equal(t, 128.0, f)

	// An explicit parameter is not clobbered by the default.
	m := flow.NewNode("image.threshold", "thresh2")
	m.SetParam("level", flow.ScalarValue(200))
	def.ApplyTo(m)
	level, _ = m.Param("level")
	f, _ = level.AsScalar()
	assert.Equal(t, 200.0, f)
}

func TestGrayscaleAveragesChannels(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.grayscale")

	rgb := &flow.Image{
		Shape: flow.ImageShape{Width: 2, Height: 1, Channels: 3, BytesPerChannel: 1},
		Pix:   []byte{30, 60, 90, 255, 255, 255},
	}

	out, err := exec.Execute(context.Background(), Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(rgb)},
	})
	require.NoError(t, err)
	require.True(t, out.Success)

	img, ok := out.Outputs["image"].AsImage()
	require.True(t, ok)
	assert.Equal(t, 1, img.Shape.Channels)
	assert.Equal(t, []byte{60, 255}, img.Pix)
}

func TestGrayscaleRejectsWideChannels(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.grayscale")

	img := &flow.Image{
		Shape: flow.ImageShape{Width: 1, Height: 1, Channels: 1, BytesPerChannel: 2},
		Pix:   []byte{0, 0},
	}
	_, err := exec.Execute(context.Background(), Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(img)},
	})
	assert.Error(t, err)
}

func TestGrayscaleObservesCancellation(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.grayscale")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(grayImage(256, 256, 10))},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThresholdBinarizes(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.threshold")
	n.SetParam("level", flow.ScalarValue(100))

	img := grayImage(2, 2, 0)
	copy(img.Pix, []byte{0, 99, 100, 255})

	out, err := exec.Execute(context.Background(), Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(img)},
	})
	require.NoError(t, err)

	res, ok := out.Outputs["image"].AsImage()
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 255, 255}, res.Pix)
}

func TestBrightRatioCountsAndSamples(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "analysis.bright_ratio")
	n.SetParam("max_points", flow.ScalarValue(2))

	img := grayImage(4, 1, 0)
	copy(img.Pix, []byte{255, 0, 255, 255})

	out, err := exec.Execute(context.Background(), Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(img)},
	})
	require.NoError(t, err)

	ratio, ok := out.Outputs["ratio"].AsScalar()
	require.True(t, ok)
	assert.InDelta(t, 0.75, ratio, 1e-9)

	points, ok := out.Outputs["points"].AsPointSet()
	require.True(t, ok)
	assert.Len(t, points, 2, "point sampling is capped by max_points")
	assert.Equal(t, flow.Point{X: 0, Y: 0}, points[0])
	assert.Equal(t, flow.Point{X: 2, Y: 0}, points[1])
}

func TestRangeGateVerdicts(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "decision.range_gate")
	n.SetParam("min", flow.ScalarValue(0.2))
	n.SetParam("max", flow.ScalarValue(0.8))

	t.Run("inside", func(t *testing.T) {
		out, err := exec.Execute(context.Background(), Request{
			Node:   n,
			Inputs: map[string]flow.Value{"value": flow.ScalarValue(0.5)},
		})
		require.NoError(t, err)
		require.True(t, out.Success)
		pass, _ := out.Outputs["pass"].AsBool()
		assert.True(t, pass)
		assert.Empty(t, out.ErrorMessage)
	})

	t.Run("outside", func(t *testing.T) {
		out, err := exec.Execute(context.Background(), Request{
			Node:   n,
			Inputs: map[string]flow.Value{"value": flow.ScalarValue(0.9)},
		})
		require.NoError(t, err)
		// The gate rejecting a value is a verdict, not an execution failure.
		require.True(t, out.Success)
		pass, _ := out.Outputs["pass"].AsBool()
		assert.False(t, pass)
		assert.NotEmpty(t, out.ErrorMessage)
	})
}

func TestSourcePassesImageThrough(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.source")

	img := grayImage(3, 3, 7)
	out, err := exec.Execute(context.Background(), Request{
		Node:   n,
		Inputs: map[string]flow.Value{"image": flow.ImageValue(img)},
	})
	require.NoError(t, err)

	got, ok := out.Outputs["image"].AsImage()
	require.True(t, ok)
	assert.Same(t, img, got)
}

func TestMissingInputIsAnError(t *testing.T) {
	r := builtins(t)
	exec, n := newExec(t, r, "image.grayscale")

	_, err := exec.Execute(context.Background(), Request{Node: n, Inputs: nil})
	assert.Error(t, err)
}
