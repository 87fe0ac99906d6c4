package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/inspectflow/inspectflow/internal/flow"
)

// RegisterBuiltins installs the operators shipped with the engine. They are
// deliberately small: the engine treats them exactly like any external
// operator, and they exist so flows are runnable out of the box.
func RegisterBuiltins(r *Registry) {
	r.Register(Definition{
		Type: "image.source",
		Inputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirInput, Required: true},
		},
		Outputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirOutput},
		},
	}, func() Executor { return ExecutorFunc(runSource) })

	r.Register(Definition{
		Type: "image.grayscale",
		Inputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirInput, Required: true},
		},
		Outputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirOutput},
		},
	}, func() Executor { return ExecutorFunc(runGrayscale) })

	r.Register(Definition{
		Type: "image.threshold",
		Inputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirInput, Required: true},
		},
		Outputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirOutput},
		},
		Defaults: map[string]flow.Value{
			"level": flow.ScalarValue(128),
		},
	}, func() Executor { return ExecutorFunc(runThreshold) })

	r.Register(Definition{
		Type: "analysis.bright_ratio",
		Inputs: []flow.Port{
			{Name: "image", Type: flow.DataImage, Dir: flow.DirInput, Required: true},
		},
		Outputs: []flow.Port{
			{Name: "ratio", Type: flow.DataScalar, Dir: flow.DirOutput},
			{Name: "points", Type: flow.DataPointSet, Dir: flow.DirOutput},
		},
		Defaults: map[string]flow.Value{
			"max_points": flow.ScalarValue(64),
		},
	}, func() Executor { return ExecutorFunc(runBrightRatio) })

	r.Register(Definition{
		Type: "decision.range_gate",
		Inputs: []flow.Port{
			{Name: "value", Type: flow.DataScalar, Dir: flow.DirInput, Required: true},
		},
		Outputs: []flow.Port{
			{Name: "pass", Type: flow.DataBool, Dir: flow.DirOutput},
		},
		Defaults: map[string]flow.Value{
			"min": flow.ScalarValue(0),
			"max": flow.ScalarValue(1),
		},
	}, func() Executor { return ExecutorFunc(runRangeGate) })
}

// inputImage pulls a required image input out of the request.
func inputImage(req Request, port string) (*flow.Image, error) {
	v, ok := req.Inputs[port]
	if !ok {
		return nil, fmt.Errorf("missing input %q", port)
	}
	img, ok := v.AsImage()
	if !ok || img == nil {
		return nil, fmt.Errorf("input %q is not an image", port)
	}
	return img, nil
}

// paramScalar reads a scalar parameter, falling back to def when unset.
func paramScalar(n *flow.Node, name string, def float64) float64 {
	if v, ok := n.Param(name); ok {
		if s, ok := v.AsScalar(); ok {
			return s
		}
	}
	return def
}

func success(outputs map[string]flow.Value, elapsed time.Duration) Outcome {
	return Outcome{Success: true, Outputs: outputs, Duration: elapsed}
}

func runSource(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	img, err := inputImage(req, "image")
	if err != nil {
		return Outcome{}, err
	}
	return success(map[string]flow.Value{"image": flow.ImageValue(img)}, time.Since(start)), nil
}

func runGrayscale(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	img, err := inputImage(req, "image")
	if err != nil {
		return Outcome{}, err
	}
	sh := img.Shape
	if sh.BytesPerChannel != 1 {
		return Outcome{}, fmt.Errorf("grayscale supports 8-bit channels, got %d bytes", sh.BytesPerChannel)
	}

	outShape := flow.ImageShape{Width: sh.Width, Height: sh.Height, Channels: 1, BytesPerChannel: 1}
	n := sh.Width * sh.Height

	// Average channels into scratch when the scheduler provided one large
	// enough, then copy into an owned block. Scratch is dead after return.
	work := make([]byte, 0, n)
	if s := req.ScratchFor(0); s != nil && len(s.Data) >= n {
		work = s.Data[:0]
	}
	for px := 0; px < n; px++ {
		if px%4096 == 0 && ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		sum := 0
		for c := 0; c < sh.Channels; c++ {
			sum += int(img.Pix[px*sh.Channels+c])
		}
		work = append(work, byte(sum/sh.Channels))
	}

	out := &flow.Image{Shape: outShape, Pix: append([]byte(nil), work...)}
	return success(map[string]flow.Value{"image": flow.ImageValue(out)}, time.Since(start)), nil
}

func runThreshold(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	img, err := inputImage(req, "image")
	if err != nil {
		return Outcome{}, err
	}
	if img.Shape.Channels != 1 || img.Shape.BytesPerChannel != 1 {
		return Outcome{}, fmt.Errorf("threshold expects an 8-bit single-channel image, got %s", valueShape(img))
	}
	level := byte(paramScalar(req.Node, "level", 128))

	out := &flow.Image{Shape: img.Shape, Pix: make([]byte, len(img.Pix))}
	for i, p := range img.Pix {
		if i%4096 == 0 && ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if p >= level {
			out.Pix[i] = 255
		}
	}
	return success(map[string]flow.Value{"image": flow.ImageValue(out)}, time.Since(start)), nil
}

func runBrightRatio(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	img, err := inputImage(req, "image")
	if err != nil {
		return Outcome{}, err
	}
	if img.Shape.Channels != 1 || img.Shape.BytesPerChannel != 1 {
		return Outcome{}, fmt.Errorf("bright_ratio expects an 8-bit single-channel image, got %s", valueShape(img))
	}
	maxPoints := int(paramScalar(req.Node, "max_points", 64))

	bright := 0
	var points []flow.Point
	for i, p := range img.Pix {
		if i%4096 == 0 && ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if p == 0 {
			continue
		}
		bright++
		if len(points) < maxPoints {
			points = append(points, flow.Point{
				X: float64(i % img.Shape.Width),
				Y: float64(i / img.Shape.Width),
			})
		}
	}

	ratio := 0.0
	if len(img.Pix) > 0 {
		ratio = float64(bright) / float64(len(img.Pix))
	}
	return success(map[string]flow.Value{
		"ratio":  flow.ScalarValue(ratio),
		"points": flow.PointSetValue(points),
	}, time.Since(start)), nil
}

func runRangeGate(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	v, ok := req.Inputs["value"]
	if !ok {
		return Outcome{}, fmt.Errorf("missing input %q", "value")
	}
	val, ok := v.AsScalar()
	if !ok {
		return Outcome{}, fmt.Errorf("input %q is not a scalar", "value")
	}
	lo := paramScalar(req.Node, "min", 0)
	hi := paramScalar(req.Node, "max", 1)

	pass := val >= lo && val <= hi
	out := success(map[string]flow.Value{"pass": flow.BoolValue(pass)}, time.Since(start))
	if !pass {
		// A failed gate is still a successful execution; the verdict is
		// carried as data so downstream reporting can see it.
		out.ErrorMessage = fmt.Sprintf("value %g outside [%g, %g]", val, lo, hi)
	}
	return out, nil
}

func valueShape(img *flow.Image) string {
	return fmt.Sprintf("%dx%dx%d@%d", img.Shape.Width, img.Shape.Height, img.Shape.Channels, img.Shape.BytesPerChannel)
}
