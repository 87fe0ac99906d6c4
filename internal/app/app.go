// Package app wires the engine together: configuration, logging, the
// operator registry, the shared buffer pool, and the run service.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/inspectflow/inspectflow/internal/bufpool"
	"github.com/inspectflow/inspectflow/internal/ctxlog"
	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/flowfile"
	"github.com/inspectflow/inspectflow/internal/operator"
	"github.com/inspectflow/inspectflow/internal/scheduler"
	"github.com/inspectflow/inspectflow/internal/service"
)

// App encapsulates the engine's dependencies and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	registry *operator.Registry
	pool     *bufpool.Pool
	service  *service.Service
	results  *service.MemResultRepository
}

// NewApp constructs a fully wired engine instance with its own isolated
// logger, registry, and buffer pool.
func NewApp(outW io.Writer, cfg *Config) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)

	pool, err := bufpool.New(cfg.PoolBudgetBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("creating buffer pool: %w", err)
	}

	registry := operator.NewRegistry()
	operator.RegisterBuiltins(registry)

	sched := scheduler.New(registry, scheduler.Options{
		Workers: cfg.Workers,
		Pool:    pool,
	})
	results := service.NewMemResultRepository()

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		registry: registry,
		pool:     pool,
		service:  service.New(sched, results),
		results:  results,
	}, nil
}

// Registry exposes the operator registry, primarily for tests and embedding.
func (a *App) Registry() *operator.Registry { return a.registry }

// Service exposes the run service.
func (a *App) Service() *service.Service { return a.service }

// Close releases the buffer pool. The app is unusable afterwards.
func (a *App) Close() {
	a.pool.Shutdown()
}

// Validate loads the configured flow file and reports whether its graph is
// executable. Structural errors from loading already imply invalidity.
func (a *App) Validate(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	f, err := flowfile.Load(a.config.FlowPath, a.registry)
	if err != nil {
		return err
	}
	a.logger.Info("flow is valid", "flow", f.Name, "nodes", len(f.Nodes()), "connections", len(f.Connections()))
	return nil
}

// Run loads the configured flow, executes it once against a synthetic
// source image, and prints the outcome. A failed run returns an error so
// callers can map it to an exit code.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	f, err := flowfile.Load(a.config.FlowPath, a.registry)
	if err != nil {
		return fmt.Errorf("loading flow: %w", err)
	}

	shape := sourceShape(f)
	inputs := service.StaticInputs{"image": flow.ImageValue(gradientImage(shape))}
	a.logger.Info("starting run", "flow", f.Name, "source_shape", fmt.Sprintf("%dx%dx%d", shape.Width, shape.Height, shape.Channels))

	result, err := a.service.RunFlowFrom(ctx, f, inputs, a.config.Timeout)
	if err != nil {
		return err
	}

	a.printSummary(result)
	if !result.Succeeded {
		return fmt.Errorf("run %s failed: %w", result.RunID, result.Err)
	}
	return nil
}

func (a *App) printSummary(result *scheduler.RunResult) {
	fmt.Fprintf(a.outW, "run %s: ", result.RunID)
	if result.Succeeded {
		fmt.Fprintf(a.outW, "PASS (%s)\n", result.Elapsed.Round(0))
	} else {
		fmt.Fprintf(a.outW, "FAIL (%s): %v\n", result.Elapsed.Round(0), result.Err)
	}
	for id, rec := range result.Records {
		fmt.Fprintf(a.outW, "  %-20s %-10s %s\n", id, rec.Status, rec.Duration)
	}
	for key, v := range result.Outputs {
		fmt.Fprintf(a.outW, "  output %-20s = %v\n", key, v.AsAny())
	}
}

// sourceShape picks the synthetic source image shape: the largest declared
// working size in the flow, or a VGA default.
func sourceShape(f *flow.Flow) flow.ImageShape {
	best := flow.ImageShape{Width: 640, Height: 480, Channels: 3, BytesPerChannel: 1}
	bestBytes := 0
	for _, n := range f.Nodes() {
		if !n.WorkingSize.IsZero() && n.WorkingSize.Bytes() > bestBytes {
			best = n.WorkingSize
			bestBytes = n.WorkingSize.Bytes()
		}
	}
	return best
}

// gradientImage builds a deterministic test image: brightness rises left to
// right so threshold-style flows have structure to work on.
func gradientImage(shape flow.ImageShape) *flow.Image {
	img := &flow.Image{Shape: shape, Pix: make([]byte, shape.Bytes())}
	i := 0
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			v := byte(x * 255 / max(shape.Width-1, 1))
			for c := 0; c < shape.Channels*shape.BytesPerChannel; c++ {
				img.Pix[i] = v
				i++
			}
		}
	}
	return img
}
