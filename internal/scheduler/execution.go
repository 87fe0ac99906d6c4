package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inspectflow/inspectflow/internal/bufpool"
	"github.com/inspectflow/inspectflow/internal/ctxlog"
	"github.com/inspectflow/inspectflow/internal/flow"
	"github.com/inspectflow/inspectflow/internal/operator"
	"github.com/inspectflow/inspectflow/internal/runstate"
)

// runNode is the per-run mutable wrapper around one immutable flow node.
type runNode struct {
	node *flow.Node
	// depCount counts connections whose producer has not yet finished.
	depCount atomic.Int32
	// finishOnce guarantees exactly one terminal transition (and exactly one
	// wg.Done) per node, whichever path reaches it first.
	finishOnce sync.Once
}

// execution is the run-scoped state of one flow run. A fresh instance is
// allocated per run; nothing here is shared across runs.
type execution struct {
	sched   *Scheduler
	flow    *flow.Flow
	initial map[string]flow.Value
	table   *runstate.Table
	rnodes  map[string]*runNode

	// outputs routes produced values by "node.port" key.
	outputs sync.Map
	ready   chan *runNode
	quit    chan struct{}
	wg      sync.WaitGroup
	// finished flips when the supervisor has taken the final snapshot; any
	// completion arriving later belongs to an abandoned operator and its
	// result is discarded.
	finished atomic.Bool

	errMu      sync.Mutex
	primaryErr error
}

// worker pulls ready nodes until the run finishes.
func (e *execution) worker(ctx context.Context, id int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("worker started", "worker", id)
	for {
		select {
		case <-e.quit:
			logger.Debug("worker finished", "worker", id)
			return
		case rn := <-e.ready:
			e.dispatch(ctx, rn)
		}
	}
}

// dispatch runs one ready node end to end: input resolution, buffer
// acquisition, operator invocation, status recording, and output routing.
func (e *execution) dispatch(ctx context.Context, rn *runNode) {
	logger := ctxlog.FromContext(ctx).With("node", rn.node.ID)

	if ctx.Err() != nil {
		cause := ErrRunCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrRunTimeout
		}
		rn.finishOnce.Do(func() {
			e.table.MarkCancelled(rn.node.ID, cause)
			e.wg.Done()
		})
		e.cancelDependents(rn, cause)
		return
	}

	if !rn.node.Enabled {
		rn.finishOnce.Do(func() {
			logger.Debug("node disabled, skipping")
			e.table.MarkSkipped(rn.node.ID, ErrNodeDisabled)
			e.wg.Done()
		})
		e.skipDependents(ctx, rn)
		return
	}

	inputs, missing := e.resolveInputs(rn.node)
	if missing != "" {
		err := fmt.Errorf("%w: %s.%s has no producer and no initial value", ErrMissingInput, rn.node.ID, missing)
		e.failNode(ctx, rn, 0, err)
		return
	}

	executor, ok := e.sched.registry.New(rn.node.Type)
	if !ok {
		e.failNode(ctx, rn, 0, fmt.Errorf("%w: %q", ErrUnknownOperator, rn.node.Type))
		return
	}

	scratch, err := e.acquireScratch(ctx, rn.node)
	if err != nil {
		// Pool exhaustion is this node's executor failure, not a run panic.
		e.failNode(ctx, rn, 0, fmt.Errorf("acquiring scratch buffers: %w", err))
		return
	}
	// Release on every exit path, including operator panic unwinding. An
	// abandoned operator keeps its buffers until it actually returns; they
	// are released here on its goroutine, never left checked out forever.
	defer func() {
		for _, b := range scratch {
			if relErr := e.sched.pool.Release(b); relErr != nil {
				logger.Warn("scratch release failed", "error", relErr)
			}
		}
	}()

	logger.Debug("executing node", "type", rn.node.Type)
	start := time.Now()
	e.table.MarkRunning(rn.node.ID, start)

	outcome, err := executor.Execute(ctx, operator.Request{
		Node:    rn.node,
		Inputs:  inputs,
		Scratch: scratch,
	})
	elapsed := time.Since(start)

	if e.finished.Load() {
		// The run was abandoned while this operator overran the deadline; its
		// result is discarded. The supervisor's sweep normally consumed the
		// finishOnce already; consuming it here too keeps the WaitGroup exact
		// when the late return races that sweep.
		logger.Warn("discarding result of abandoned node", "elapsed", elapsed)
		rn.finishOnce.Do(func() {
			cause := ErrRunCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = ErrRunTimeout
			}
			e.table.MarkCancelled(rn.node.ID, cause)
			e.wg.Done()
		})
		return
	}

	if err == nil && !outcome.Success {
		err = fmt.Errorf("operator reported failure: %s", outcome.ErrorMessage)
	}
	if err != nil {
		// An operator that surfaced the run's own cancellation cooperated; it
		// is cancelled, not failed, and never the run's primary diagnostic.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			cause := ErrRunCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cause = ErrRunTimeout
			}
			rn.finishOnce.Do(func() {
				e.table.MarkCancelled(rn.node.ID, cause)
				e.wg.Done()
			})
			e.cancelDependents(rn, cause)
			return
		}
		e.failNode(ctx, rn, elapsed, err)
		return
	}

	for port, v := range outcome.Outputs {
		e.outputs.Store(rn.node.ID+"."+port, v)
	}
	rn.finishOnce.Do(func() {
		logger.Debug("node succeeded", "elapsed", elapsed)
		e.table.MarkSucceeded(rn.node.ID, elapsed)
		e.wg.Done()
	})
	e.unlockDependents(ctx, rn)
}

// failNode records a node failure, keeps the first real error as the run's
// primary diagnostic, and propagates skips downstream.
func (e *execution) failNode(ctx context.Context, rn *runNode, elapsed time.Duration, err error) {
	rn.finishOnce.Do(func() {
		ctxlog.FromContext(ctx).Error("node failed", "node", rn.node.ID, "error", err)
		e.table.MarkFailed(rn.node.ID, elapsed, err)
		e.wg.Done()

		e.errMu.Lock()
		if e.primaryErr == nil {
			e.primaryErr = fmt.Errorf("node %q: %w", rn.node.ID, err)
		}
		e.errMu.Unlock()
	})
	e.skipDependents(ctx, rn)
}

// skipDependents marks every transitive descendant Skipped. Their dependency
// counters never reach zero because the producer's output slot stays
// unfilled, so they are finished here rather than through the ready queue.
func (e *execution) skipDependents(ctx context.Context, rn *runNode) {
	logger := ctxlog.FromContext(ctx)
	for _, c := range e.flow.ConnectionsFrom(rn.node.ID) {
		dep := e.rnodes[c.Target.Node]
		if dep == nil {
			continue
		}
		skipped := false
		dep.finishOnce.Do(func() {
			skipped = true
			logger.Warn("skipping node due to upstream condition", "node", dep.node.ID, "upstream", rn.node.ID)
			e.table.MarkSkipped(dep.node.ID, fmt.Errorf("%w: upstream %q did not produce", ErrSkipped, rn.node.ID))
			e.wg.Done()
		})
		if skipped {
			e.skipDependents(ctx, dep)
		}
	}
}

// cancelDependents marks every transitive descendant Cancelled so the run
// drains instead of stranding them Pending until the grace period burns down.
func (e *execution) cancelDependents(rn *runNode, cause error) {
	for _, c := range e.flow.ConnectionsFrom(rn.node.ID) {
		dep := e.rnodes[c.Target.Node]
		if dep == nil {
			continue
		}
		cancelled := false
		dep.finishOnce.Do(func() {
			cancelled = true
			e.table.MarkCancelled(dep.node.ID, cause)
			e.wg.Done()
		})
		if cancelled {
			e.cancelDependents(dep, cause)
		}
	}
}

// unlockDependents decrements dependency counters after a success and
// enqueues every node that became ready.
func (e *execution) unlockDependents(ctx context.Context, rn *runNode) {
	for _, c := range e.flow.ConnectionsFrom(rn.node.ID) {
		dep := e.rnodes[c.Target.Node]
		if dep == nil {
			continue
		}
		if dep.depCount.Add(-1) == 0 && !e.finished.Load() {
			e.ready <- dep
		}
	}
}

// resolveInputs assembles a node's input map: connection-routed values
// first, then initial values for unbound ports. It returns the name of the
// first required input that cannot be satisfied, or "".
func (e *execution) resolveInputs(n *flow.Node) (map[string]flow.Value, string) {
	inputs := make(map[string]flow.Value, len(n.Inputs))
	for name, port := range n.Inputs {
		ref := flow.PortRef{Node: n.ID, Port: name}
		if c, bound := e.flow.ProducerOf(ref); bound {
			if v, ok := e.outputs.Load(c.Source.String()); ok {
				inputs[name] = v.(flow.Value)
				continue
			}
			// Producer finished without filling this output.
			if port.Required {
				return nil, name
			}
			continue
		}
		if v, ok := e.initial[name]; ok {
			inputs[name] = v
			continue
		}
		if port.Required {
			return nil, name
		}
	}
	return inputs, ""
}

// acquireScratch checks out one working buffer per image output port, sized
// by the node's declared working size.
func (e *execution) acquireScratch(ctx context.Context, n *flow.Node) ([]*bufpool.Buffer, error) {
	if e.sched.pool == nil || n.WorkingSize.IsZero() {
		return nil, nil
	}
	imageOutputs := 0
	for _, p := range n.Outputs {
		if p.Type == flow.DataImage {
			imageOutputs++
		}
	}
	if imageOutputs == 0 {
		return nil, nil
	}

	key := bufpool.ShapeKey{
		Width:           n.WorkingSize.Width,
		Height:          n.WorkingSize.Height,
		Channels:        n.WorkingSize.Channels,
		BytesPerChannel: n.WorkingSize.BytesPerChannel,
	}
	scratch := make([]*bufpool.Buffer, 0, imageOutputs)
	for i := 0; i < imageOutputs; i++ {
		buf, err := e.sched.pool.Acquire(ctx, key)
		if err != nil {
			for _, b := range scratch {
				_ = e.sched.pool.Release(b)
			}
			return nil, err
		}
		scratch = append(scratch, buf)
	}
	return scratch, nil
}

// primaryError returns the first real node failure recorded for the run.
func (e *execution) primaryError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.primaryErr
}

// terminalOutputs collects the values produced on output ports that feed no
// further connection, keyed "node.port".
func (e *execution) terminalOutputs(records map[string]runstate.Record) map[string]flow.Value {
	out := make(map[string]flow.Value)
	for id, rn := range e.rnodes {
		if rec, ok := records[id]; !ok || rec.Status != runstate.StatusSucceeded {
			continue
		}
		consumed := make(map[string]bool)
		for _, c := range e.flow.ConnectionsFrom(id) {
			consumed[c.Source.Port] = true
		}
		for name := range rn.node.Outputs {
			if consumed[name] {
				continue
			}
			if v, ok := e.outputs.Load(id + "." + name); ok {
				out[id+"."+name] = v.(flow.Value)
			}
		}
	}
	return out
}
