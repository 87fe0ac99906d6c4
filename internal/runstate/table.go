// Package runstate tracks the per-run execution state of every node: status,
// start time, duration, and error.
//
// A Table is allocated fresh for each run and discarded with it. Runs never
// share a table: concurrent runs against the same flow keep fully independent
// records. Within one run the table is written exclusively by the scheduler
// and may be read concurrently by status pollers, so it is backed by sync.Map
// for fine-grained access without a single global lock.
package runstate

import (
	"sync"
	"time"
)

// Status is the lifecycle state of one node within one run.
type Status int32

const (
	// StatusPending means the node is waiting for its producers.
	StatusPending Status = iota
	// StatusRunning means a worker is executing the node.
	StatusRunning
	// StatusSucceeded means the node completed and produced its outputs.
	StatusSucceeded
	// StatusFailed means the node's operator failed or a required input was
	// missing.
	StatusFailed
	// StatusSkipped means the node was not executed because an upstream
	// producer failed or was unavailable.
	StatusSkipped
	// StatusCancelled means the run was cancelled or timed out before the
	// node could finish.
	StatusCancelled
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Record is the tracked state of one node.
type Record struct {
	Status    Status
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Table is the per-run concurrent map from node id to Record.
type Table struct {
	records sync.Map // key: node id string, value: Record
}

// NewTable creates a table with every given node id initialized to Pending.
func NewTable(nodeIDs []string) *Table {
	t := &Table{}
	for _, id := range nodeIDs {
		t.records.Store(id, Record{Status: StatusPending})
	}
	return t
}

// Get returns the record for a node id.
func (t *Table) Get(nodeID string) (Record, bool) {
	v, ok := t.records.Load(nodeID)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// MarkRunning transitions a node to Running and stamps its start time.
func (t *Table) MarkRunning(nodeID string, at time.Time) {
	t.update(nodeID, func(r Record) Record {
		r.Status = StatusRunning
		r.StartedAt = at
		return r
	})
}

// MarkSucceeded transitions a node to Succeeded with its measured duration.
func (t *Table) MarkSucceeded(nodeID string, d time.Duration) {
	t.update(nodeID, func(r Record) Record {
		r.Status = StatusSucceeded
		r.Duration = d
		return r
	})
}

// MarkFailed transitions a node to Failed with its duration and error.
func (t *Table) MarkFailed(nodeID string, d time.Duration, err error) {
	t.update(nodeID, func(r Record) Record {
		r.Status = StatusFailed
		r.Duration = d
		r.Err = err
		return r
	})
}

// MarkSkipped transitions a node to Skipped, recording why.
func (t *Table) MarkSkipped(nodeID string, err error) {
	t.update(nodeID, func(r Record) Record {
		r.Status = StatusSkipped
		r.Err = err
		return r
	})
}

// MarkCancelled transitions a node to Cancelled, recording why.
func (t *Table) MarkCancelled(nodeID string, err error) {
	t.update(nodeID, func(r Record) Record {
		r.Status = StatusCancelled
		r.Err = err
		return r
	})
}

// update applies f to the current record for nodeID. Only the scheduler
// writes a given node id and its transitions are ordered, so a plain
// load-modify-store is sufficient.
func (t *Table) update(nodeID string, f func(Record) Record) {
	cur, _ := t.Get(nodeID)
	t.records.Store(nodeID, f(cur))
}

// Snapshot copies the table into a plain map for pollers and results.
func (t *Table) Snapshot() map[string]Record {
	out := make(map[string]Record)
	t.records.Range(func(k, v any) bool {
		out[k.(string)] = v.(Record)
		return true
	})
	return out
}

// CountByStatus tallies records per status, mostly for logs and tests.
func (t *Table) CountByStatus() map[Status]int {
	out := make(map[Status]int)
	t.records.Range(func(_, v any) bool {
		out[v.(Record).Status]++
		return true
	})
	return out
}
