// Package bufpool hands out reusable image-sized byte blocks so that runs do
// not pay a large allocation per node. Buffers are keyed by shape, retained
// idle up to a byte budget, and evicted least-recently-used first.
//
// The pool is the one mutable resource shared across concurrent runs; every
// mutating operation is internally synchronized. Release and Shutdown are the
// deterministic teardown paths. A runtime cleanup exists only to report
// buffers that were checked out and then leaked, never as the primary
// release mechanism.
package bufpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrCapacityExceeded is returned when a single requested buffer is larger
	// than the pool's entire budget. Such a request is rejected before any
	// eviction: draining the pool to admit one oversized buffer would defeat
	// the capacity invariant.
	ErrCapacityExceeded = errors.New("buffer exceeds pool capacity")
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("buffer pool is closed")
	// ErrNotCheckedOut is returned by Release for a buffer the pool does not
	// consider checked out (double release or foreign buffer).
	ErrNotCheckedOut = errors.New("buffer is not checked out")
)

// ShapeKey identifies a buffer size class by image dimensions.
type ShapeKey struct {
	Width           int
	Height          int
	Channels        int
	BytesPerChannel int
}

// Bytes returns the byte footprint of one buffer of this shape.
func (k ShapeKey) Bytes() int64 {
	return int64(k.Width) * int64(k.Height) * int64(k.Channels) * int64(k.BytesPerChannel)
}

// String renders the shape for logs.
func (k ShapeKey) String() string {
	return fmt.Sprintf("%dx%dx%d@%d", k.Width, k.Height, k.Channels, k.BytesPerChannel)
}

// Buffer is one pooled block. It is owned exclusively by at most one node
// execution between Acquire and Release.
type Buffer struct {
	// Data is the backing block, len == Shape().Bytes().
	Data []byte

	key   ShapeKey
	pool  *Pool
	state *bufState
	// elem is the buffer's LRU slot while idle, nil while checked out.
	elem *list.Element
}

// Shape returns the buffer's shape key.
func (b *Buffer) Shape() ShapeKey { return b.key }

// bufState is the cleanup payload. It must not reference the Buffer itself
// or the cleanup would never run.
type bufState struct {
	pool     *Pool
	key      ShapeKey
	returned atomic.Bool
}

// Stats is a point-in-time snapshot of pool bookkeeping.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	Leaks          uint64
	AllocatedBytes int64
	IdleCount      int
	ActiveCount    int
}

// Pool is a shape-keyed buffer store with a fixed byte budget covering idle
// and checked-out buffers together.
type Pool struct {
	budget int64
	sem    *semaphore.Weighted
	logger *slog.Logger

	// waiting counts goroutines blocked in Acquire waiting for budget.
	// While any are waiting, Release frees buffers instead of idling them so
	// the freed weight can wake a waiter.
	waiting atomic.Int32
	leaks   atomic.Uint64

	mu        sync.Mutex
	idle      map[ShapeKey][]*list.Element
	lru       *list.List // front: most recently released
	allocated int64
	active    int
	closed    bool
	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a pool with the given byte budget.
func New(budgetBytes int64, logger *slog.Logger) (*Pool, error) {
	if budgetBytes <= 0 {
		return nil, fmt.Errorf("pool budget must be positive, got %d", budgetBytes)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		budget: budgetBytes,
		sem:    semaphore.NewWeighted(budgetBytes),
		logger: logger,
		idle:   make(map[ShapeKey][]*list.Element),
		lru:    list.New(),
	}, nil
}

// Acquire returns a buffer of the given shape, reusing an idle one when
// possible. When the budget is fully checked out the call blocks until a
// release frees enough weight or ctx is done; the wait is always cancellable.
func (p *Pool) Acquire(ctx context.Context, key ShapeKey) (*Buffer, error) {
	size := key.Bytes()
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer shape %s", key)
	}
	// Reject before any eviction: an oversized request must never empty the
	// pool on its way to failing anyway.
	if size > p.budget {
		return nil, fmt.Errorf("%w: %s needs %d bytes, budget is %d", ErrCapacityExceeded, key, size, p.budget)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if elems := p.idle[key]; len(elems) > 0 {
		elem := elems[len(elems)-1]
		p.idle[key] = elems[:len(elems)-1]
		p.lru.Remove(elem)
		buf := elem.Value.(*Buffer)
		buf.elem = nil
		buf.state.returned.Store(false)
		p.active++
		p.hits++
		p.mu.Unlock()
		return buf, nil
	}
	p.misses++

	// No idle buffer of this shape. Make room by evicting cold idle buffers
	// until the new allocation fits within budget.
	gotWeight := false
	for {
		if p.sem.TryAcquire(size) {
			gotWeight = true
			break
		}
		if p.lru.Len() == 0 {
			break
		}
		p.evictOldestLocked()
	}
	if gotWeight {
		p.allocated += size
		p.active++
		p.mu.Unlock()
		return p.newBuffer(key, size), nil
	}
	// Register as a waiter before dropping the lock so a release landing
	// between unlock and the semaphore wait frees its weight for us instead
	// of idling the buffer.
	p.waiting.Add(1)
	p.mu.Unlock()

	// Everything under budget is checked out by in-flight nodes. Wait for a
	// release, bounded by the caller's context.
	err := p.sem.Acquire(ctx, size)
	p.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("waiting for pool capacity: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(size)
		return nil, ErrPoolClosed
	}
	p.allocated += size
	p.active++
	p.mu.Unlock()
	return p.newBuffer(key, size), nil
}

// Release returns a checked-out buffer to the idle set. After Shutdown, or
// while other acquirers are blocked waiting for budget, the buffer is freed
// instead so its weight becomes available immediately.
func (p *Pool) Release(buf *Buffer) error {
	if buf == nil || buf.pool != p {
		return fmt.Errorf("%w: buffer does not belong to this pool", ErrNotCheckedOut)
	}
	if !buf.state.returned.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: double release of %s", ErrNotCheckedOut, buf.key)
	}
	size := buf.key.Bytes()

	p.mu.Lock()
	p.active--
	if p.closed || p.waiting.Load() > 0 {
		p.allocated -= size
		p.mu.Unlock()
		p.sem.Release(size)
		return nil
	}
	buf.elem = p.lru.PushFront(buf)
	p.idle[buf.key] = append(p.idle[buf.key], buf.elem)
	p.mu.Unlock()
	return nil
}

// Shutdown frees every idle buffer and fails all future acquires. Buffers
// still checked out are freed on their eventual Release. Shutdown is the
// deterministic teardown path; it is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var freed int64
	for e := p.lru.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*Buffer)
		buf.elem = nil
		freed += buf.key.Bytes()
	}
	p.lru.Init()
	p.idle = make(map[ShapeKey][]*list.Element)
	p.allocated -= freed
	p.mu.Unlock()
	if freed > 0 {
		p.sem.Release(freed)
	}
}

// Stats returns a snapshot of the pool's bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Hits:           p.hits,
		Misses:         p.misses,
		Evictions:      p.evictions,
		Leaks:          p.leaks.Load(),
		AllocatedBytes: p.allocated,
		IdleCount:      p.lru.Len(),
		ActiveCount:    p.active,
	}
}

// evictOldestLocked frees the least-recently-used idle buffer. Caller holds
// the mutex and has verified the LRU list is non-empty.
func (p *Pool) evictOldestLocked() {
	elem := p.lru.Back()
	buf := elem.Value.(*Buffer)
	p.lru.Remove(elem)

	elems := p.idle[buf.key]
	for i, e := range elems {
		if e == elem {
			p.idle[buf.key] = append(elems[:i], elems[i+1:]...)
			break
		}
	}
	if len(p.idle[buf.key]) == 0 {
		delete(p.idle, buf.key)
	}

	buf.elem = nil
	size := buf.key.Bytes()
	p.allocated -= size
	p.evictions++
	p.sem.Release(size)
}

// newBuffer allocates a fresh block and arms the leak-detection cleanup.
func (p *Pool) newBuffer(key ShapeKey, size int64) *Buffer {
	st := &bufState{pool: p, key: key}
	buf := &Buffer{
		Data:  make([]byte, size),
		key:   key,
		pool:  p,
		state: st,
	}
	// Last-resort safety net: if a checked-out buffer becomes garbage
	// without Release, reclaim its budget and report the leak. Idle buffers
	// are referenced by the pool and never reach this path.
	runtime.SetFinalizer(buf, func(b *Buffer) { reportLeak(b.state) })
	return buf
}

// reportLeak runs when a buffer is collected. A buffer that went through
// Release has returned set and is ignored.
func reportLeak(st *bufState) {
	if st.returned.Load() {
		return
	}
	size := st.key.Bytes()
	p := st.pool
	p.mu.Lock()
	p.active--
	p.allocated -= size
	p.mu.Unlock()
	p.sem.Release(size)
	p.leaks.Add(1)
	p.logger.Warn("pooled buffer leaked without release", "shape", st.key.String(), "bytes", size)
}
