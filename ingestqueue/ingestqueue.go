// Package ingestqueue implements the bounded MPSC ingest queue described in
// spec.md section 4.6: producers push IngestItem values, a single writer
// task pops them; push blocks (or fails with QueueFull) at capacity rather
// than ever silently dropping.
//
// Capacity is enforced with golang.org/x/sync/semaphore rather than a
// buffered channel's implicit backpressure, so Push can choose between
// blocking and a non-blocking QueueFull failure with the same primitive,
// and so depth/wait-time counters can be tracked precisely around the
// acquire. Counters use go.uber.org/atomic for the same reason the
// teacher's metrics package favors typed atomics over raw sync/atomic
// calls: the type carries its own load/store/add methods instead of
// requiring the caller to remember which atomic.*32/64 function pairs with
// which variable.
package ingestqueue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/sydradb/sydra/errs"
	"github.com/sydradb/sydra/schema"
)

// IngestItem is one producer-submitted point, along with an opaque view of
// its tag set (passed through untouched; tag resolution to a SeriesId
// happens before the item reaches the queue).
type IngestItem struct {
	SeriesId schema.SeriesId
	Ts       int64
	Value    float64
	TagsView []byte
}

// Stats is a point-in-time snapshot of the queue's observability counters
// (spec.md section 4.6).
type Stats struct {
	Len            int
	MaxDepth       int64
	CumulativePops int64
	PushWaitNanos  int64
	PushHoldNanos  int64
	PopWaitNanos   int64
	PopHoldNanos   int64
}

// Queue is a bounded multi-producer single-consumer queue of IngestItem.
type Queue struct {
	sem      *semaphore.Weighted
	capacity int64

	mu     sync.Mutex
	items  *list.List
	notify chan struct{}

	closed atomic.Bool

	maxDepth       atomic.Int64
	cumulativePops atomic.Int64
	pushWaitNanos  atomic.Int64
	pushHoldNanos  atomic.Int64
	popWaitNanos   atomic.Int64
	popHoldNanos   atomic.Int64
}

// New returns a Queue with the given capacity (number of items).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		items:    list.New(),
		notify:   make(chan struct{}, 1),
	}
}

// Push blocks until capacity is available or ctx is cancelled, then
// enqueues item. It returns errs.Shutdown if the queue has been closed.
func (q *Queue) Push(ctx context.Context, item IngestItem) error {
	if q.closed.Load() {
		return errs.Shutdown
	}

	waitStart := time.Now()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	q.pushWaitNanos.Add(int64(time.Since(waitStart)))

	holdStart := time.Now()
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		q.sem.Release(1)
		return errs.Shutdown
	}
	q.items.PushBack(item)
	depth := int64(q.items.Len())
	q.mu.Unlock()
	q.pushHoldNanos.Add(int64(time.Since(holdStart)))

	if depth > q.maxDepth.Load() {
		q.maxDepth.Store(depth)
	}
	q.signal()
	return nil
}

// TryPush attempts to enqueue item without blocking, returning
// errs.QueueFull if the queue is at capacity rather than ever dropping
// item silently.
func (q *Queue) TryPush(item IngestItem) error {
	if q.closed.Load() {
		return errs.Shutdown
	}
	if !q.sem.TryAcquire(1) {
		return errs.QueueFull
	}

	holdStart := time.Now()
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		q.sem.Release(1)
		return errs.Shutdown
	}
	q.items.PushBack(item)
	depth := int64(q.items.Len())
	q.mu.Unlock()
	q.pushHoldNanos.Add(int64(time.Since(holdStart)))

	if depth > q.maxDepth.Load() {
		q.maxDepth.Store(depth)
	}
	q.signal()
	return nil
}

// Pop blocks until an item is available, the queue is closed and drained,
// or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (IngestItem, bool) {
	for {
		waitStart := time.Now()

		holdStart := time.Now()
		q.mu.Lock()
		if el := q.items.Front(); el != nil {
			q.items.Remove(el)
			q.mu.Unlock()
			q.popHoldNanos.Add(int64(time.Since(holdStart)))
			q.popWaitNanos.Add(int64(time.Since(waitStart)))
			q.sem.Release(1)
			q.cumulativePops.Add(1)
			return el.Value.(IngestItem), true
		}
		closed := q.closed.Load()
		q.mu.Unlock()

		if closed {
			return IngestItem{}, false
		}

		select {
		case <-ctx.Done():
			return IngestItem{}, false
		case <-q.notify:
		}
	}
}

// Close stops Push/TryPush from accepting new items. Items already queued
// remain poppable until drained.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns the current observability counters.
func (q *Queue) Snapshot() Stats {
	return Stats{
		Len:            q.Len(),
		MaxDepth:       q.maxDepth.Load(),
		CumulativePops: q.cumulativePops.Load(),
		PushWaitNanos:  q.pushWaitNanos.Load(),
		PushHoldNanos:  q.pushHoldNanos.Load(),
		PopWaitNanos:   q.popWaitNanos.Load(),
		PopHoldNanos:   q.popHoldNanos.Load(),
	}
}
