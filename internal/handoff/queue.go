// Package handoff provides the unbounded, thread-safe FIFO used to pass frame
// buffers between the driver callback path and consumer goroutines.
//
// A client holds two independent instances: a free pool of spare buffers and
// a delivery queue of filled frames. Push and TryPop never block, so they are
// safe to call from a driver's packet-processing goroutine. PopWait blocks the
// consumer until an item arrives or the queue is shut down.
package handoff

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO guarded by a mutex and condition variable.
// The zero value is not usable; construct with New.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	head     int
	shutdown bool
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item and wakes one waiter. It never blocks on capacity.
// Items pushed after Shutdown are still stored so that buffer returns during
// teardown do not fail; Drain reclaims them.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopWait blocks until an item is available or the queue is shut down.
// It returns false once Shutdown has been called, even if items remain.
func (q *Queue[T]) PopWait() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.shutdown && q.lenLocked() == 0 {
		q.cond.Wait()
	}
	if q.shutdown {
		var zero T
		return zero, false
	}
	return q.popLocked()
}

// PopWaitContext is PopWait with an additional cancellation source.
func (q *Queue[T]) PopWaitContext(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		// Taking the lock orders the broadcast after the waiter's ctx check.
		q.mu.Lock()
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.shutdown && q.lenLocked() == 0 && ctx.Err() == nil {
		q.cond.Wait()
	}
	if q.shutdown || q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked()
}

// Shutdown releases all current and future PopWait callers. It is one-way
// and idempotent.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Closed reports whether Shutdown has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.lenLocked())
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0
	return out
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if q.lenLocked() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}
