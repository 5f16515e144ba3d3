// Package queue provides the context-aware FIFO queues that connect the
// pipeline stages.
//
// A Queue is safe for any number of producers and consumers. Put and Get
// suspend while the queue is full or empty and return early when their
// context is cancelled, so a stage blocked on a queue always observes the
// shutdown signal.
//
//	items := queue.New[string](0) // unbounded
//	_ = items.Put(ctx, "track1.mp3")
//	path, err := items.Get(ctx)
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put on a closed queue and by Get on a closed,
// empty queue.
var ErrClosed = errors.New("queue closed")

// Queue is a multi-producer, multi-consumer FIFO.
//
// A capacity of zero means the queue is unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	// changed is closed and replaced on every mutation; waiters select on it.
	changed chan struct{}
}

// New creates a queue holding at most capacity entries (0 = unbounded).
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Put appends v, suspending while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.hasRoomLocked() {
			q.items = append(q.items, v)
			q.notifyLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// TryPut appends v without suspending. It reports false when the queue is
// full or closed.
func (q *Queue[T]) TryPut(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || !q.hasRoomLocked() {
		return false
	}
	q.items = append(q.items, v)
	q.notifyLocked()
	return true
}

// Get removes and returns the oldest entry, suspending while the queue is
// empty. A cancelled context wins over a waiting entry.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.notifyLocked()
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Drain removes and returns every entry currently queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.items
	q.items = nil
	if len(drained) > 0 {
		q.notifyLocked()
	}
	return drained
}

// Close stops the queue from accepting entries. Entries already queued can
// still be taken with Get. Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the configured capacity; zero means unbounded.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) hasRoomLocked() bool {
	return q.capacity == 0 || len(q.items) < q.capacity
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
