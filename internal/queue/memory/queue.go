// Package memory provides the in-process work queue feeding the workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/quillbox-app/quillbox-workers/internal/notes"
)

// Queue is an unbounded multi-producer FIFO handoff. Enqueue never blocks and
// never drops; Dequeue blocks until an item arrives or the context ends.
// Exactly one active consumer per instance: the wakeup signal is sized for a
// single waiter.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue appends an item. Safe for concurrent producers; a no-op after Close.
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops the oldest item, blocking until one is available. It returns
// the context error on cancellation and notes.ErrQueueClosed once the queue
// is closed and empty.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, notes.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue for shutdown. Queued items remain dequeueable until
// drained; further Enqueue calls are ignored.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
