package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/pipeline"
)

// ErrClosed is returned when reading from closed and drained queue.
var ErrClosed = errors.New("queue is closed")

// New creates new queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notifyCh: make(chan struct{}, 1),
	}
}

// Queue is the unbounded queue written by many producers and read by a single consumer.
// Push never blocks so it may be called from the consumer itself.
type Queue[T any] struct {
	mu       sync.Mutex
	items    pipeline.Pipeline[T]
	closed   bool
	notifyCh chan struct{}
}

// Push appends item to the queue. It returns false if queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.Push(item)
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return true
}

// Pop waits for the next item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		item, ok := q.items.Pop()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return item, nil
		}
		if closed {
			var t T
			return t, errors.WithStack(ErrClosed)
		}

		select {
		case <-ctx.Done():
			var t T
			return t, errors.WithStack(ctx.Err())
		case <-q.notifyCh:
		}
	}
}

// TryPop returns the next item if available.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Pop()
}

// Len returns the number of waiting items.
func (q *Queue[T]) Len() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Len()
}

// Close closes the queue. Items pushed before are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}
