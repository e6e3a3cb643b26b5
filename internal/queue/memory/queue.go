// Package memory provides the in-process queues that link the dispatcher
// stages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Enqueue after Close and by Dequeue once a closed
// queue is empty.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded, ordered, in-memory FIFO with context-aware operations.
// The channel is never closed; done signals Close to blocked callers.
type Queue[T any] struct {
	ch        chan T
	done      chan struct{}
	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full, or returns if the
// context ends or the queue is closed. An item accepted here is always seen by
// Dequeue or Drain.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Once the queue
// is closed it keeps returning buffered items and then ErrClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Enqueue calls blocked on a full queue return
// ErrClosed. Buffered items stay readable through Dequeue and Drain. Closing
// twice is a no-op.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	// Waits for in-flight Enqueue calls, which return promptly now that done
	// is closed.
	q.closeMu.Lock()
	q.closed = true
	q.closeMu.Unlock()
}

// Drain closes the queue and returns every item still buffered, in order.
func (q *Queue[T]) Drain() []T {
	q.Close()
	var out []T
	for {
		select {
		case item := <-q.ch:
			out = append(out, item)
		default:
			return out
		}
	}
}
