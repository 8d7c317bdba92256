// Package queue implements the ordered hand-off between the reader goroutine
// and packet consumers.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
)

// ErrClosed is returned by Put after Close, and by Get once a closed queue is
// drained.
var ErrClosed = errors.New("queue closed")

// Received is a FIFO safe for one producer and many consumers. With a limit
// of zero it grows without bound; otherwise Put blocks while it is full.
type Received[T any] struct {
	limit int

	mu       sync.Mutex
	closed   bool
	items    *queue.Queue
	notEmpty chan struct{}
	notFull  chan struct{}
}

func New[T any](limit int) *Received[T] {
	return &Received[T]{
		limit:    limit,
		items:    queue.New(),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Put appends an item. It only blocks when the queue is bounded and full.
func (q *Received[T]) Put(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.limit == 0 || q.items.Length() < q.limit {
			q.items.Add(item)
			close(q.notEmpty)
			q.notEmpty = make(chan struct{})
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get removes the oldest item, blocking until one is available.
func (q *Received[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			item := q.items.Remove().(T)
			close(q.notFull)
			q.notFull = make(chan struct{})
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryGet removes the oldest item if there is one.
func (q *Received[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	item := q.items.Remove().(T)
	close(q.notFull)
	q.notFull = make(chan struct{})
	return item, true
}

// Close stops further puts and wakes every waiter. Items already queued can
// still be taken.
func (q *Received[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
	close(q.notFull)
	q.notFull = make(chan struct{})
}

func (q *Received[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

func (q *Received[T]) Limit() int {
	return q.limit
}
