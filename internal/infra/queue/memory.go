package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type memoryQueue struct {
	ch chan string

	once   sync.Once
	closed chan struct{}
}

// NewMemory returns an in-process FIFO. size must cover the admission bound
// so a reserved publish never blocks.
func NewMemory(size int) *memoryQueue {
	if size <= 0 {
		size = 1
	}
	return &memoryQueue{
		ch:     make(chan string, size),
		closed: make(chan struct{}),
	}
}

func (q *memoryQueue) Publish(ctx context.Context, jobID string) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- jobID:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-q.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
