// Package queue holds job ids between admission and pickup by a worker slot.
//
// Bounded owns the admission count; transports only move ids in FIFO order.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/you-humble/alchemy/internal/domain"
)

type Transport interface {
	Publish(ctx context.Context, jobID string) error
	// Dequeue blocks until an id is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

type Bounded struct {
	transport Transport
	capacity  int

	mu      sync.Mutex
	pending int // reserved or published, not yet dequeued
}

func NewBounded(capacity int, t Transport) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{transport: t, capacity: capacity}
}

// Reserve admits n jobs at once or none of them.
func (b *Bounded) Reserve(n int) error {
	if n <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending+n > b.capacity {
		return domain.NewError(domain.KindQueueFull, "",
			fmt.Sprintf("queue holds %d of %d jobs, cannot admit %d more", b.pending, b.capacity, n))
	}
	b.pending += n
	return nil
}

// Release returns reservations that will never be published.
func (b *Bounded) Release(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = max(b.pending-n, 0)
}

// Publish hands a reserved job to the transport.
func (b *Bounded) Publish(ctx context.Context, jobID string) error {
	if err := b.transport.Publish(ctx, jobID); err != nil {
		return fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return nil
}

func (b *Bounded) Dequeue(ctx context.Context) (string, error) {
	id, err := b.transport.Dequeue(ctx)
	if err != nil {
		return "", err
	}
	b.Release(1)
	return id, nil
}

func (b *Bounded) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *Bounded) Capacity() int {
	return b.capacity
}

func (b *Bounded) Close() error {
	return b.transport.Close()
}
