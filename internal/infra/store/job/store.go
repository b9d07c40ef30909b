// Package jobstore keeps job records. Every write goes through Update, an
// atomic read-modify-write of one record, so a job has a single writer at a time.
package jobstore

import (
	"context"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
)

type Store interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error)
	ByIdempotencyKey(ctx context.Context, key string) (domain.Job, bool, error)
	Delete(ctx context.Context, id string) error
	FinishedBefore(ctx context.Context, border time.Time) ([]string, error)
	Close() error
}

type Notifier interface {
	Notify(jobID string)
}

type notifyingStore struct {
	Store
	n Notifier
}

// WithNotify reports every successful write of a job to n.
func WithNotify(s Store, n Notifier) Store {
	return &notifyingStore{Store: s, n: n}
}

func (s *notifyingStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	job, err := s.Store.Update(ctx, id, fn)
	if err == nil {
		s.n.Notify(id)
	}
	return job, err
}

func (s *notifyingStore) Delete(ctx context.Context, id string) error {
	err := s.Store.Delete(ctx, id)
	if err == nil {
		s.n.Notify(id)
	}
	return err
}

var (
	_ Store = (*memoryJobStore)(nil)
	_ Store = (*redisJobStore)(nil)
)
