package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
)

// record serializes writers of one job; the map lock only guards membership.
type record struct {
	mu      sync.Mutex
	job     domain.Job
	deleted bool
}

type memoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*record
	idemp map[string]string
}

func NewMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{
		jobs:  make(map[string]*record),
		idemp: make(map[string]string),
	}
}

func (s *memoryJobStore) Create(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrJobExists)
	}
	if job.IdempotencyKey != "" {
		if id, ok := s.idemp[job.IdempotencyKey]; ok {
			return fmt.Errorf("idempotency key owned by job %s: %w", id, domain.ErrJobExists)
		}
		s.idemp[job.IdempotencyKey] = job.ID
	}

	s.jobs[job.ID] = &record{job: job.Clone()}
	return nil
}

func (s *memoryJobStore) record(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return rec, nil
}

func (s *memoryJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	rec, err := s.record(id)
	if err != nil {
		return domain.Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return rec.job.Clone(), nil
}

func (s *memoryJobStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	rec, err := s.record(id)
	if err != nil {
		return domain.Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}

	next := rec.job.Clone()
	if err := fn(&next); err != nil {
		return rec.job.Clone(), err
	}
	rec.job = next
	return next.Clone(), nil
}

func (s *memoryJobStore) ByIdempotencyKey(ctx context.Context, key string) (domain.Job, bool, error) {
	if key == "" {
		return domain.Job{}, false, nil
	}

	s.mu.RLock()
	id, ok := s.idemp[key]
	s.mu.RUnlock()
	if !ok {
		return domain.Job{}, false, nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, false, nil
	}
	return job, true, nil
}

func (s *memoryJobStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	rec.deleted = true
	key := rec.job.IdempotencyKey
	rec.mu.Unlock()

	if key != "" {
		s.mu.Lock()
		if s.idemp[key] == id {
			delete(s.idemp, key)
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *memoryJobStore) FinishedBefore(ctx context.Context, border time.Time) ([]string, error) {
	s.mu.RLock()
	recs := make(map[string]*record, len(s.jobs))
	for id, rec := range s.jobs {
		recs[id] = rec
	}
	s.mu.RUnlock()

	var ids []string
	for id, rec := range recs {
		rec.mu.Lock()
		finished := rec.job.FinishedAt
		if !rec.deleted && finished != nil && finished.Before(border) {
			ids = append(ids, id)
		}
		rec.mu.Unlock()
	}
	return ids, nil
}

func (s *memoryJobStore) Close() error { return nil }
