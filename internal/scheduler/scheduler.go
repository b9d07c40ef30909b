// Package scheduler admits parse requests and serves their outcome in the mode
// the caller chose. Every mode shares one execution path: the job is queued and
// run by the worker pool, blocking waits for the terminal event, async returns
// the handle and stream forwards the event sequence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/parser"
	"github.com/you-humble/alchemy/internal/stream"

	"github.com/google/uuid"
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error)
	ByIdempotencyKey(ctx context.Context, key string) (domain.Job, bool, error)
	Delete(ctx context.Context, id string) error
	FinishedBefore(ctx context.Context, border time.Time) ([]string, error)
}

type BlobStore interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
	Delete(ctx context.Context, key string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type Queue interface {
	Reserve(n int) error
	Release(n int)
	Publish(ctx context.Context, jobID string) error
	Len() int
	Capacity() int
}

type Pool interface {
	Interrupt(jobID string) bool
	Workers() int
	Busy() int
}

type Validator interface {
	Options(kind domain.Kind, raw domain.Options) (domain.Options, error)
	File(kind domain.Kind, name string, size int64) error
	URL(raw string) (string, error)
}

type Parsers interface {
	Lookup(kind domain.Kind) (parser.Capability, error)
	Kinds() []domain.Kind
}

type Subscriber interface {
	Subscribe(jobID string) *stream.Subscription
}

type Config struct {
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Payload is one submitted input: an upload for file kinds, a URL for web.
type Payload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
	URL         string
}

type SubmitRequest struct {
	Kind           domain.Kind
	Input          Payload
	Options        domain.Options
	Mode           domain.Mode
	IdempotencyKey string
}

// Submission is what Submit hands back. Job is the pending snapshot for async,
// the terminal job for blocking. Stream is set only in stream mode and must be closed.
type Submission struct {
	JobID  string
	Job    domain.Job
	Stream *stream.Subscription
}

type Scheduler struct {
	cfg       Config
	jobs      JobStore
	blobs     BlobStore
	queue     Queue
	pool      Pool
	validator Validator
	parsers   Parsers
	events    Subscriber

	now   func() time.Time
	newID func() string
}

func New(
	cfg Config,
	jobs JobStore,
	blobs BlobStore,
	queue Queue,
	pool Pool,
	validator Validator,
	parsers Parsers,
	events Subscriber,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		blobs:     blobs,
		queue:     queue,
		pool:      pool,
		validator: validator,
		parsers:   parsers,
		events:    events,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	input, opts, err := s.validate(req.Kind, req.Input, req.Options)
	if err != nil {
		return Submission{}, err
	}

	key := idempotencyKey(req.Kind, req.IdempotencyKey)
	job, existed, err := s.byKey(ctx, key)
	if err != nil {
		return Submission{}, err
	}
	if !existed {
		if err := s.queue.Reserve(1); err != nil {
			slog.Warn("submit rejected", slog.String("kind", string(req.Kind)), slog.String("error", err.Error()))
			return Submission{}, err
		}
		job, err = s.enqueue(ctx, req.Kind, req.Input.Body, input, opts, key)
		if err != nil {
			return Submission{}, err
		}
	}

	return s.deliver(ctx, job, req.Mode)
}

func (s *Scheduler) deliver(ctx context.Context, job domain.Job, mode domain.Mode) (Submission, error) {
	out := Submission{JobID: job.ID, Job: job}

	switch mode {
	case domain.ModeAsync:
		return out, nil

	case domain.ModeStream:
		out.Stream = s.events.Subscribe(job.ID)
		return out, nil

	default:
		sub := s.events.Subscribe(job.ID)
		defer sub.Close()

		done, err := sub.Wait(ctx)
		if err != nil {
			return out, fmt.Errorf("await job %s: %w", job.ID, err)
		}
		out.Job = done
		if done.Error != nil {
			return out, done.Error
		}
		return out, nil
	}
}

// validate checks everything that can be rejected before a job exists.
func (s *Scheduler) validate(kind domain.Kind, p Payload, raw domain.Options) (domain.Input, domain.Options, error) {
	if _, err := s.parsers.Lookup(kind); err != nil {
		return domain.Input{}, nil, domain.NewError(domain.KindValidation, "no_parser",
			fmt.Sprintf("no parser configured for %s", kind))
	}

	opts, err := s.validator.Options(kind, raw)
	if err != nil {
		return domain.Input{}, nil, err
	}

	if !kind.HasFile() {
		target, err := s.validator.URL(p.URL)
		if err != nil {
			return domain.Input{}, nil, err
		}
		return domain.Input{URL: target}, opts, nil
	}

	if err := s.validator.File(kind, p.Name, p.Size); err != nil {
		return domain.Input{}, nil, err
	}
	if p.Body == nil {
		return domain.Input{}, nil, domain.NewError(domain.KindValidation, "missing_file", "file content is required")
	}

	return domain.Input{
		Name:        filepath.Base(p.Name),
		ContentType: p.ContentType,
		Size:        p.Size,
	}, opts, nil
}

// idempotencyKey scopes a client key to one kind, so the same key sent to
// another endpoint never returns a job of a different kind.
func idempotencyKey(kind domain.Kind, key string) string {
	if key == "" {
		return ""
	}
	return string(kind) + ":" + key
}

func (s *Scheduler) byKey(ctx context.Context, key string) (domain.Job, bool, error) {
	if key == "" {
		return domain.Job{}, false, nil
	}
	job, ok, err := s.jobs.ByIdempotencyKey(ctx, key)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if ok {
		slog.Debug("idempotent submit", slog.String("job_id", job.ID), slog.String("state", string(job.State)))
	}
	return job, ok, nil
}

// enqueue stores the payload, creates the job and publishes it. It consumes one
// reservation: on any failure the reservation is released and nothing is left behind.
func (s *Scheduler) enqueue(
	ctx context.Context,
	kind domain.Kind,
	body io.Reader,
	input domain.Input,
	opts domain.Options,
	key string,
) (domain.Job, error) {
	id := s.newID()

	if kind.HasFile() {
		ref := s.newID() + strings.ToLower(filepath.Ext(input.Name))
		written, hash, err := s.blobs.Save(ctx, body, ref, input.Size)
		if err != nil {
			s.queue.Release(1)
			return domain.Job{}, fmt.Errorf("save input: %w", err)
		}
		input.Ref = ref
		input.Size = written
		slog.Debug("input saved", slog.String("job_id", id), slog.String("ref", ref), slog.String("sha256", hash))
	}

	job := domain.NewJob(id, domain.CreateJobParams{
		Kind:           kind,
		Input:          input,
		Options:        opts,
		IdempotencyKey: key,
	}, s.now())

	if err := s.jobs.Create(ctx, job); err != nil {
		s.queue.Release(1)
		s.dropBlob(ctx, input.Ref)

		if errors.Is(err, domain.ErrJobExists) && key != "" {
			// lost a race on the same idempotency key
			if existing, ok, lookupErr := s.jobs.ByIdempotencyKey(ctx, key); lookupErr == nil && ok {
				return existing, nil
			}
		}
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	slog.Debug("publish job", slog.String("job_id", id), slog.String("kind", string(kind)))
	if err := s.queue.Publish(ctx, id); err != nil {
		slog.Error("publish failed", slog.String("job_id", id), slog.String("error", err.Error()))
		s.queue.Release(1)
		if delErr := s.jobs.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			slog.Warn("rollback job", slog.String("job_id", id), slog.String("error", delErr.Error()))
		}
		s.dropBlob(ctx, input.Ref)
		return domain.Job{}, fmt.Errorf("enqueue: %w", err)
	}

	slog.Info("job admitted", slog.String("job_id", id), slog.String("kind", string(kind)))
	return job, nil
}

func (s *Scheduler) dropBlob(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), ref); err != nil {
		slog.Warn("delete input", slog.String("ref", ref), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) Status(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("status %s: %w", id, err)
	}
	return job, nil
}

// Cancel moves a pending or running job to cancelled at once. A running
// backend is only asked to stop; whatever it returns later is discarded.
// Cancelling a finished job acknowledges without change.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.Job, error) {
	var was domain.JobState
	job, err := s.jobs.Update(ctx, id, func(j *domain.Job) error {
		was = j.State
		return j.Cancel(s.now())
	})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		return s.Status(ctx, id)
	case err != nil:
		return domain.Job{}, fmt.Errorf("cancel %s: %w", id, err)
	}

	if was == domain.StateRunning {
		s.pool.Interrupt(id)
	}
	slog.Info("job cancelled", slog.String("job_id", id), slog.String("was", string(was)))
	return job, nil
}

// Await blocks until the job is terminal or ctx is done.
func (s *Scheduler) Await(ctx context.Context, id string) (domain.Job, error) {
	sub := s.events.Subscribe(id)
	defer sub.Close()
	return sub.Wait(ctx)
}

// Subscribe opens the event sequence of an existing job. The caller closes it.
func (s *Scheduler) Subscribe(ctx context.Context, id string) (*stream.Subscription, error) {
	if _, err := s.Status(ctx, id); err != nil {
		return nil, err
	}
	return s.events.Subscribe(id), nil
}

type Health struct {
	QueueSize     int           `json:"queue_size"`
	QueueCapacity int           `json:"queue_capacity"`
	Workers       int           `json:"workers"`
	Busy          int           `json:"busy"`
	Kinds         []domain.Kind `json:"kinds"`
}

func (s *Scheduler) QueueLen() int { return s.queue.Len() }

func (s *Scheduler) Health() Health {
	return Health{
		QueueSize:     s.queue.Len(),
		QueueCapacity: s.queue.Capacity(),
		Workers:       s.pool.Workers(),
		Busy:          s.pool.Busy(),
		Kinds:         s.parsers.Kinds(),
	}
}

// StartCleanup drops jobs and their inputs once they have been terminal for
// longer than the retention window.
func (s *Scheduler) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 || s.cfg.Retention <= 0 {
		slog.Info("cleanup disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.sweep(ctx, now)
			}
		}
	}()
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) int {
	ids, err := s.jobs.FinishedBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		slog.Warn("cleanup list jobs", slog.String("error", err.Error()))
		return 0
	}
	if len(ids) > 0 {
		slog.Info("cleanup", slog.Int("count_of_expired_jobs", len(ids)))
	}

	deleted := 0
	for _, id := range ids {
		job, err := s.jobs.Get(ctx, id)
		if err != nil {
			continue
		}
		if job.Input.Ref != "" {
			if err := s.blobs.Delete(ctx, job.Input.Ref); err != nil {
				slog.Warn("cleanup input file", slog.String("job_id", id), slog.String("error", err.Error()))
			}
		}
		if err := s.jobs.Delete(ctx, id); err != nil {
			slog.Warn("cleanup job", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}

	if err := s.blobs.CleanupOlderThan(ctx, 2*s.cfg.Retention); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("cleanup old files", slog.String("error", err.Error()))
	}
	return deleted
}
