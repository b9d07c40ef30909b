package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/you-humble/alchemy/internal/domain"

	"golang.org/x/sync/errgroup"
)

type BatchRequest struct {
	Kind    domain.Kind
	Inputs  []Payload
	Options domain.Options
	Mode    domain.Mode
}

// BatchHandle maps input positions to jobs. Entries are filled for blocking
// batches and by Collect.
type BatchHandle struct {
	ID      string
	Kind    domain.Kind
	JobIDs  []string
	Entries []domain.BatchEntry
}

func (h BatchHandle) Response() domain.BatchResponse {
	entries := h.Entries
	if entries == nil {
		entries = make([]domain.BatchEntry, len(h.JobIDs))
		for i, id := range h.JobIDs {
			entries[i] = domain.BatchEntry{Position: i, JobID: id, Status: domain.StatePending}
		}
	}
	return domain.BatchResponse{BatchID: h.ID, Kind: h.Kind, Entries: entries}
}

// SubmitBatch fans inputs out into one job each. Admission covers the whole
// batch: either every input gets a queue slot or none does. A failing job never
// affects its siblings.
func (s *Scheduler) SubmitBatch(ctx context.Context, req BatchRequest) (BatchHandle, error) {
	if len(req.Inputs) == 0 {
		return BatchHandle{}, domain.Validationf("batch has no inputs")
	}

	type admitted struct {
		input domain.Input
		opts  domain.Options
	}
	valid := make([]admitted, len(req.Inputs))
	for i, p := range req.Inputs {
		input, opts, err := s.validate(req.Kind, p, req.Options)
		if err != nil {
			e := domain.AsError(err)
			return BatchHandle{}, domain.NewError(e.Kind, e.Code, fmt.Sprintf("input %d: %s", i, e.Message))
		}
		valid[i] = admitted{input: input, opts: opts}
	}

	if err := s.queue.Reserve(len(req.Inputs)); err != nil {
		slog.Warn("batch rejected",
			slog.String("kind", string(req.Kind)),
			slog.Int("inputs", len(req.Inputs)),
			slog.String("error", err.Error()),
		)
		return BatchHandle{}, err
	}

	h := BatchHandle{ID: s.newID(), Kind: req.Kind, JobIDs: make([]string, 0, len(req.Inputs))}
	for i, a := range valid {
		job, err := s.enqueue(ctx, req.Kind, req.Inputs[i].Body, a.input, a.opts, "")
		if err != nil {
			s.queue.Release(len(req.Inputs) - i - 1)
			s.abort(ctx, h)
			return BatchHandle{}, fmt.Errorf("batch input %d: %w", i, err)
		}
		h.JobIDs = append(h.JobIDs, job.ID)
	}

	slog.Info("batch admitted",
		slog.String("batch_id", h.ID),
		slog.String("kind", string(req.Kind)),
		slog.Int("jobs", len(h.JobIDs)),
	)

	if req.Mode != domain.ModeBlocking && req.Mode != "" {
		return h, nil
	}

	entries, err := s.collect(ctx, h.JobIDs, true)
	if err != nil {
		return h, err
	}
	h.Entries = entries
	return h, nil
}

// Collect reports the current state of every batch position without waiting.
func (s *Scheduler) Collect(ctx context.Context, h BatchHandle) (BatchHandle, error) {
	entries, err := s.collect(ctx, h.JobIDs, false)
	if err != nil {
		return h, err
	}
	h.Entries = entries
	return h, nil
}

// collect fills every position. A position whose job cannot be read carries
// that error; only the caller giving up fails the whole collection.
func (s *Scheduler) collect(ctx context.Context, ids []string, wait bool) ([]domain.BatchEntry, error) {
	entries := make([]domain.BatchEntry, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			var (
				job domain.Job
				err error
			)
			if wait {
				job, err = s.Await(ctx, id)
			} else {
				job, err = s.Status(ctx, id)
			}
			if err != nil {
				slog.Warn("batch position unavailable",
					slog.Int("position", i),
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				entries[i] = domain.BatchEntry{Position: i, JobID: id, Error: domain.AsError(err)}
				return nil
			}
			entries[i] = domain.BatchEntry{
				Position: i,
				JobID:    job.ID,
				Status:   job.State,
				Result:   job.Result,
				Error:    job.Error,
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("collect batch: %w", err)
	}
	return entries, nil
}

// abort cancels the already queued part of a batch that could not be admitted whole.
func (s *Scheduler) abort(ctx context.Context, h BatchHandle) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range h.JobIDs {
		if _, err := s.jobs.Update(ctx, id, func(j *domain.Job) error { return j.Cancel(s.now()) }); err != nil {
			slog.Warn("abort batch job", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}
}
