// Package worker runs queued jobs on a fixed number of slots.
//
// A slot holds a physical token while its backend invocation runs. When an
// invocation times out or is interrupted the slot moves on, but the token stays
// with the invocation until it returns. Tokens number Workers+MaxAbandoned, so
// abandoned invocations can never pile up without bound.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you-humble/alchemy/internal/chunker"
	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/parser"
)

type JobStore interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error)
}

type Queue interface {
	Dequeue(ctx context.Context) (string, error)
}

type BlobOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

type Capabilities interface {
	Lookup(kind domain.Kind) (parser.Capability, error)
}

type Config struct {
	Workers      int
	MaxAbandoned int
	// Timeouts per kind; zero means no limit.
	Timeouts map[domain.Kind]time.Duration
	Chunking domain.ChunkingConfig
}

var errInterrupted = errors.New("interrupted")

type Pool struct {
	cfg   Config
	jobs  JobStore
	queue Queue
	blobs BlobOpener
	caps  Capabilities

	tokens chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc

	busy      atomic.Int64
	abandoned atomic.Int64

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg Config, jobs JobStore, q Queue, blobs BlobOpener, caps Capabilities) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAbandoned < 0 {
		cfg.MaxAbandoned = 0
	}
	if cfg.Chunking.Size <= 0 {
		cfg.Chunking = domain.ChunkingConfig{Size: chunker.DefaultSize, Overlap: chunker.DefaultOverlap}
	}

	return &Pool{
		cfg:     cfg,
		jobs:    jobs,
		queue:   q,
		blobs:   blobs,
		caps:    caps,
		tokens:  make(chan struct{}, cfg.Workers+cfg.MaxAbandoned),
		running: make(map[string]context.CancelCauseFunc),
		now:     time.Now,
	}
}

// Run starts the slots. They stop when ctx is done; Wait blocks until then.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(p.cfg.Workers)
	for i := range p.cfg.Workers {
		go func() {
			defer p.wg.Done()
			p.slot(ctx, i)
		}()
	}

	slog.Info("worker pool is running",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("max_abandoned", p.cfg.MaxAbandoned),
	)
}

func (p *Pool) Wait() {
	p.wg.Wait()
	slog.Info("worker pool stopped", slog.Int64("abandoned", p.abandoned.Load()))
}

func (p *Pool) Workers() int { return p.cfg.Workers }

// Busy is the number of slots currently executing a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Abandoned is the number of timed out or interrupted invocations still running.
func (p *Pool) Abandoned() int { return int(p.abandoned.Load()) }

// Interrupt stops waiting for a running job's backend and cancels its context.
func (p *Pool) Interrupt(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.running[jobID]
	p.mu.Unlock()

	if ok {
		cancel(errInterrupted)
	}
	return ok
}

func (p *Pool) slot(ctx context.Context, n int) {
	l := slog.With(slog.Int("slot", n))

	for {
		select {
		case p.tokens <- struct{}{}:
		case <-ctx.Done():
			return
		}

		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-p.tokens
			if ctx.Err() != nil {
				return
			}
			l.Error("dequeue", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		p.busy.Add(1)
		p.execute(ctx, l.With(slog.String("job_id", id)), id)
		p.busy.Add(-1)
	}
}

type outcome struct {
	result domain.ParseResult
	err    error
}

// execute owns one physical token and hands it to the invocation goroutine
// once the backend is called.
func (p *Pool) execute(ctx context.Context, l *slog.Logger, id string) {
	job, err := p.jobs.Get(ctx, id)
	if err != nil {
		<-p.tokens
		l.Warn("dequeued job is gone", slog.String("error", err.Error()))
		return
	}
	if job.State != domain.StatePending {
		<-p.tokens
		l.Debug("skip job", slog.String("state", string(job.State)))
		return
	}

	// Tracked before Start so a cancel landing right after it can interrupt.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(id, cancel)
	defer p.untrack(id)

	job, err = p.jobs.Update(ctx, id, func(j *domain.Job) error { return j.Start(p.now()) })
	if err != nil {
		<-p.tokens
		l.Debug("job not started", slog.String("error", err.Error()))
		return
	}
	l = l.With(slog.String("kind", string(job.Kind)))
	l.Info("job started")

	capability, err := p.caps.Lookup(job.Kind)
	if err != nil {
		<-p.tokens
		p.fail(l, id, domain.NewError(domain.KindBackend, "no_parser", err.Error()))
		return
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() { <-p.tokens }()
		defer func() {
			if r := recover(); r != nil {
				l.Error("panic recovered in parser backend",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- outcome{err: &parser.BackendError{Code: "panic", Message: fmt.Sprint(r)}}
			}
		}()

		res, err := p.invoke(runCtx, job, capability)
		done <- outcome{result: res, err: err}
	}()

	var timeout <-chan time.Time
	if d := p.cfg.Timeouts[job.Kind]; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case o := <-done:
		p.finish(l, id, o)

	case <-timeout:
		cancel(domain.ErrTimeout)
		p.abandon(l, done)
		p.fail(l, id, domain.NewError(domain.KindTimeout, "",
			fmt.Sprintf("%s parse exceeded %s", job.Kind, p.cfg.Timeouts[job.Kind])))

	case <-runCtx.Done():
		p.abandon(l, done)
		if errors.Is(context.Cause(runCtx), errInterrupted) {
			l.Info("job interrupted")
			return
		}
		// shutdown
		_, err := p.jobs.Update(context.WithoutCancel(ctx), id, func(j *domain.Job) error {
			return j.Cancel(p.now())
		})
		if err == nil {
			l.Warn("job cancelled by shutdown")
		}
	}
}

func (p *Pool) invoke(ctx context.Context, job domain.Job, capability parser.Capability) (domain.ParseResult, error) {
	started := p.now()

	req := parser.Request{
		JobID:   job.ID,
		Kind:    job.Kind,
		Input:   job.Input,
		Options: job.Options.Clone(),
	}
	if job.Input.Ref != "" {
		rc, _, err := p.blobs.Open(ctx, job.Input.Ref)
		if err != nil {
			return domain.ParseResult{}, fmt.Errorf("open input %s: %w", job.Input.Ref, err)
		}
		defer rc.Close()
		req.Body = rc
	}

	report := func(msg string) error {
		_, err := p.jobs.Update(ctx, job.ID, func(j *domain.Job) error {
			_, err := j.AppendProgress(msg, p.now())
			return err
		})
		return err
	}

	out, err := capability.Parse(ctx, req, report)
	if err != nil {
		return domain.ParseResult{}, err
	}

	return p.normalize(job, out, p.now().Sub(started))
}

// normalize builds the unified result. Chunks always come from the chunker.
func (p *Pool) normalize(job domain.Job, out parser.Output, took time.Duration) (domain.ParseResult, error) {
	text := out.Markdown
	if text == "" && out.Raw != nil {
		b, err := json.MarshalIndent(out.Raw, "", "  ")
		if err != nil {
			return domain.ParseResult{}, &parser.BackendError{Code: "bad_output", Message: err.Error()}
		}
		text = string(b)
	}

	chunking := job.Options.Chunking(p.cfg.Chunking)

	meta := make(map[string]any, len(out.Metadata)+2)
	for k, v := range out.Metadata {
		meta[k] = v
	}
	meta["processing_ms"] = took.Milliseconds()
	meta["chunk_size"] = chunking.Size

	return domain.ParseResult{
		Source:   job.Input.Source(),
		Kind:     job.Kind,
		Markdown: out.Markdown,
		Raw:      out.Raw,
		Chunks:   chunker.Chunk(text, chunking.Size, chunking.Overlap),
		Metadata: meta,
	}, nil
}

func (p *Pool) finish(l *slog.Logger, id string, o outcome) {
	if o.err != nil {
		p.fail(l, id, parser.ToDomain(o.err))
		return
	}

	_, err := p.jobs.Update(context.Background(), id, func(j *domain.Job) error {
		return j.Complete(o.result, p.now())
	})
	if err != nil {
		// cancelled while the backend was finishing
		l.Info("result discarded", slog.String("error", err.Error()))
		return
	}
	l.Info("job done", slog.Int("chunks", len(o.result.Chunks)))
}

func (p *Pool) fail(l *slog.Logger, id string, cause *domain.Error) {
	_, err := p.jobs.Update(context.Background(), id, func(j *domain.Job) error {
		return j.Fail(cause, p.now())
	})
	if err != nil {
		l.Info("failure discarded", slog.String("cause", cause.Error()), slog.String("error", err.Error()))
		return
	}
	l.Warn("job failed", slog.String("kind", string(cause.Kind)), slog.String("error", cause.Message))
}

// abandon stops waiting on an invocation; its token returns when it does.
func (p *Pool) abandon(l *slog.Logger, done <-chan outcome) {
	n := p.abandoned.Add(1)
	l.Warn("backend invocation abandoned", slog.Int64("abandoned", n))

	go func() {
		<-done
		p.abandoned.Add(-1)
	}()
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[id] = cancel
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, id)
}
