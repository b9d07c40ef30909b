package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/infra/queue"
	jobstore "github.com/you-humble/alchemy/internal/infra/store/job"
	"github.com/you-humble/alchemy/internal/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blobs map[string]string

func (b blobs) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s, ok := b[key]
	if !ok {
		return nil, 0, fmt.Errorf("blob %s missing", key)
	}
	return io.NopCloser(strings.NewReader(s)), int64(len(s)), nil
}

type harness struct {
	store jobstore.Store
	queue *queue.Bounded
	reg   *parser.Registry
	pool  *Pool
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		store: jobstore.NewMemoryJobStore(),
		queue: queue.NewBounded(16, queue.NewMemory(16)),
		reg:   parser.NewRegistry(),
	}
	h.pool = New(cfg, h.store, h.queue, blobs{"blob-doc": "%PDF-1.4 fake"}, h.reg)

	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Run(ctx)
	t.Cleanup(func() {
		cancel()
		h.pool.Wait()
	})
	return h
}

func (h *harness) submit(t *testing.T, id string, kind domain.Kind) {
	t.Helper()
	ctx := context.Background()

	in := domain.Input{Name: id + ".pdf", Ref: "blob-doc"}
	if kind == domain.KindWeb {
		in = domain.Input{URL: "https://example.com/" + id}
	}
	job := domain.NewJob(id, domain.CreateJobParams{
		Kind:    kind,
		Input:   in,
		Options: domain.Options{domain.OptChunkSize: 16, domain.OptChunkOverlap: 4},
	}, time.Now())

	require.NoError(t, h.store.Create(ctx, job))
	require.NoError(t, h.queue.Reserve(1))
	require.NoError(t, h.queue.Publish(ctx, id))
}

func (h *harness) await(t *testing.T, id string, want domain.JobState) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.Get(context.Background(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, job.State)
	return job
}

func TestPool_CompletesWithProgressAndChunks(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			body, err := io.ReadAll(req.Body)
			if err != nil {
				return parser.Output{}, err
			}
			for i := 1; i <= 3; i++ {
				require.NoError(t, progress(fmt.Sprintf("page %d/3 parsed", i)))
			}
			md := "# Title\n\n" + strings.Repeat("word ", 40) + "\n\nsource " + string(body)
			return parser.Output{Markdown: md, Metadata: map[string]any{"pages": 3}}, nil
		}))

	h.submit(t, "a", domain.KindDocument)
	job := h.await(t, "a", domain.StateDone)

	require.Len(t, job.Progress, 3)
	for i, p := range job.Progress {
		assert.Equal(t, i, p.Seq)
		assert.Equal(t, fmt.Sprintf("page %d/3 parsed", i+1), p.Message)
	}
	require.NotNil(t, job.Result)
	assert.Nil(t, job.Error)
	assert.Contains(t, job.Result.Markdown, "%PDF-1.4 fake")
	assert.Equal(t, 3, job.Result.Metadata["pages"])
	require.NotEmpty(t, job.Result.Chunks)
	for i, c := range job.Result.Chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.Tokens, 16)
	}
	assert.Equal(t, "Title", job.Result.Chunks[0].Section)
}

func TestPool_RawOutputIsChunkedAsJSON(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			return parser.Output{Raw: map[string]any{"title": "Example"}}, nil
		}))

	h.submit(t, "w", domain.KindWeb)
	job := h.await(t, "w", domain.StateDone)
	require.NotEmpty(t, job.Result.Chunks)
	assert.Contains(t, job.Result.Chunks[0].Text, `"title": "Example"`)
	assert.Equal(t, "https://example.com/w", job.Result.Source)
}

func TestPool_NeverRunsMoreThanWorkers(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})

	var (
		current, peak atomic.Int32
		gate          = make(chan struct{})
	)
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-gate
			current.Add(-1)
			return parser.Output{Markdown: "ok"}, nil
		}))

	ids := []string{"j1", "j2", "j3", "j4", "j5"}
	for _, id := range ids {
		h.submit(t, id, domain.KindDocument)
	}

	require.Eventually(t, func() bool { return current.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	running := 0
	for _, id := range ids {
		job, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		if job.State == domain.StateRunning {
			running++
		}
	}
	assert.Equal(t, 2, running)
	assert.Equal(t, 2, h.pool.Busy())

	close(gate)
	for _, id := range ids {
		h.await(t, id, domain.StateDone)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestPool_TimeoutFailsJobAndCapsAbandoned(t *testing.T) {
	h := newHarness(t, Config{
		Workers:      1,
		MaxAbandoned: 0,
		Timeouts:     map[domain.Kind]time.Duration{domain.KindDocument: 30 * time.Millisecond},
	})

	release := make(chan struct{})
	var calls atomic.Int32
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			if calls.Add(1) == 1 {
				<-release // ignores ctx on purpose
			}
			return parser.Output{Markdown: "late"}, nil
		}))

	h.submit(t, "slow", domain.KindDocument)
	h.submit(t, "next", domain.KindDocument)

	job := h.await(t, "slow", domain.StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.KindTimeout, job.Error.Kind)
	assert.Nil(t, job.Result)

	// the stuck invocation still holds the only token
	require.Eventually(t, func() bool { return h.pool.Abandoned() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	next, err := h.store.Get(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, next.State)

	close(release)
	h.await(t, "next", domain.StateDone)
	assert.Eventually(t, func() bool { return h.pool.Abandoned() == 0 }, time.Second, 5*time.Millisecond)

	// the late result of the timed out call is discarded
	job, err = h.store.Get(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
}

func TestPool_BackendErrorAndPanic(t *testing.T) {
	h := newHarness(t, Config{Workers: 2})
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			if req.JobID == "boom" {
				panic("nil model")
			}
			return parser.Output{}, &parser.BackendError{Code: "OOM", Message: "CUDA out of memory"}
		}))

	h.submit(t, "oom", domain.KindDocument)
	h.submit(t, "boom", domain.KindDocument)

	job := h.await(t, "oom", domain.StateFailed)
	assert.Equal(t, domain.KindBackend, job.Error.Kind)
	assert.Equal(t, "OOM", job.Error.Code)
	assert.Equal(t, "CUDA out of memory", job.Error.Message)

	job = h.await(t, "boom", domain.StateFailed)
	assert.Equal(t, domain.KindBackend, job.Error.Kind)
	assert.Equal(t, "panic", job.Error.Code)
}

func TestPool_MissingCapabilityFails(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})
	h.submit(t, "a", domain.KindDocument)

	job := h.await(t, "a", domain.StateFailed)
	assert.Equal(t, domain.KindBackend, job.Error.Kind)
	assert.Equal(t, "no_parser", job.Error.Code)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	h.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			return parser.Output{Markdown: "ok"}, nil
		}))
	h.submit(t, "b", domain.KindWeb)
	h.await(t, "b", domain.StateDone)
}

// cancelOnStart cancels a job in the store the moment it is started, before
// the backend is called.
type cancelOnStart struct {
	jobstore.Store
	pool        *Pool
	interrupted atomic.Bool
}

func (s *cancelOnStart) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	job, err := s.Store.Update(ctx, id, fn)
	if err != nil || job.State != domain.StateRunning {
		return job, err
	}
	if _, err := s.Store.Update(ctx, id, func(j *domain.Job) error { return j.Cancel(time.Now()) }); err != nil {
		return job, err
	}
	s.interrupted.Store(s.pool.Interrupt(id))
	return job, nil
}

func TestPool_InterruptRightAfterStart(t *testing.T) {
	store := &cancelOnStart{Store: jobstore.NewMemoryJobStore()}
	q := queue.NewBounded(4, queue.NewMemory(4))
	reg := parser.NewRegistry()

	release := make(chan struct{})
	defer close(release)
	var sawCancel atomic.Bool
	reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			select {
			case <-ctx.Done():
				sawCancel.Store(true)
			case <-release:
			}
			return parser.Output{Markdown: "too late"}, nil
		}))

	pool := New(Config{Workers: 1}, store, q, blobs{"blob-doc": "%PDF"}, reg)
	store.pool = pool

	ctx, cancel := context.WithCancel(context.Background())
	pool.Run(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	job := domain.NewJob("a", domain.CreateJobParams{Kind: domain.KindDocument, Input: domain.Input{Ref: "blob-doc"}}, time.Now())
	require.NoError(t, store.Create(context.Background(), job))
	require.NoError(t, q.Reserve(1))
	require.NoError(t, q.Publish(context.Background(), "a"))

	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
	assert.True(t, store.interrupted.Load())
	assert.Eventually(t, func() bool { return pool.Busy() == 0 }, time.Second, 5*time.Millisecond)

	got, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Nil(t, got.Result)
}

func TestPool_InterruptDiscardsResult(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	started := make(chan struct{})
	var sawCancel atomic.Bool
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return parser.Output{Markdown: "too late"}, nil
		}))

	h.submit(t, "a", domain.KindDocument)
	<-started

	_, err := h.store.Update(context.Background(), "a", func(j *domain.Job) error { return j.Cancel(time.Now()) })
	require.NoError(t, err)
	assert.True(t, h.pool.Interrupt("a"))

	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
	job := h.await(t, "a", domain.StateCancelled)
	assert.Nil(t, job.Result)
	assert.False(t, h.pool.Interrupt("a"))
}

func TestPool_SkipsCancelledPendingJob(t *testing.T) {
	h := newHarness(t, Config{Workers: 1})

	var mu sync.Mutex
	var seen []string
	h.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			mu.Lock()
			seen = append(seen, req.JobID)
			mu.Unlock()
			return parser.Output{Markdown: "ok"}, nil
		}))

	ctx := context.Background()
	job := domain.NewJob("gone", domain.CreateJobParams{Kind: domain.KindDocument, Input: domain.Input{Ref: "blob-doc"}}, time.Now())
	require.NoError(t, job.Cancel(time.Now()))
	require.NoError(t, h.store.Create(ctx, job))
	require.NoError(t, h.queue.Reserve(1))
	require.NoError(t, h.queue.Publish(ctx, "gone"))
	h.submit(t, "kept", domain.KindDocument)

	h.await(t, "kept", domain.StateDone)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"kept"}, seen)
}
