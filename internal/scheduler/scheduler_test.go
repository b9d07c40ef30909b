package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/infra/queue"
	filestore "github.com/you-humble/alchemy/internal/infra/store/file"
	jobstore "github.com/you-humble/alchemy/internal/infra/store/job"
	"github.com/you-humble/alchemy/internal/options"
	"github.com/you-humble/alchemy/internal/parser"
	"github.com/you-humble/alchemy/internal/stream"
	"github.com/you-humble/alchemy/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	jobstore.Store
	created atomic.Int32
}

func (s *countingStore) Create(ctx context.Context, job domain.Job) error {
	err := s.Store.Create(ctx, job)
	if err == nil {
		s.created.Add(1)
	}
	return err
}

type env struct {
	sched *Scheduler
	jobs  *countingStore
	queue *queue.Bounded
	reg   *parser.Registry
	pool  *worker.Pool
	dir   string
}

type envConfig struct {
	workers   int
	capacity  int
	timeouts  map[domain.Kind]time.Duration
	noWorkers bool
	transport queue.Transport
}

func newEnv(t *testing.T, c envConfig) *env {
	t.Helper()

	if c.workers == 0 {
		c.workers = 2
	}
	if c.capacity == 0 {
		c.capacity = 16
	}
	if c.transport == nil {
		c.transport = queue.NewMemory(c.capacity)
	}

	dir := t.TempDir()
	blobs, err := filestore.NewLocalStore(dir)
	require.NoError(t, err)

	base := jobstore.NewMemoryJobStore()
	hub := stream.NewHub(base)
	jobs := &countingStore{Store: jobstore.WithNotify(base, hub)}

	q := queue.NewBounded(c.capacity, c.transport)
	reg := parser.NewRegistry()
	chunking := domain.ChunkingConfig{Size: 512, Overlap: 64}
	validator, err := options.New(1<<20, chunking)
	require.NoError(t, err)

	pool := worker.New(worker.Config{Workers: c.workers, Timeouts: c.timeouts, Chunking: chunking}, jobs, q, blobs, reg)
	if !c.noWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		pool.Run(ctx)
		t.Cleanup(func() {
			cancel()
			pool.Wait()
		})
	}

	sched := New(Config{Retention: time.Hour, CleanupInterval: time.Minute}, jobs, blobs, q, pool, validator, reg, hub)
	return &env{sched: sched, jobs: jobs, queue: q, reg: reg, pool: pool, dir: dir}
}

func (e *env) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	var names []string
	for _, en := range entries {
		names = append(names, en.Name())
	}
	return names
}

func document(name, body string) Payload {
	return Payload{Name: name, ContentType: "application/pdf", Size: int64(len(body)), Body: strings.NewReader(body)}
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func echoDocument(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return parser.Output{}, err
	}
	if err := progress("page 1/1 parsed"); err != nil {
		return parser.Output{}, err
	}
	return parser.Output{Markdown: string(body), Metadata: map[string]any{"pages": 1}}, nil
}

func TestSubmit_AsyncDocumentChunks(t *testing.T) {
	e := newEnv(t, envConfig{})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	sub, err := e.sched.Submit(ctx, SubmitRequest{
		Kind:    domain.KindDocument,
		Input:   document("report.pdf", words(1200)),
		Options: domain.Options{"chunk_size": 512, "chunk_overlap": 64},
		Mode:    domain.ModeAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, sub.Job.State)
	assert.Nil(t, sub.Stream)

	var job domain.Job
	require.Eventually(t, func() bool {
		job, err = e.sched.Status(ctx, sub.JobID)
		return err == nil && job.State == domain.StateDone
	}, 3*time.Second, 10*time.Millisecond)

	require.NotNil(t, job.Result)
	require.GreaterOrEqual(t, len(job.Result.Chunks), 2)
	first, second := job.Result.Chunks[0], job.Result.Chunks[1]
	assert.LessOrEqual(t, first.Tokens, 512)

	head := strings.Fields(first.Text)
	tail := head[len(head)-64:]
	assert.Equal(t, tail, strings.Fields(second.Text)[:64])
	assert.Equal(t, "report.pdf", job.Result.Source)
	assert.Len(t, job.Progress, 1)
}

func TestSubmit_BlockingReturnsTerminalJob(t *testing.T) {
	e := newEnv(t, envConfig{})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			if req.Input.Name == "broken.pdf" {
				return parser.Output{}, &parser.BackendError{Code: "corrupt", Message: "xref table not found"}
			}
			return echoDocument(ctx, req, progress)
		}))
	ctx := context.Background()

	sub, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "# A\n\nbody")})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, sub.Job.State)
	require.NotNil(t, sub.Job.Result)
	assert.Equal(t, "A", sub.Job.Result.Chunks[0].Section)

	sub, err = e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("broken.pdf", "x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.Equal(t, domain.StateFailed, sub.Job.State)
	assert.Equal(t, "xref table not found", sub.Job.Error.Message)
	assert.Nil(t, sub.Job.Result)
}

func TestSubmit_ValidationCreatesNothing(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"unknown option": {Kind: domain.KindDocument, Input: document("a.pdf", "x"), Options: domain.Options{"dpi": 300}},
		"bad extension":  {Kind: domain.KindDocument, Input: document("a.exe", "x")},
		"no parser":      {Kind: domain.KindAudio, Input: Payload{Name: "a.mp3", Size: 1, Body: strings.NewReader("x")}},
		"bad overlap":    {Kind: domain.KindDocument, Input: document("a.pdf", "x"), Options: domain.Options{"chunk_size": 32, "chunk_overlap": 32}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.sched.Submit(ctx, req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Zero(t, e.jobs.created.Load())
	assert.Zero(t, e.queue.Len())
	assert.Empty(t, e.files(t))
}

func TestSubmit_QueueFull(t *testing.T) {
	e := newEnv(t, envConfig{capacity: 2, noWorkers: true})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	for i := range 2 {
		_, err := e.sched.Submit(ctx, SubmitRequest{
			Kind: domain.KindDocument, Input: document(fmt.Sprintf("%d.pdf", i), "x"), Mode: domain.ModeAsync,
		})
		require.NoError(t, err)
	}

	_, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("3.pdf", "x"), Mode: domain.ModeAsync})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, domain.KindQueueFull, domain.AsError(err).Kind)

	_, err = e.sched.SubmitBatch(ctx, BatchRequest{
		Kind:   domain.KindDocument,
		Inputs: []Payload{document("4.pdf", "x")},
		Mode:   domain.ModeAsync,
	})
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	assert.EqualValues(t, 2, e.jobs.created.Load())
	assert.Equal(t, 2, e.queue.Len())
	assert.Len(t, e.files(t), 2)
}

func TestSubmit_Idempotent(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	req := func() SubmitRequest {
		return SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "x"), Mode: domain.ModeAsync, IdempotencyKey: "k1"}
	}
	first, err := e.sched.Submit(ctx, req())
	require.NoError(t, err)
	second, err := e.sched.Submit(ctx, req())
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.EqualValues(t, 1, e.jobs.created.Load())
	assert.Equal(t, 1, e.queue.Len())
}

func TestSubmit_IdempotencyKeyIsScopedByKind(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	web, err := e.sched.Submit(ctx, SubmitRequest{
		Kind: domain.KindWeb, Input: Payload{URL: "https://a.example"}, Mode: domain.ModeAsync, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	doc, err := e.sched.Submit(ctx, SubmitRequest{
		Kind: domain.KindDocument, Input: document("a.pdf", "x"), Mode: domain.ModeAsync, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	assert.NotEqual(t, web.JobID, doc.JobID)
	assert.Equal(t, domain.KindWeb, web.Job.Kind)
	assert.Equal(t, domain.KindDocument, doc.Job.Kind)
	assert.EqualValues(t, 2, e.jobs.created.Load())

	again, err := e.sched.Submit(ctx, SubmitRequest{
		Kind: domain.KindWeb, Input: Payload{URL: "https://a.example"}, Mode: domain.ModeAsync, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, web.JobID, again.JobID)
}

type failingTransport struct{ queue.Transport }

func (failingTransport) Publish(context.Context, string) error { return errors.New("nats: no responders") }

func TestSubmit_PublishFailureRollsBack(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true, transport: failingTransport{queue.NewMemory(1)}})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))

	var ids []string
	e.sched.newID = func() string {
		ids = append(ids, fmt.Sprintf("id-%d", len(ids)))
		return ids[len(ids)-1]
	}

	_, err := e.sched.Submit(context.Background(), SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "x"), Mode: domain.ModeAsync})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")

	assert.Zero(t, e.queue.Len())
	assert.Empty(t, e.files(t))
	require.NotEmpty(t, ids)
	_, err = e.sched.Status(context.Background(), ids[0])
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestSubmit_StreamEndsWithTimeout(t *testing.T) {
	e := newEnv(t, envConfig{timeouts: map[domain.Kind]time.Duration{domain.KindDocument: 80 * time.Millisecond}})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			_ = progress("page 1/40 parsed")
			_ = progress("page 2/40 parsed")
			<-ctx.Done()
			return parser.Output{}, ctx.Err()
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("big.pdf", "x"), Mode: domain.ModeStream})
	require.NoError(t, err)
	require.NotNil(t, sub.Stream)
	defer sub.Stream.Close()

	var events []stream.Event
	for {
		ev, err := sub.Stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, stream.EventProgress, ev.Type)
	}
	assert.Equal(t, stream.EventError, last.Type)
	env := last.Data.(domain.JobResponse)
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.KindTimeout, env.Error.Kind)
	assert.Equal(t, domain.StateFailed, env.Status)
}

func TestCancel(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		e := newEnv(t, envConfig{noWorkers: true})
		e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
		ctx := context.Background()

		sub, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "x"), Mode: domain.ModeAsync})
		require.NoError(t, err)

		job, err := e.sched.Cancel(ctx, sub.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, job.State)
		assert.Equal(t, domain.KindCancelled, job.Error.Kind)

		again, err := e.sched.Cancel(ctx, sub.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, again.State)
		assert.Equal(t, job.FinishedAt, again.FinishedAt)

		_, err = e.sched.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("running", func(t *testing.T) {
		e := newEnv(t, envConfig{workers: 1})
		started := make(chan struct{})
		stopped := make(chan struct{})
		e.reg.Register(domain.KindDocument, parser.CapabilityFunc(
			func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
				close(started)
				<-ctx.Done()
				close(stopped)
				return parser.Output{Markdown: "finished anyway"}, nil
			}))
		ctx := context.Background()

		sub, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "x"), Mode: domain.ModeAsync})
		require.NoError(t, err)
		<-started

		job, err := e.sched.Cancel(ctx, sub.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, job.State)

		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("backend was not interrupted")
		}

		job, err = e.sched.Await(ctx, sub.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCancelled, job.State)
		assert.Nil(t, job.Result)
	})
}

func TestSubmitBatch_PreservesInputOrder(t *testing.T) {
	e := newEnv(t, envConfig{workers: 3})

	gates := map[string]chan struct{}{"a": make(chan struct{}), "b": make(chan struct{}), "c": make(chan struct{})}
	var (
		mu       sync.Mutex
		finished []string
		running  atomic.Int32
	)
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			u, err := url.Parse(req.Input.URL)
			if err != nil {
				return parser.Output{}, err
			}
			host := strings.TrimSuffix(u.Host, ".example")
			running.Add(1)
			<-gates[host]
			mu.Lock()
			finished = append(finished, host)
			mu.Unlock()
			return parser.Output{Markdown: "# " + host}, nil
		}))

	type outcome struct {
		h   BatchHandle
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		h, err := e.sched.SubmitBatch(context.Background(), BatchRequest{
			Kind: domain.KindWeb,
			Inputs: []Payload{
				{URL: "a.example"},
				{URL: "https://b.example"},
				{URL: "https://c.example"},
			},
		})
		out <- outcome{h, err}
	}()

	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, host := range []string{"c", "a", "b"} {
		close(gates[host])
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(finished) > 0 && finished[len(finished)-1] == host
		}, time.Second, 5*time.Millisecond)
	}

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, []string{"c", "a", "b"}, finished)

	resp := res.h.Response()
	require.Len(t, resp.Entries, 3)
	for i, want := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		entry := resp.Entries[i]
		assert.Equal(t, i, entry.Position)
		assert.Equal(t, res.h.JobIDs[i], entry.JobID)
		assert.Equal(t, domain.StateDone, entry.Status)
		require.NotNil(t, entry.Result)
		assert.Equal(t, want, entry.Result.Source)
	}
}

func TestSubmitBatch_PartialFailure(t *testing.T) {
	e := newEnv(t, envConfig{workers: 2})
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			if strings.Contains(req.Input.URL, "unreachable") {
				return parser.Output{}, &parser.BackendError{Code: "fetch_failed", Message: "dial tcp: no such host"}
			}
			return parser.Output{Markdown: "# page\n\nbody"}, nil
		}))

	h, err := e.sched.SubmitBatch(context.Background(), BatchRequest{
		Kind: domain.KindWeb,
		Inputs: []Payload{
			{URL: "https://ok-1.example"},
			{URL: "https://unreachable.example"},
			{URL: "https://ok-2.example"},
		},
		Mode: domain.ModeBlocking,
	})
	require.NoError(t, err)
	require.Len(t, h.Entries, 3)

	assert.Equal(t, domain.StateDone, h.Entries[0].Status)
	assert.NotNil(t, h.Entries[0].Result)

	assert.Equal(t, domain.StateFailed, h.Entries[1].Status)
	require.NotNil(t, h.Entries[1].Error)
	assert.Equal(t, domain.KindBackend, h.Entries[1].Error.Kind)
	assert.Equal(t, "fetch_failed", h.Entries[1].Error.Code)
	assert.Nil(t, h.Entries[1].Result)

	assert.Equal(t, domain.StateDone, h.Entries[2].Status)
	assert.NotNil(t, h.Entries[2].Result)
}

func TestSubmitBatch_AsyncAndCollect(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true})
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			return parser.Output{}, nil
		}))
	ctx := context.Background()

	_, err := e.sched.SubmitBatch(ctx, BatchRequest{
		Kind:   domain.KindWeb,
		Inputs: []Payload{{URL: "https://a.example"}, {URL: "ftp://b.example"}},
		Mode:   domain.ModeAsync,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "input 1")
	assert.Zero(t, e.jobs.created.Load())

	h, err := e.sched.SubmitBatch(ctx, BatchRequest{
		Kind:   domain.KindWeb,
		Inputs: []Payload{{URL: "https://a.example"}, {URL: "https://b.example"}},
		Mode:   domain.ModeAsync,
	})
	require.NoError(t, err)
	require.Len(t, h.JobIDs, 2)
	assert.Nil(t, h.Entries)
	assert.Equal(t, 2, e.queue.Len())

	_, err = e.sched.Cancel(ctx, h.JobIDs[1])
	require.NoError(t, err)

	h, err = e.sched.Collect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, h.Entries[0].Status)
	assert.Equal(t, domain.StateCancelled, h.Entries[1].Status)
	assert.Equal(t, domain.KindCancelled, h.Entries[1].Error.Kind)
}

func TestCollect_ReportsMissingJobPerPosition(t *testing.T) {
	e := newEnv(t, envConfig{noWorkers: true})
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			return parser.Output{}, nil
		}))
	ctx := context.Background()

	h, err := e.sched.SubmitBatch(ctx, BatchRequest{
		Kind:   domain.KindWeb,
		Inputs: []Payload{{URL: "https://a.example"}, {URL: "https://b.example"}, {URL: "https://c.example"}},
		Mode:   domain.ModeAsync,
	})
	require.NoError(t, err)
	require.NoError(t, e.jobs.Delete(ctx, h.JobIDs[1]))

	h, err = e.sched.Collect(ctx, h)
	require.NoError(t, err)
	require.Len(t, h.Entries, 3)

	assert.Equal(t, domain.StatePending, h.Entries[0].Status)
	assert.Equal(t, h.JobIDs[1], h.Entries[1].JobID)
	require.NotNil(t, h.Entries[1].Error)
	assert.Equal(t, domain.KindNotFound, h.Entries[1].Error.Kind)
	assert.Equal(t, domain.StatePending, h.Entries[2].Status)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.sched.Collect(cancelled, h)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweep(t *testing.T) {
	e := newEnv(t, envConfig{})
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))
	ctx := context.Background()

	sub, err := e.sched.Submit(ctx, SubmitRequest{Kind: domain.KindDocument, Input: document("a.pdf", "x")})
	require.NoError(t, err)
	require.Len(t, e.files(t), 1)

	assert.Zero(t, e.sched.sweep(ctx, time.Now()))
	_, err = e.sched.Status(ctx, sub.JobID)
	require.NoError(t, err)

	assert.Equal(t, 1, e.sched.sweep(ctx, time.Now().Add(2*time.Hour)))
	_, err = e.sched.Status(ctx, sub.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.Empty(t, e.files(t))
}

func TestHealth(t *testing.T) {
	e := newEnv(t, envConfig{workers: 3, capacity: 7, noWorkers: true})
	e.reg.Register(domain.KindWeb, parser.CapabilityFunc(
		func(ctx context.Context, req parser.Request, progress parser.Reporter) (parser.Output, error) {
			return parser.Output{}, nil
		}))
	e.reg.Register(domain.KindDocument, parser.CapabilityFunc(echoDocument))

	_, err := e.sched.Submit(context.Background(), SubmitRequest{Kind: domain.KindWeb, Input: Payload{URL: "example.com"}, Mode: domain.ModeAsync})
	require.NoError(t, err)

	h := e.sched.Health()
	assert.Equal(t, 1, h.QueueSize)
	assert.Equal(t, 7, h.QueueCapacity)
	assert.Equal(t, 3, h.Workers)
	assert.Equal(t, []domain.Kind{domain.KindDocument, domain.KindWeb}, h.Kinds)
	assert.Equal(t, 1, e.sched.QueueLen())
}
