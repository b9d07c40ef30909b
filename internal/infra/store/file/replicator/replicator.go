// Package replicator copies locally stored blobs to a remote store in the
// background so uploads are acknowledged at local-disk speed.
package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Storage interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

type Job struct {
	Key     string
	Size    int64
	Hash    string
	Retries int
}

type Replicator struct {
	local  Storage
	remote Storage

	queue      chan Job
	workerNum  int
	maxRetries int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(local, remote Storage, queueSize, workerNum, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workerNum <= 0 {
		workerNum = 1
	}

	return &Replicator{
		local:      local,
		remote:     remote,
		queue:      make(chan Job, queueSize),
		workerNum:  workerNum,
		maxRetries: max(maxRetries, 0),
		cancel:     func() {},
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(r.workerNum)
	for range r.workerNum {
		go r.worker(ctx)
	}
}

// Stop rejects new jobs and waits for the workers to exit.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	slog.Info("replicator stopped")
	return nil
}

// Enqueue never blocks; false means the job was dropped.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(ctx, job)
		}
	}
}

func (r *Replicator) handle(ctx context.Context, job Job) {
	err := r.replicateOnce(ctx, job)
	if err == nil {
		return
	}

	l := slog.With(
		slog.String("blob", job.Key),
		slog.Int("retries", job.Retries),
		slog.String("error", err.Error()),
	)
	if job.Retries >= r.maxRetries {
		l.Error("replication failed, max retries exceeded")
		return
	}

	job.Retries++
	if r.Enqueue(job) {
		l.Warn("replication failed, job requeued")
		return
	}
	l.Error("replication failed and queue is full, dropping job")
}

func (r *Replicator) replicateOnce(ctx context.Context, job Job) error {
	rc, size, err := r.local.Open(ctx, job.Key)
	if err != nil {
		return fmt.Errorf("open local blob: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, remoteHash, err := r.remote.Save(ctx, rc, job.Key, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if written <= 0 {
		return fmt.Errorf("remote save wrote zero bytes")
	}
	if job.Hash != "" && remoteHash != "" && job.Hash != remoteHash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.Hash, remoteHash)
	}

	slog.Debug("blob replicated", slog.String("blob", job.Key), slog.Int64("size", written))
	return nil
}
