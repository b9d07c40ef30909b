package filestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/alchemy/internal/infra/store/file/replicator"

	"golang.org/x/sync/errgroup"
)

type Store interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// asyncStore acknowledges writes once they hit local disk and mirrors them
// to the remote store in the background. Reads fall back to the remote.
type asyncStore struct {
	local      Store
	remote     Store
	replicator *replicator.Replicator
}

func NewAsyncStore(
	ctx context.Context,
	local Store,
	remote Store,
	queueSize,
	workerNum,
	maxRetries int,
) *asyncStore {
	repl := replicator.New(local, remote, queueSize, workerNum, maxRetries)
	repl.Start(ctx)

	return &asyncStore{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncStore) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncStore) Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error) {
	written, hash, err := s.local.Save(ctx, reader, key, size)
	if err != nil {
		return 0, "", err
	}

	ok := s.replicator.Enqueue(replicator.Job{Key: key, Size: written, Hash: hash})
	if !ok {
		slog.Error("async store: replication queue full, blob saved only locally",
			slog.String("blob", key),
			slog.Int64("size", written),
		)
	}

	return written, hash, nil
}

func (s *asyncStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Open(ctx, key)
	if err == nil {
		return rc, size, nil
	}
	if !errors.Is(err, ErrBlobNotFound) {
		return nil, 0, err
	}

	return s.remote.Open(ctx, key)
}

func (s *asyncStore) Delete(ctx context.Context, key string) error {
	eg, eCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.local.Delete(eCtx, key) })
	eg.Go(func() error { return s.remote.Delete(eCtx, key) })
	return eg.Wait()
}

func (s *asyncStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.local.CleanupOlderThan(eCtx, maxAge) })
	eg.Go(func() error { return s.remote.CleanupOlderThan(eCtx, maxAge) })
	return eg.Wait()
}
