package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/you-humble/alchemy/internal/infra/config"
)

type app struct {
	di  *dependencyInjector
	srv *http.Server
}

// New wires the service from cfg. A nil cfg is loaded from the environment.
func New(ctx context.Context, cfg *config.Config) *app {
	di := newDI(cfg)
	di.Logger()
	return &app{
		di: di,
		srv: &http.Server{
			Addr:              di.Config().Addr,
			Handler:           di.Router(ctx),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (a *app) Run(ctx context.Context) error {
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	pool := a.di.Pool(ctx)
	pool.Run(poolCtx)
	a.di.Scheduler(ctx).StartCleanup(poolCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", a.srv.Addr))
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", e.Error()))
			errCh <- e
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	// open event streams only end with their job, so they are cut here
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", slog.String("error", err.Error()))
		_ = a.srv.Close()
	}

	stopPool()
	pool.Wait()
	a.di.Close(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	slog.Info("server gracefully stopped")
	return nil
}
