package parserd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/you-humble/alchemy/internal/parser/parserpb"

	"google.golang.org/grpc"
)

type Server struct {
	addr   string
	logger *slog.Logger
	srv    *grpc.Server
}

func NewServer(addr string, logger *slog.Logger, backends Backends) *Server {
	srv := grpc.NewServer(
		grpc.ChainStreamInterceptor(
			RecoveryStreamInterceptor(logger),
			StreamLoggingInterceptor(logger),
		),
	)
	parserpb.RegisterParserServer(srv, NewService(backends))

	return &Server{addr: addr, logger: logger, srv: srv}
}

// Run serves until ctx is done, then stops gracefully within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis, shutdownTimeout)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("parser gRPC service listening", slog.String("addr", lis.Addr().String()))
		if err := s.srv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, starting graceful shutdown")
		return s.shutdown(shutdownTimeout)
	case err := <-errCh:
		s.logger.Error("server exited with error", slog.String("error", err.Error()))
		return err
	}
}

func (s *Server) shutdown(timeout time.Duration) error {
	stopped := make(chan struct{})
	go func() {
		s.logger.Info("stopping gRPC server gracefully...")
		s.srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("graceful stop timed out, forcing stop")
		s.srv.Stop()
		return fmt.Errorf("shutdown timeout exceeded: %s", timeout)
	}
}
