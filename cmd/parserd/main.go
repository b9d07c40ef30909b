package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/you-humble/alchemy/internal/parserd"

	"github.com/spf13/cobra"
)

var (
	addr            string
	delay           time.Duration
	shutdownTimeout time.Duration
	debug           bool
)

var rootCmd = &cobra.Command{
	Use:   "parserd",
	Short: "Serve the parser backends over gRPC",
	Long: `parserd hosts the document, image, audio, video and web backends behind
the Parser streaming service. Point alchemy's parsers.<kind> config at it.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(
			context.Background(),
			syscall.SIGTERM,
			syscall.SIGINT,
		)
		defer stop()

		return parserd.NewServer(addr, logger, parserd.MockBackends(delay)).Run(ctx, shutdownTimeout)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":50051", "gRPC listen address")
	rootCmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "pause between reported steps")
	rootCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful stop limit")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
