package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/you-humble/alchemy/internal/app"
	"github.com/you-humble/alchemy/internal/infra/config"

	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveWorkers int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the parse service",
	Long:  "Run the HTTP API, the worker pool and the cleanup loop until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().IntVarP(&serveWorkers, "workers", "w", 0, "worker slots (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if serveWorkers > 0 {
		cfg.Workers = serveWorkers
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	return app.New(ctx, cfg).Run(ctx)
}
