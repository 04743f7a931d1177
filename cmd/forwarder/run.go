package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-forwarder/internal/config"
	"github.com/telhawk-systems/telhawk-forwarder/internal/logging"
	"github.com/telhawk-systems/telhawk-forwarder/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forwarder pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := logging.New(
			logging.ParseLevel(cfg.Logging.Level),
			cfg.Logging.Format,
		).With(logging.Service("forwarder"))
		logging.SetDefault(logger)

		slog.Info("Starting forwarder",
			slog.Int("sources", len(cfg.Sources)),
			slog.Int("sinks", len(cfg.Sinks)),
			slog.String("log_level", cfg.Logging.Level),
			slog.Bool("tracing", cfg.Tracing.Enabled),
		)

		p, err := pipeline.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to build pipeline: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.Metrics.Port > 0 {
			srv := pipeline.NewServer(cfg.Metrics.Port, p, logger)
			go func() {
				if err := srv.Run(ctx); err != nil {
					slog.Error("observability listener failed", "error", err)
				}
			}()
		}

		return p.Run(ctx)
	},
}
