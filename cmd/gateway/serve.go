package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/companion-gateway/internal/app"
	"github.com/nulpointcorp/companion-gateway/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Graceful shutdown on SIGINT / SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			// All subsystems share this instance.
			logger := buildLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			a, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				logger.Error("startup failed", slog.String("error", err.Error()))
				return err
			}
			defer a.Close()

			if err := a.Run(ctx); err != nil {
				logger.Error("gateway stopped", slog.String("error", err.Error()))
				return fmt.Errorf("gateway stopped: %w", err)
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the message store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), cfg, buildLogger(cfg.LogLevel))
		},
	}
}
