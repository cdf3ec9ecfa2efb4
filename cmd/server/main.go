package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pg "aegis/internal/adapters/postgres"
	"aegis/internal/config"
	"aegis/internal/workers/pipelinerunner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg    config.Config
		logger *slog.Logger
	)
	root := &cobra.Command{
		Use:          "aegis",
		Short:        "Supply-chain hazard detection and reroute pipeline",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			var err error
			cfg, err = config.Load()
			logger = cfg.Logger(os.Stderr)
			slog.SetDefault(logger)
			if err != nil {
				logger.Warn("configuration warning", "err", err)
			}
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the pipeline scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Execute a single pipeline run and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := pipelinerunner.RunInline(ctx, a.pipeline, logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrations")
			}
			db, err := pg.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect error: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	})
	return root
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduled := make(chan struct{})
	go func() {
		defer close(scheduled)
		pipelinerunner.Run(ctx, a.pipeline, cfg.Interval, logger)
	}()
	logger.Info("pipeline scheduler started", "interval", cfg.Interval)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: a.http.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", cfg.ListenAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
			<-scheduled
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	a.bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	<-scheduled
	return nil
}
