// Package main is the entry point for the escalation engine. The serve
// command runs the periodic scheduler behind the admin HTTP server; run-once
// performs a single scan and exits, for cron-style deployments.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "escalator",
		Short:         "Approval SLA escalation engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunOnceCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "escalator: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

func newRunOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Scan every open task once, print the run summary and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd)
		},
	}
}

// setup loads configuration and initializes logging and tracing.
func setup(ctx context.Context) (*config.Config, *zap.Logger, func(context.Context) error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configuration error: %w", err)
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger error: %w", err)
	}

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "escalator", version)
	if err != nil {
		logger.Sync()
		return nil, nil, nil, fmt.Errorf("tracing initialization failed: %w", err)
	}
	return cfg, logger, tracingShutdown, nil
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, logger, tracingShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return err
	}
	defer a.close()

	authenticate, err := buildAuthenticator(cfg.Admin, logger)
	if err != nil {
		logger.Error("admin authentication setup failed", zap.Error(err))
		return err
	}

	// Background runs outlive the request that triggered them but stop on
	// shutdown.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	router := transport.NewRouter(transport.Dependencies{
		Scheduler:      a.scheduler,
		Readiness:      a.readiness,
		Metrics:        metrics,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         logger,
		Authenticate:   authenticate,
		RunContext:     bgCtx,
		HandlerTimeout: cfg.Server.WriteTimeout,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		a.scheduler.Start(bgCtx)
	}()

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Duration("scan_interval", cfg.Escalation.ScanInterval),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// In-flight tasks finish; unstarted ones are left for the next run.
	bgCancel()
	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

func runOnce(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, logger, tracingShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(flushCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return err
	}
	defer a.close()

	summary, runErr := a.scheduler.RunOnce(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("escalation run failed: %w", runErr)
	}
	return nil
}
