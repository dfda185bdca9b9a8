package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/internal/observability"
	"github.com/3leaps/fleetpatch/internal/server"
	"github.com/3leaps/fleetpatch/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and orchestration workers",
	Long: `Run the HTTP API, the queue consumers that drive patch jobs, and the
policy scheduler when enabled.

On startup, scheduled and running jobs already in the store are re-enqueued
so work survives restarts of the in-memory queue and picks up jobs
submitted from the CLI.

Examples:
  fleetpatch serve
  fleetpatch serve --port 9000 --queue nats --nats-url nats://nats:4222`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Bool("scheduler", false, "Run the policy scheduler (overrides scheduler.enabled)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("scheduler") {
		cfg.Scheduler.Enabled, _ = cmd.Flags().GetBool("scheduler")
	}

	id := initIdentity()
	logger, err := observability.NewServerLogger(id.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	var e *engine
	if cfg.Metrics.Enabled {
		reg := observability.InitMetrics(id.BinaryName, versionInfo.Version)
		e, err = newEngine(ctx, cfg, logger, reg)
		opts = append(opts, server.WithMetrics(cfg.Metrics.Path, observability.MetricsHandler()))
	} else {
		e, err = newEngine(ctx, cfg, logger, nil)
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start engine", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(health, e, id, cfg.Metrics.Enabled)

	deps := handlers.APIDeps{
		Store:    e.store,
		Jobs:     e.service,
		Rollouts: e.rollouts,
		Logger:   logger.Named("api"),
	}
	if e.archive != nil {
		deps.Archive = e.archive
	}
	if cfg.Scheduler.Enabled {
		deps.Policies = e.scheduler
	}
	api, err := handlers.NewAPI(deps)
	if err != nil {
		e.closeQuietly()
		return err
	}

	if err := e.service.Start(ctx); err != nil {
		e.closeQuietly()
		return err
	}
	if _, err := e.service.Recover(ctx); err != nil {
		logger.Error("recover pending work", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		if err := e.scheduler.Start(ctx); err != nil {
			e.closeQuietly()
			return err
		}
	}

	opts = append(opts,
		server.WithAPI(api),
		server.WithLogger(logger.Named("http")),
		server.WithPprof(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr()),
			zap.String("queue", cfg.Queue.Backend),
			zap.Bool("scheduler", cfg.Scheduler.Enabled),
			zap.String("version", versionInfo.Version),
		)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server stopped", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := e.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped", serveErr)
	}
	return nil
}

func registerHealthCheckers(h *handlers.HealthManager, e *engine, id *AppIdentity, metrics bool) {
	h.RegisterChecker("store", e.store)
	if e.nats != nil {
		h.RegisterChecker("queue", e.nats)
	}
	h.RegisterChecker("signals", signalHealthChecker{})
	if metrics {
		h.RegisterChecker("metrics", telemetryHealthChecker{})
	}
	h.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
}

// signalHealthChecker reports healthy while the process is running; signal
// handling has no failure state of its own.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.Registry == nil {
		return errors.New("metrics registry not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("identity: missing binary name")
	case c.envPrefix == "":
		return errors.New("identity: missing env prefix")
	case c.configName == "":
		return errors.New("identity: missing config name")
	}
	return nil
}
