package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/internal/config"
	"github.com/3leaps/fleetpatch/pkg/approval"
	"github.com/3leaps/fleetpatch/pkg/archive"
	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/maintenance"
	"github.com/3leaps/fleetpatch/pkg/orchestrator"
	"github.com/3leaps/fleetpatch/pkg/queue"
	"github.com/3leaps/fleetpatch/pkg/reboot"
	"github.com/3leaps/fleetpatch/pkg/rollout"
	"github.com/3leaps/fleetpatch/pkg/scheduler"
)

// Queue backend names accepted in queue.backend.
const (
	queueMemory = "memory"
	queueNATS   = "nats"
)

// engine is the wired set of services behind serve and the store-backed
// commands. Nothing consumes work until Start.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *jobstore.Store
	queue     queue.Queue
	nats      *queue.NATS
	gateway   *dispatch.QueueGateway
	oracle    *maintenance.Oracle
	service   *orchestrator.Service
	rollouts  *rollout.Controller
	archive   archive.Archive
	scheduler *scheduler.Scheduler
}

// newEngine opens the store and queue and wires the pipeline. reg receives
// the orchestrator collectors; nil leaves them unregistered.
func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &engine{cfg: cfg, logger: logger}

	var err error
	if e.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	if e.queue, e.nats, err = openQueue(ctx, cfg.Queue, logger.Named("queue")); err != nil {
		e.closeQuietly()
		return nil, err
	}
	if e.archive, err = archive.Open(ctx, cfg.Archive); err != nil {
		e.closeQuietly()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	gate, err := rollout.ParseWindowGate(cfg.Rollout.WindowGate)
	if err != nil {
		e.closeQuietly()
		return nil, err
	}

	metrics, err := orchestrator.NewMetrics(reg)
	if err != nil {
		e.closeQuietly()
		return nil, fmt.Errorf("register orchestrator metrics: %w", err)
	}

	e.gateway = dispatch.NewQueueGateway(e.store, logger.Named("dispatch"))
	e.oracle = maintenance.NewOracle(e.store)

	deps := orchestrator.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Gateway:   e.gateway,
		Approvals: approval.New(e.store),
		Reboots:   reboot.NewHandler(e.oracle, e.gateway, cfg.Reboot.Delay, logger.Named("reboot")),
		Metrics:   metrics,
		Logger:    logger.Named("orchestrator"),
	}
	if e.archive != nil {
		deps.Archive = e.archive
	}
	if e.service, err = orchestrator.New(deps, cfg.Orchestrator); err != nil {
		e.closeQuietly()
		return nil, err
	}

	e.rollouts = rollout.NewController(e.store, e.oracle, rollout.NewInventoryFilter(e.store), rollout.Config{
		Gate:           gate,
		BackoffMinutes: cfg.Rollout.BackoffMinutes,
	}, logger.Named("rollout"))

	if e.scheduler, err = scheduler.New(e.store, e.service, cfg.Scheduler, logger.Named("scheduler")); err != nil {
		e.closeQuietly()
		return nil, err
	}
	return e, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*jobstore.Store, error) {
	st, err := jobstore.Open(ctx, jobstore.Config{
		Driver:    cfg.Driver,
		Path:      cfg.Path,
		URL:       cfg.URL,
		AuthToken: cfg.AuthToken,
		DSN:       cfg.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// openQueue builds the configured backend. The second result is set only
// for NATS so callers can health-check it.
func openQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Queue, *queue.NATS, error) {
	opts := queue.Options{MaxAttempts: cfg.MaxAttempts, RetryDelay: cfg.RetryDelay}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", queueMemory:
		return queue.NewMemory(opts, logger), nil, nil
	case queueNATS:
		q, err := queue.NewNATS(ctx, queue.NATSConfig{URL: cfg.NATSURL, Stream: cfg.Stream, Options: opts}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open nats queue: %w", err)
		}
		return q, q, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue backend: %q", cfg.Backend)
	}
}

// durable reports whether enqueued work outlives this process.
func (e *engine) durable() bool {
	return e.nats != nil
}

// Close stops the scheduler and queue consumers, then releases the store
// and archive. It is safe on a partially built engine.
func (e *engine) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.scheduler != nil {
		errs = append(errs, e.scheduler.Stop(ctx))
	}
	switch {
	case e.service != nil:
		errs = append(errs, e.service.Shutdown(ctx))
	case e.queue != nil:
		errs = append(errs, e.queue.Shutdown(ctx))
	}
	if e.archive != nil {
		errs = append(errs, e.archive.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

// closeQuietly is Close for error paths and short-lived commands.
func (e *engine) closeQuietly() {
	if err := e.Close(context.Background()); err != nil {
		e.logger.Warn("close engine", zap.Error(err))
	}
}
