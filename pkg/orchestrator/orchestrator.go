// Package orchestrator runs patch jobs end to end.
//
// A job is started once, fans out one device unit per target, and each unit
// resolves approved patches, dispatches a single install command and polls it
// to a terminal state or a deadline. Units race to update the job's counters;
// the first caller that observes no pending devices finalizes the job through
// a compare-and-swap on its status. A delayed sweep closes jobs whose
// stragglers never report back.
//
// All handlers tolerate duplicate delivery and return errors only for
// infrastructure faults, which the queue retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/queue"
)

// Task kinds registered on the queue.
const (
	KindStart  = "patch-job.start"
	KindDevice = "patch-job.device"
	KindPoll   = "patch-job.poll"
	KindSweep  = "patch-job.sweep"
)

// Defaults for Config zero values.
const (
	DefaultJobWorkers    = 5
	DefaultDeviceWorkers = 10
	DefaultPollInterval  = 5 * time.Second
	DefaultPollTimeout   = 30 * time.Minute
	DefaultSweepDelay    = 35 * time.Minute
	DefaultOutputLimit   = 10000
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*patchjob.PatchJob, error)
	ListJobsByStatus(ctx context.Context, status patchjob.JobStatus, limit int) ([]patchjob.PatchJob, error)
	UpdateJobIf(ctx context.Context, id string, expected patchjob.JobStatus, upd jobstore.JobUpdate) (int64, error)
	RecordDeviceOutcome(ctx context.Context, id string, failed bool) (int64, error)
	ForceFailPending(ctx context.Context, id string, at time.Time) (int64, error)
	InsertResults(ctx context.Context, results []patchjob.PatchJobResult) (bool, error)
	ClaimDeviceUnit(ctx context.Context, jobID, deviceID string) (bool, error)
	SetUnitCommand(ctx context.Context, jobID, deviceID, commandID string) error
	ReleaseDeviceUnit(ctx context.Context, jobID, deviceID string) error
	RingDeferralDays(ctx context.Context, ringID string) (int, error)
}

// ApprovalResolver returns the patches a device may install.
type ApprovalResolver interface {
	Resolve(ctx context.Context, deviceID, orgID string, ring patchjob.RingConfig) ([]patchjob.ApprovedPatch, error)
}

// RebootHandler decides on and schedules post-install reboots.
type RebootHandler interface {
	Evaluate(ctx context.Context, deviceID string, policy patchjob.RebootPolicy, anyRequiresReboot bool) patchjob.RebootEvaluation
	Execute(ctx context.Context, deviceID, reason string) (string, error)
}

// OutputArchive stores full command output that does not fit a result row.
type OutputArchive interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Deps are the collaborators of a Service. Archive, Metrics, Logger and Now
// are optional.
type Deps struct {
	Store     Store
	Queue     queue.Queue
	Gateway   dispatch.Gateway
	Approvals ApprovalResolver
	Reboots   RebootHandler
	Archive   OutputArchive
	Metrics   *Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// Config tunes concurrency and timing. Zero values take the defaults.
type Config struct {
	JobWorkers    int           `mapstructure:"job_workers"`
	DeviceWorkers int           `mapstructure:"device_workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	SweepDelay    time.Duration `mapstructure:"sweep_delay"`
	OutputLimit   int           `mapstructure:"output_limit"`
	// DispatchRate caps install commands per second. Zero is unlimited.
	DispatchRate float64 `mapstructure:"dispatch_rate"`
}

func (c Config) withDefaults() Config {
	if c.JobWorkers <= 0 {
		c.JobWorkers = DefaultJobWorkers
	}
	if c.DeviceWorkers <= 0 {
		c.DeviceWorkers = DefaultDeviceWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.SweepDelay <= 0 {
		c.SweepDelay = DefaultSweepDelay
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	return c
}

// Service owns the queue handlers of the patch pipeline.
type Service struct {
	store     Store
	queue     queue.Queue
	gateway   dispatch.Gateway
	approvals ApprovalResolver
	reboots   RebootHandler
	archive   OutputArchive
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
	cfg       Config
	limiter   *rate.Limiter
}

// New wires a Service and registers its handlers on deps.Queue.
func New(deps Deps, cfg Config) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: queue is required")
	case deps.Gateway == nil:
		return nil, errors.New("orchestrator: gateway is required")
	case deps.Approvals == nil:
		return nil, errors.New("orchestrator: approval resolver is required")
	case deps.Reboots == nil:
		return nil, errors.New("orchestrator: reboot handler is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg = cfg.withDefaults()

	s := &Service{
		store:     deps.Store,
		queue:     deps.Queue,
		gateway:   deps.Gateway,
		approvals: deps.Approvals,
		reboots:   deps.Reboots,
		archive:   deps.Archive,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
		cfg:       cfg,
	}
	if cfg.DispatchRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}

	s.queue.Register(KindStart, cfg.JobWorkers, s.handleStart)
	s.queue.Register(KindSweep, cfg.JobWorkers, s.handleSweep)
	s.queue.Register(KindDevice, cfg.DeviceWorkers, s.handleDevice)
	s.queue.Register(KindPoll, cfg.DeviceWorkers, s.handlePoll)
	return s, nil
}

// Start begins consuming work.
func (s *Service) Start(ctx context.Context) error {
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	s.logger.Info("orchestrator started",
		zap.Int("job_workers", s.cfg.JobWorkers),
		zap.Int("device_workers", s.cfg.DeviceWorkers),
	)
	return nil
}

// Shutdown stops consuming work and waits for in-flight handlers.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.queue.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown queue: %w", err)
	}
	s.logger.Info("orchestrator stopped")
	return nil
}

type jobRef struct {
	JobID string `json:"jobId"`
}

// EnqueueJob schedules a job start after delay. It is the only entry point
// for schedulers and API callers.
func (s *Service) EnqueueJob(ctx context.Context, jobID string, delay time.Duration) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	if err := s.queue.Enqueue(ctx, KindStart, jobRef{JobID: jobID}, delay); err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	s.logger.Info("job enqueued", zap.String("job_id", jobID), zap.Duration("delay", delay))
	return nil
}

func (s *Service) handleStart(ctx context.Context, task queue.Task) error {
	var ref jobRef
	if err := task.Decode(&ref); err != nil {
		s.logger.Error("dropping malformed start task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	_, err := s.StartJob(ctx, ref.JobID)
	return err
}

func (s *Service) handleSweep(ctx context.Context, task queue.Task) error {
	var ref jobRef
	if err := task.Decode(&ref); err != nil {
		s.logger.Error("dropping malformed sweep task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	_, err := s.CheckCompletion(ctx, ref.JobID)
	return err
}

func (s *Service) stamp() *time.Time {
	now := s.now().UTC()
	return &now
}
