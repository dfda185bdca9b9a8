// Package scheduler turns cron-scheduled patch policies into patch jobs.
//
// On every tick of a policy's schedule a scheduled PatchJob is created from
// the policy's patch and target settings and handed to the orchestrator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// DefaultReload is how often enabled policies are re-read from the store.
const DefaultReload = time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a five-field cron expression or a descriptor such as
// "@daily". A timezone may be supplied separately to Schedule.
func Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Store is the persistence the scheduler needs.
type Store interface {
	ListEnabledPolicies(ctx context.Context) ([]patchjob.PatchPolicy, error)
	CreateJob(ctx context.Context, job *patchjob.PatchJob) error
}

// Enqueuer triggers orchestration of a stored job.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobID string, delay time.Duration) error
}

// Config controls the scheduler.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Timezone applies to policies that do not name their own.
	Timezone string        `mapstructure:"timezone"`
	Reload   time.Duration `mapstructure:"reload"`
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per enabled policy.
type Scheduler struct {
	store    Store
	enqueuer Enqueuer
	cron     *cron.Cron
	loc      *time.Location
	reload   time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a scheduler. It does not start ticking until Start.
func New(store Store, enqueuer Enqueuer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler store is required")
	}
	if enqueuer == nil {
		return nil, errors.New("scheduler enqueuer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	reload := cfg.Reload
	if reload <= 0 {
		reload = DefaultReload
	}

	s := &Scheduler{
		store:    store,
		enqueuer: enqueuer,
		loc:      loc,
		reload:   reload,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]entry),
		ctx:      context.Background(),
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.Recover(cronLogger{logger.Sugar()}), cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
	)
	return s, nil
}

// WithClock overrides the time source used for job names and scheduledAt.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Start loads policies and begins ticking. Policies are re-synced every
// reload interval so new or disabled policies take effect without a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.reload), func() {
		if err := s.Sync(s.context()); err != nil {
			s.logger.Warn("policy sync failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule policy reload: %w", err)
	}
	s.cron.Start()
	s.logger.Info("policy scheduler started", zap.Int("policies", s.Len()), zap.Duration("reload", s.reload))
	return nil
}

// Stop halts ticking and waits for running ticks or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of scheduled policies.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sync reconciles cron entries with the enabled policies in the store.
// Policies with invalid schedules are logged and left unscheduled.
func (s *Scheduler) Sync(ctx context.Context) error {
	policies, err := s.store.ListEnabledPolicies(ctx)
	if err != nil {
		return fmt.Errorf("list enabled policies: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(policies))
	for _, p := range policies {
		p := p
		spec := s.spec(p)
		seen[p.ID] = struct{}{}

		if cur, ok := s.entries[p.ID]; ok {
			if cur.spec == spec {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, p.ID)
		}

		id, err := s.cron.AddFunc(spec, func() {
			if _, err := s.RunPolicy(s.context(), p); err != nil {
				s.logger.Error("scheduled policy run failed", zap.String("policy_id", p.ID), zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Warn("skipping policy with invalid schedule",
				zap.String("policy_id", p.ID), zap.String("schedule", p.Schedule), zap.Error(err))
			continue
		}
		s.entries[p.ID] = entry{id: id, spec: spec}
	}

	for policyID, cur := range s.entries {
		if _, ok := seen[policyID]; !ok {
			s.cron.Remove(cur.id)
			delete(s.entries, policyID)
			s.logger.Info("policy unscheduled", zap.String("policy_id", policyID))
		}
	}
	return nil
}

// Next returns the next tick for a scheduled policy.
func (s *Scheduler) Next(policyID string) (time.Time, bool) {
	s.mu.Lock()
	cur, ok := s.entries[policyID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(cur.id)
	if e.Next.IsZero() && e.Schedule != nil {
		// Not computed until the cron loop has started.
		return e.Schedule.Next(s.now()), true
	}
	return e.Next, !e.Next.IsZero()
}

// RunPolicy creates a scheduled job from p and enqueues it immediately.
func (s *Scheduler) RunPolicy(ctx context.Context, p patchjob.PatchPolicy) (string, error) {
	now := s.now()
	policyID := p.ID
	job := &patchjob.PatchJob{
		OrgID:       p.OrgID,
		PolicyID:    &policyID,
		Name:        fmt.Sprintf("%s %s", p.Name, now.UTC().Format(time.RFC3339)),
		Patches:     p.Patches,
		Targets:     p.Targets,
		Status:      patchjob.JobStatusScheduled,
		ScheduledAt: now,
	}
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("policy %s: %w", p.ID, err)
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("policy %s: %w", p.ID, err)
	}
	if err := s.enqueuer.EnqueueJob(ctx, job.ID, 0); err != nil {
		return job.ID, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.logger.Info("policy job created",
		zap.String("policy_id", p.ID), zap.String("job_id", job.ID), zap.String("org_id", p.OrgID))
	return job.ID, nil
}

// spec prefixes the policy timezone so each policy ticks in its own zone.
func (s *Scheduler) spec(p patchjob.PatchPolicy) string {
	spec := strings.TrimSpace(p.Schedule)
	if tz := strings.TrimSpace(p.Timezone); tz != "" && !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	return spec
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
