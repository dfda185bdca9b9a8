package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// RecoverResult counts the tasks Recover enqueued.
type RecoverResult struct {
	Starts int `json:"starts"`
	Sweeps int `json:"sweeps"`
}

// Recover re-enqueues work a process-local queue loses on restart, and picks
// up jobs stored without an enqueue. Scheduled jobs get a start task at their
// scheduled time; running jobs get a sweep at their deadline. Both tasks are
// no-ops when they turn out to be duplicates.
func (s *Service) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult
	now := s.now()

	scheduled, err := s.store.ListJobsByStatus(ctx, patchjob.JobStatusScheduled, 0)
	if err != nil {
		return res, fmt.Errorf("list scheduled jobs: %w", err)
	}
	for _, job := range scheduled {
		delay := job.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := s.EnqueueJob(ctx, job.ID, delay); err != nil {
			return res, err
		}
		res.Starts++
	}

	running, err := s.store.ListJobsByStatus(ctx, patchjob.JobStatusRunning, 0)
	if err != nil {
		return res, fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		delay := s.cfg.SweepDelay
		if job.StartedAt != nil {
			delay = job.StartedAt.Add(s.cfg.SweepDelay).Sub(now)
		}
		if delay < 0 {
			delay = 0
		}
		if err := s.queue.Enqueue(ctx, KindSweep, jobRef{JobID: job.ID}, delay); err != nil {
			return res, fmt.Errorf("enqueue sweep %s: %w", job.ID, err)
		}
		res.Sweeps++
	}

	s.logger.Info("recovered pending work", zap.Int("starts", res.Starts), zap.Int("sweeps", res.Sweeps))
	return res, nil
}
