package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// TryFinalize closes a running job once no devices are pending. It reports
// whether this call made the terminal transition; concurrent callers lose
// the compare-and-swap and return false.
func (s *Service) TryFinalize(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load job: %w", err)
	}
	if job.Status != patchjob.JobStatusRunning || job.DevicesPending > 0 {
		return false, nil
	}
	return s.finalize(ctx, job, "units")
}

func (s *Service) finalize(ctx context.Context, job *patchjob.PatchJob, via string) (bool, error) {
	final := patchjob.JobStatusCompleted
	if job.DevicesFailed > 0 {
		final = patchjob.JobStatusFailed
	}

	n, err := s.store.UpdateJobIf(ctx, job.ID, patchjob.JobStatusRunning, jobstore.JobUpdate{
		Status:      final,
		CompletedAt: s.stamp(),
	})
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.metrics.jobFinalized(string(final), via)
	s.logger.Info("job finalized",
		zap.String("job_id", job.ID),
		zap.String("status", string(final)),
		zap.String("via", via),
		zap.Int("devices_completed", job.DevicesCompleted),
		zap.Int("devices_failed", job.DevicesFailed),
	)
	return true, nil
}

// CheckCompletion is the delayed sweep. A running job with no pending
// devices is finalized normally; otherwise every pending device is counted
// as failed and the job closes as failed. Units still in flight afterwards
// find a terminal job and their updates are ignored.
func (s *Service) CheckCompletion(ctx context.Context, jobID string) (bool, error) {
	log := s.logger.With(zap.String("job_id", jobID))

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("sweep skipped, job not found")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load job: %w", err)
	}
	if job.Status != patchjob.JobStatusRunning {
		return false, nil
	}
	if job.DevicesPending <= 0 {
		return s.finalize(ctx, job, "sweep")
	}

	n, err := s.store.ForceFailPending(ctx, jobID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("force-fail job: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	s.metrics.sweepForced()
	s.metrics.jobFinalized(string(patchjob.JobStatusFailed), "sweep")
	log.Warn("sweep force-failed job with pending devices",
		zap.Int("devices_pending", job.DevicesPending),
		zap.Int("devices_total", job.DevicesTotal),
	)
	return true, nil
}
