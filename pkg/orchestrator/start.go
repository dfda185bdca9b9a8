package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// StartResult describes what a StartJob call did.
type StartResult struct {
	// Dispatched counts device units enqueued.
	Dispatched int `json:"dispatched"`
	// Skipped explains a no-op call; empty when the job was started.
	Skipped string `json:"skipped,omitempty"`
}

type deviceRef struct {
	JobID    string `json:"jobId"`
	DeviceID string `json:"deviceId"`
	OrgID    string `json:"orgId"`
}

// StartJob moves a scheduled job to running and fans out one device unit per
// target. A missing or already-started job is a no-op, so duplicate triggers
// are harmless. The completion sweep is scheduled before the transition, and
// the transition seeds the device counters, so an error leaves the job
// scheduled and retryable. Units that fail to enqueue are logged and left to
// the sweep.
func (s *Service) StartJob(ctx context.Context, jobID string) (StartResult, error) {
	log := s.logger.With(zap.String("job_id", jobID))

	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("job not found")
		return StartResult{Skipped: "job not found"}, nil
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status != patchjob.JobStatusScheduled {
		log.Info("start skipped", zap.String("status", string(job.Status)))
		return StartResult{Skipped: fmt.Sprintf("skipped, status is %s", job.Status)}, nil
	}

	devices := job.Targets.Devices()
	total := len(devices)
	if total == 0 {
		now := s.stamp()
		n, err := s.store.UpdateJobIf(ctx, jobID, patchjob.JobStatusScheduled, jobstore.JobUpdate{
			Status:       patchjob.JobStatusCompleted,
			StartedAt:    now,
			CompletedAt:  now,
			DevicesTotal: &total,
		})
		if err != nil {
			return StartResult{}, fmt.Errorf("complete empty job: %w", err)
		}
		if n == 0 {
			log.Info("start skipped, job already started")
			return StartResult{Skipped: "skipped, job already started"}, nil
		}
		s.metrics.jobStarted()
		s.metrics.jobFinalized(string(patchjob.JobStatusCompleted), "start")
		log.Info("job has no target devices, completed")
		return StartResult{}, nil
	}

	if err := s.queue.Enqueue(ctx, KindSweep, jobRef{JobID: jobID}, s.cfg.SweepDelay); err != nil {
		return StartResult{}, fmt.Errorf("schedule completion sweep: %w", err)
	}

	n, err := s.store.UpdateJobIf(ctx, jobID, patchjob.JobStatusScheduled, jobstore.JobUpdate{
		Status:       patchjob.JobStatusRunning,
		StartedAt:    s.stamp(),
		DevicesTotal: &total,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("mark job running: %w", err)
	}
	if n == 0 {
		log.Info("start skipped, job already started")
		return StartResult{Skipped: "skipped, job already started"}, nil
	}
	s.metrics.jobStarted()

	dispatched := 0
	for _, deviceID := range devices {
		ref := deviceRef{JobID: jobID, DeviceID: deviceID, OrgID: job.OrgID}
		if err := s.queue.Enqueue(ctx, KindDevice, ref, 0); err != nil {
			s.metrics.fanoutFailed()
			log.Error("device unit not enqueued, sweep will close the job",
				zap.String("device_id", deviceID), zap.Error(err))
			continue
		}
		dispatched++
	}

	log.Info("job started",
		zap.Int("devices", total),
		zap.Int("dispatched", dispatched),
		zap.Duration("sweep_in", s.cfg.SweepDelay),
	)
	return StartResult{Dispatched: dispatched}, nil
}
