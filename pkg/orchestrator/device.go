package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/queue"
)

// pollRef is the state carried between polls of one install command.
type pollRef struct {
	JobID        string                   `json:"jobId"`
	DeviceID     string                   `json:"deviceId"`
	OrgID        string                   `json:"orgId"`
	CommandID    string                   `json:"commandId"`
	RebootPolicy patchjob.RebootPolicy    `json:"rebootPolicy"`
	Patches      []patchjob.ApprovedPatch `json:"patches"`
	StartedAt    time.Time                `json:"startedAt"`
	Deadline     time.Time                `json:"deadline"`
}

func (s *Service) handleDevice(ctx context.Context, task queue.Task) error {
	var ref deviceRef
	if err := task.Decode(&ref); err != nil {
		s.logger.Error("dropping malformed device task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	return s.runDevice(ctx, ref)
}

// runDevice resolves approvals and dispatches the install command. The
// (job, device) unit is claimed first, so a redelivered task never sends a
// second install. Every exit before the command is queued records a
// device-level skip.
func (s *Service) runDevice(ctx context.Context, ref deviceRef) error {
	log := s.logger.With(zap.String("job_id", ref.JobID), zap.String("device_id", ref.DeviceID))
	startedAt := s.now().UTC()

	job, err := s.store.GetJob(ctx, ref.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warn("device unit skipped, job not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Info("device unit skipped", zap.String("status", string(job.Status)))
		return nil
	}

	claimed, err := s.store.ClaimDeviceUnit(ctx, ref.JobID, ref.DeviceID)
	if err != nil {
		return fmt.Errorf("claim device unit: %w", err)
	}
	if !claimed {
		log.Info("device unit already claimed, ignoring duplicate")
		return nil
	}

	ring, err := s.ringConfig(ctx, job)
	if err != nil {
		log.Warn("ring lookup failed", zap.Error(err))
		return s.skipDevice(ctx, ref, startedAt, patchjob.SkipErrorResolving)
	}

	approved, err := s.approvals.Resolve(ctx, ref.DeviceID, ref.OrgID, ring)
	if err != nil {
		log.Warn("approval resolution failed", zap.Error(err))
		return s.skipDevice(ctx, ref, startedAt, patchjob.SkipErrorResolving)
	}
	if len(approved) == 0 {
		log.Info("no approved patches")
		return s.skipDevice(ctx, ref, startedAt, patchjob.SkipNoApprovedPatches)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.releaseUnit(ctx, ref, fmt.Errorf("dispatch rate limit: %w", err))
		}
	}

	commandID, err := s.gateway.Dispatch(ctx, ref.DeviceID, dispatch.CommandInstallPatches, installPayload(approved))
	if err != nil {
		s.metrics.commandDispatched(string(dispatch.CommandInstallPatches), "error")
		log.Warn("install dispatch failed", zap.Error(err))
		return s.skipDevice(ctx, ref, startedAt, patchjob.SkipDeviceOffline)
	}
	if commandID == "" {
		s.metrics.commandDispatched(string(dispatch.CommandInstallPatches), "error")
		log.Warn("install dispatch returned no command id")
		return s.skipDevice(ctx, ref, startedAt, patchjob.SkipCommandCreateFailed)
	}
	s.metrics.commandDispatched(string(dispatch.CommandInstallPatches), "ok")
	if err := s.store.SetUnitCommand(ctx, ref.JobID, ref.DeviceID, commandID); err != nil {
		log.Warn("install command not recorded on unit", zap.String("command_id", commandID), zap.Error(err))
	}

	poll := pollRef{
		JobID:        ref.JobID,
		DeviceID:     ref.DeviceID,
		OrgID:        ref.OrgID,
		CommandID:    commandID,
		RebootPolicy: job.Targets.Policy(),
		Patches:      approved,
		StartedAt:    startedAt,
		Deadline:     startedAt.Add(s.cfg.PollTimeout),
	}
	log.Info("install dispatched",
		zap.String("command_id", commandID),
		zap.Int("patches", len(approved)),
	)

	// The command is already queued, so a failure here must not retry the unit.
	if err := s.queue.Enqueue(ctx, KindPoll, poll, s.cfg.PollInterval); err != nil {
		log.Error("poll not scheduled, sweep will close the job",
			zap.String("command_id", commandID), zap.Error(err))
	}
	return nil
}

func (s *Service) ringConfig(ctx context.Context, job *patchjob.PatchJob) (patchjob.RingConfig, error) {
	ring := patchjob.RingConfig{
		RingID:        job.Patches.RingID,
		CategoryRules: job.Patches.CategoryRules,
		AutoApprove:   job.Patches.AutoApprove,
	}
	if ring.RingID == nil {
		return ring, nil
	}
	days, err := s.store.RingDeferralDays(ctx, *ring.RingID)
	if err != nil {
		return ring, err
	}
	ring.DeferralDays = days
	return ring, nil
}

func installPayload(approved []patchjob.ApprovedPatch) dispatch.InstallPayload {
	payload := dispatch.InstallPayload{
		Patches:  make([]dispatch.InstallPatch, len(approved)),
		PatchIDs: make([]string, len(approved)),
	}
	for i, p := range approved {
		payload.Patches[i] = dispatch.InstallPatch{
			ID:             p.PatchID,
			ExternalID:     p.ExternalID,
			Title:          p.Title,
			Category:       p.Category,
			Severity:       p.Severity,
			RequiresReboot: p.RequiresReboot,
		}
		payload.PatchIDs[i] = p.PatchID
	}
	return payload
}

// skipDevice records a device-level skip row. Skips count toward completion,
// not failure.
func (s *Service) skipDevice(ctx context.Context, ref deviceRef, startedAt time.Time, reason string) error {
	result := patchjob.PatchJobResult{
		JobID:        ref.JobID,
		DeviceID:     ref.DeviceID,
		PatchID:      patchjob.NoPatchID,
		Status:       patchjob.ResultStatusSkipped,
		StartedAt:    &startedAt,
		CompletedAt:  s.stamp(),
		ErrorMessage: reason,
	}
	written, err := s.store.InsertResults(ctx, []patchjob.PatchJobResult{result})
	if err != nil {
		return s.releaseUnit(ctx, ref, fmt.Errorf("record skip: %w", err))
	}
	if !written {
		s.logger.Info("device skip already recorded",
			zap.String("job_id", ref.JobID), zap.String("device_id", ref.DeviceID))
		return nil
	}
	s.metrics.deviceOutcome("skipped", reason)
	s.recordOutcome(ctx, ref.JobID, ref.DeviceID, false)
	return nil
}

// releaseUnit gives up the unit claim so the queue's retry can take it
// again, and returns cause. No command has been sent at this point.
func (s *Service) releaseUnit(ctx context.Context, ref deviceRef, cause error) error {
	if err := s.store.ReleaseDeviceUnit(ctx, ref.JobID, ref.DeviceID); err != nil {
		s.logger.Error("device unit claim not released, sweep will close the job",
			zap.String("job_id", ref.JobID), zap.String("device_id", ref.DeviceID), zap.Error(err))
	}
	return cause
}

// recordOutcome advances the job counters and tries to finalize. Errors are
// logged only: the result row is already written and the sweep closes the
// job if the counters never catch up.
func (s *Service) recordOutcome(ctx context.Context, jobID, deviceID string, failed bool) {
	log := s.logger.With(zap.String("job_id", jobID), zap.String("device_id", deviceID))

	n, err := s.store.RecordDeviceOutcome(ctx, jobID, failed)
	switch {
	case err != nil:
		log.Error("counter update failed", zap.Error(err))
	case n == 0:
		log.Info("counter update ignored, job no longer running")
	}

	if _, err := s.TryFinalize(ctx, jobID); err != nil {
		log.Error("finalize check failed", zap.Error(err))
	}
}
