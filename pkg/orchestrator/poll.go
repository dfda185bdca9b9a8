package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/queue"
)

func (s *Service) handlePoll(ctx context.Context, task queue.Task) error {
	var ref pollRef
	if err := task.Decode(&ref); err != nil {
		s.logger.Error("dropping malformed poll task", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	return s.poll(ctx, ref)
}

// poll checks the command once and either finishes the unit or schedules
// the next check. The worker slot is released between checks.
func (s *Service) poll(ctx context.Context, ref pollRef) error {
	log := s.logger.With(
		zap.String("job_id", ref.JobID),
		zap.String("device_id", ref.DeviceID),
		zap.String("command_id", ref.CommandID),
	)

	cmd, err := s.gateway.Poll(ctx, ref.CommandID)
	switch {
	case errors.Is(err, dispatch.ErrCommandNotFound):
		log.Warn("command disappeared while polling, abandoning unit")
		return nil
	case err != nil:
		log.Warn("command poll failed", zap.Error(err))
	case cmd != nil && cmd.Status.Terminal():
		return s.finishDevice(ctx, ref, cmd)
	}

	if !s.now().Before(ref.Deadline) {
		log.Warn("install command timed out", zap.Duration("timeout", s.cfg.PollTimeout))
		return s.finishDevice(ctx, ref, nil)
	}

	if err := s.queue.Enqueue(ctx, KindPoll, ref, s.cfg.PollInterval); err != nil {
		return fmt.Errorf("reschedule poll: %w", err)
	}
	return nil
}

// finishDevice records per-patch results, handles the reboot and advances
// the job counters. A nil cmd means the poll deadline passed. Only the call
// whose insert wrote the rows advances the counters.
func (s *Service) finishDevice(ctx context.Context, ref pollRef, cmd *dispatch.Command) error {
	log := s.logger.With(
		zap.String("job_id", ref.JobID),
		zap.String("device_id", ref.DeviceID),
		zap.String("command_id", ref.CommandID),
	)

	var (
		result *dispatch.CommandResult
		report *dispatch.InstallReport
	)
	if cmd != nil {
		result = cmd.Result
		s.metrics.observeInstall(s.now().Sub(ref.StartedAt))
	}
	if result != nil {
		report, _ = dispatch.ParseInstallReport(result.Stdout)
	}

	success := overallSuccess(cmd, report)
	rebootRequired := anyRebootRequired(report, ref.Patches)

	output, outputRef := s.boundOutput(ctx, ref, result)
	rows := buildResults(ref, cmd, report, success, output, outputRef, s.now().UTC())
	written, err := s.store.InsertResults(ctx, rows)
	if err != nil {
		// No row was written; a retry re-polls the same command.
		return fmt.Errorf("record results: %w", err)
	}
	if !written {
		log.Info("device results already recorded, ignoring duplicate poll")
		return nil
	}

	outcome := "completed"
	reason := "success"
	switch {
	case cmd == nil:
		outcome, reason = "failed", "timeout"
	case !success:
		outcome, reason = "failed", "install_failed"
	}
	s.metrics.deviceOutcome(outcome, reason)
	log.Info("device patched",
		zap.String("outcome", outcome),
		zap.String("reason", reason),
		zap.Int("patches", len(rows)),
		zap.Bool("reboot_required", rebootRequired),
	)

	if success {
		s.reboot(ctx, ref, rebootRequired, log)
	}

	s.recordOutcome(ctx, ref.JobID, ref.DeviceID, !success)
	return nil
}

func (s *Service) reboot(ctx context.Context, ref pollRef, required bool, log *zap.Logger) {
	eval := s.reboots.Evaluate(ctx, ref.DeviceID, ref.RebootPolicy, required)
	if !eval.ShouldReboot {
		log.Info("no reboot",
			zap.String("reason", eval.Reason),
			zap.Bool("deferred", eval.Deferred),
		)
		return
	}
	commandID, err := s.reboots.Execute(ctx, ref.DeviceID, eval.Reason)
	if err != nil {
		s.metrics.commandDispatched(string(dispatch.CommandScheduleReboot), "error")
		log.Warn("reboot not scheduled", zap.Error(err))
		return
	}
	s.metrics.commandDispatched(string(dispatch.CommandScheduleReboot), "ok")
	log.Info("reboot scheduled", zap.String("reboot_command_id", commandID), zap.String("reason", eval.Reason))
}

// overallSuccess requires a completed command, a report that does not claim
// failure, and a zero or absent exit code.
func overallSuccess(cmd *dispatch.Command, report *dispatch.InstallReport) bool {
	if cmd == nil || cmd.Status != dispatch.StatusCompleted {
		return false
	}
	if report != nil && report.Success != nil && !*report.Success {
		return false
	}
	if cmd.Result != nil && cmd.Result.ExitCode != nil && *cmd.Result.ExitCode != 0 {
		return false
	}
	return true
}

func anyRebootRequired(report *dispatch.InstallReport, patches []patchjob.ApprovedPatch) bool {
	if report != nil && report.RebootRequired != nil {
		return *report.RebootRequired
	}
	for _, p := range patches {
		if p.RequiresReboot {
			return true
		}
	}
	return false
}

func buildResults(ref pollRef, cmd *dispatch.Command, report *dispatch.InstallReport, overall bool, output, outputRef string, now time.Time) []patchjob.PatchJobResult {
	var exitCode *int
	if cmd != nil && cmd.Result != nil {
		exitCode = cmd.Result.ExitCode
	}
	startedAt := ref.StartedAt

	rows := make([]patchjob.PatchJobResult, 0, len(ref.Patches))
	for _, p := range ref.Patches {
		success := overall
		reboot := p.RequiresReboot
		var patchErr string
		if entry, ok := report.Find(p.PatchID, p.ExternalID); ok {
			success = entry.Success
			reboot = entry.RebootRequired || p.RequiresReboot
			patchErr = entry.ErrorText()
		}

		status := patchjob.ResultStatusCompleted
		switch {
		case cmd == nil:
			status = patchjob.ResultStatusFailed
			success = false
		case !success:
			status = patchjob.ResultStatusFailed
		}

		row := patchjob.PatchJobResult{
			JobID:          ref.JobID,
			DeviceID:       ref.DeviceID,
			PatchID:        p.PatchID,
			Status:         status,
			StartedAt:      &startedAt,
			CompletedAt:    &now,
			ExitCode:       exitCode,
			Output:         output,
			OutputRef:      outputRef,
			RebootRequired: reboot,
		}
		if !success {
			row.ErrorMessage = errorMessage(patchErr, cmd)
		}
		rows = append(rows, row)
	}
	return rows
}

// errorMessage prefers the per-patch error, then the command error or
// stderr, then the timeout text.
func errorMessage(patchErr string, cmd *dispatch.Command) string {
	if patchErr != "" {
		return patchErr
	}
	if cmd == nil {
		return patchjob.ErrorMessageTimedOut
	}
	if cmd.Result != nil {
		if cmd.Result.Error != "" {
			return cmd.Result.Error
		}
		if cmd.Result.Stderr != "" {
			return cmd.Result.Stderr
		}
	}
	return ""
}

// boundOutput truncates stdout to the configured limit. When an archive is
// configured the full output is stored there and its reference returned.
func (s *Service) boundOutput(ctx context.Context, ref pollRef, result *dispatch.CommandResult) (string, string) {
	if result == nil || result.Stdout == "" {
		return "", ""
	}
	out := result.Stdout
	if len(out) <= s.cfg.OutputLimit {
		return out, ""
	}

	var outputRef string
	if s.archive != nil {
		key := fmt.Sprintf("%s/%s/%s.log", ref.JobID, ref.DeviceID, ref.CommandID)
		r, err := s.archive.Put(ctx, key, []byte(out))
		if err != nil {
			s.logger.Warn("output archive failed",
				zap.String("job_id", ref.JobID),
				zap.String("device_id", ref.DeviceID),
				zap.Error(err))
		} else {
			outputRef = r
		}
	}
	return truncate(out, s.cfg.OutputLimit), outputRef
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
