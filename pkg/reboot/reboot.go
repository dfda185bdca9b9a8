// Package reboot decides whether a patched device reboots and schedules it.
package reboot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// DefaultDelay is how far ahead a reboot is scheduled on the device.
const DefaultDelay = 5 * time.Minute

// Source tags reboot commands issued after a patch job.
const Source = "patch_job"

// WindowOracle reports live maintenance-window state for a device.
type WindowOracle interface {
	InWindow(ctx context.Context, deviceID string) (bool, error)
}

// Handler evaluates reboot policy and dispatches schedule_reboot commands.
type Handler struct {
	windows WindowOracle
	gateway dispatch.Gateway
	delay   time.Duration
	logger  *zap.Logger
}

// NewHandler wires a handler. A non-positive delay uses DefaultDelay.
func NewHandler(windows WindowOracle, gateway dispatch.Gateway, delay time.Duration, logger *zap.Logger) *Handler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{windows: windows, gateway: gateway, delay: delay, logger: logger}
}

// Evaluate maps a reboot policy to a decision. Unknown policies fall back
// to if_required.
func (h *Handler) Evaluate(ctx context.Context, deviceID string, policy patchjob.RebootPolicy, anyRequiresReboot bool) patchjob.RebootEvaluation {
	switch policy {
	case patchjob.RebootNever:
		return patchjob.RebootEvaluation{Reason: "reboot policy is never"}
	case patchjob.RebootAlways:
		return patchjob.RebootEvaluation{ShouldReboot: true, Reason: "reboot policy is always"}
	case patchjob.RebootIfRequired:
		return ifRequired(anyRequiresReboot, "")
	case patchjob.RebootMaintenanceWindow:
		return h.maintenanceWindow(ctx, deviceID)
	}
	return ifRequired(anyRequiresReboot, fmt.Sprintf("unknown reboot policy %q, using if_required: ", policy))
}

func ifRequired(required bool, prefix string) patchjob.RebootEvaluation {
	if required {
		return patchjob.RebootEvaluation{ShouldReboot: true, Reason: prefix + "installed patches require a reboot"}
	}
	return patchjob.RebootEvaluation{Reason: prefix + "no installed patch requires a reboot"}
}

func (h *Handler) maintenanceWindow(ctx context.Context, deviceID string) patchjob.RebootEvaluation {
	if h.windows == nil {
		return patchjob.RebootEvaluation{Deferred: true, Reason: "no maintenance window source, reboot deferred"}
	}
	in, err := h.windows.InWindow(ctx, deviceID)
	if err != nil {
		h.logger.Warn("maintenance window lookup failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return patchjob.RebootEvaluation{Deferred: true, Reason: "maintenance window unknown, reboot deferred"}
	}
	if in {
		return patchjob.RebootEvaluation{ShouldReboot: true, Reason: "inside maintenance window"}
	}
	return patchjob.RebootEvaluation{Deferred: true, Reason: "outside maintenance window, reboot deferred"}
}

// Execute dispatches a schedule_reboot command and returns its id.
func (h *Handler) Execute(ctx context.Context, deviceID, reason string) (string, error) {
	payload := dispatch.RebootPayload{
		DelayMinutes: int(h.delay / time.Minute),
		Reason:       reason,
		Source:       Source,
	}
	id, err := h.gateway.Dispatch(ctx, deviceID, dispatch.CommandScheduleReboot, payload)
	if err != nil {
		return "", fmt.Errorf("schedule reboot: %w", err)
	}
	h.logger.Info("reboot scheduled",
		zap.String("device_id", deviceID),
		zap.String("command_id", id),
		zap.Int("delay_minutes", payload.DelayMinutes),
	)
	return id, nil
}
