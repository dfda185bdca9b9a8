// Package rollout plans and gates staged deployments to device fleets.
//
// The controller resolves a deployment's targets, partitions them into
// numbered batches, gates batch progress on maintenance windows and failure
// thresholds, and computes retry backoff. Delivery to devices is done by the
// caller; the controller only decides.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WindowGate selects which side of a maintenance window is eligible when a
// deployment respects maintenance windows.
type WindowGate string

const (
	// GateInWindow treats devices currently inside a window as eligible.
	GateInWindow WindowGate = "in_window"
	// GateOutsideWindow treats devices outside every window as eligible.
	GateOutsideWindow WindowGate = "outside_window"
)

// ParseWindowGate validates a gate name. Empty means GateInWindow.
func ParseWindowGate(s string) (WindowGate, error) {
	switch WindowGate(strings.ToLower(strings.TrimSpace(s))) {
	case "", GateInWindow:
		return GateInWindow, nil
	case GateOutsideWindow:
		return GateOutsideWindow, nil
	}
	return "", fmt.Errorf("unknown window gate %q (want in_window or outside_window)", s)
}

// Store is the persistence the controller needs.
type Store interface {
	AllDeviceIDs(ctx context.Context, orgID string) ([]string, error)
	OrgDeviceIDs(ctx context.Context, orgID string, ids []string) ([]string, error)
	GroupDeviceIDs(ctx context.Context, orgID string, groupIDs []string) ([]string, error)

	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	UpdateDeploymentStatusIf(ctx context.Context, id string, from []DeploymentStatus, to DeploymentStatus) (bool, error)
	InsertDeploymentDevices(ctx context.Context, devices []DeploymentDevice) error
	ListDeploymentDevices(ctx context.Context, deploymentID string) ([]DeploymentDevice, error)
	UpdateDeploymentDeviceStatus(ctx context.Context, deploymentID, deviceID string, status DeviceStatus, result json.RawMessage) error
	IncrementRetryCount(ctx context.Context, deploymentID, deviceID string) (*DeploymentDevice, bool, error)
	SkipPendingDevices(ctx context.Context, deploymentID string) (int64, error)
}

// WindowOracle reports live maintenance-window state.
type WindowOracle interface {
	InWindow(ctx context.Context, deviceID string) (bool, error)
}

// Config tunes controller behaviour.
type Config struct {
	Gate           WindowGate
	BackoffMinutes []int
}

// Controller implements the deployment rollout decisions.
type Controller struct {
	store   Store
	windows WindowOracle
	filters FilterEvaluator
	cfg     Config
	logger  *zap.Logger
}

// NewController wires a controller. windows and filters may be nil when no
// deployment uses window gating or filter targets.
func NewController(store Store, windows WindowOracle, filters FilterEvaluator, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Gate == "" {
		cfg.Gate = GateInWindow
	}
	if len(cfg.BackoffMinutes) == 0 {
		cfg.BackoffMinutes = DefaultBackoffMinutes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, windows: windows, filters: filters, cfg: cfg, logger: logger}
}

// ResolveTargets returns the deployment's device ids. Unknown and cross-org
// ids are dropped silently.
func (c *Controller) ResolveTargets(ctx context.Context, d *Deployment) ([]string, error) {
	switch d.TargetType {
	case TargetAll:
		return c.store.AllDeviceIDs(ctx, d.OrgID)
	case TargetDevices:
		return c.store.OrgDeviceIDs(ctx, d.OrgID, dedupe(d.TargetConfig.DeviceIDs))
	case TargetGroups:
		return c.store.GroupDeviceIDs(ctx, d.OrgID, dedupe(d.TargetConfig.GroupIDs))
	case TargetFilter:
		if c.filters == nil {
			return nil, fmt.Errorf("no filter evaluator configured")
		}
		ids, err := c.filters.Evaluate(ctx, d.TargetConfig.Filter, d.OrgID)
		if err != nil {
			return nil, fmt.Errorf("evaluate filter: %w", err)
		}
		return dedupe(ids), nil
	}
	return nil, fmt.Errorf("unknown target type %q", d.TargetType)
}

// CalculateBatches assigns 1-indexed batch numbers in input order.
func CalculateBatches(deviceIDs []string, cfg RolloutConfig) []Assignment {
	out := make([]Assignment, len(deviceIDs))
	size := len(deviceIDs)
	if cfg.Type == RolloutStaggered {
		size = cfg.BatchSize.Resolve(len(deviceIDs))
	}
	for i, id := range deviceIDs {
		batch := 1
		if size > 0 {
			batch = i/size + 1
		}
		out[i] = Assignment{DeviceID: id, BatchNumber: batch}
	}
	return out
}

// FilterEligibleDevices applies maintenance-window gating when the rollout
// respects windows. Devices whose window state cannot be read are left out.
func (c *Controller) FilterEligibleDevices(ctx context.Context, deviceIDs []string, cfg RolloutConfig) ([]string, error) {
	if !cfg.RespectMaintenanceWindows {
		return deviceIDs, nil
	}
	if c.windows == nil {
		return nil, fmt.Errorf("no maintenance window oracle configured")
	}

	eligible := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		in, err := c.windows.InWindow(ctx, id)
		if err != nil {
			c.logger.Warn("maintenance window lookup failed",
				zap.String("device_id", id), zap.Error(err))
			continue
		}
		if in == (c.cfg.Gate == GateInWindow) {
			eligible = append(eligible, id)
		}
	}
	return eligible, nil
}

// ShouldPause reports whether failures trip either configured threshold.
// Only staggered rollouts pause.
func ShouldPause(cfg RolloutConfig, failed, total int) bool {
	if cfg.Type != RolloutStaggered || failed <= 0 {
		return false
	}
	if cfg.PauseOnFailureCount > 0 && failed >= cfg.PauseOnFailureCount {
		return true
	}
	if cfg.PauseOnFailurePercent > 0 && total > 0 {
		if float64(failed)*100 >= cfg.PauseOnFailurePercent*float64(total) {
			return true
		}
	}
	return false
}

// RetryBackoff returns the delay before retry number retryCount (1-based).
// Past the end of the ladder the last step repeats.
func (c *Controller) RetryBackoff(cfg RolloutConfig, retryCount int) time.Duration {
	ladder := cfg.BackoffMinutes
	if len(ladder) == 0 {
		ladder = c.cfg.BackoffMinutes
	}
	return RetryBackoff(ladder, retryCount)
}

// RetryBackoff indexes ladder (minutes) by min(retryCount-1, len-1).
func RetryBackoff(ladder []int, retryCount int) time.Duration {
	if len(ladder) == 0 {
		ladder = DefaultBackoffMinutes
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(ladder)-1 {
		idx = len(ladder) - 1
	}
	return time.Duration(ladder[idx]) * time.Minute
}

// UpdateDeviceStatus records a device transition; the store stamps
// startedAt for running and completedAt for finished states.
func (c *Controller) UpdateDeviceStatus(ctx context.Context, deploymentID, deviceID string, status DeviceStatus, result json.RawMessage) error {
	return c.store.UpdateDeploymentDeviceStatus(ctx, deploymentID, deviceID, status, result)
}

// IncrementRetryCount schedules another attempt if the device is under its
// retry cap. It returns the backoff to wait and whether a retry was granted.
func (c *Controller) IncrementRetryCount(ctx context.Context, deploymentID, deviceID string) (time.Duration, bool, error) {
	d, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return 0, false, err
	}
	dev, retried, err := c.store.IncrementRetryCount(ctx, deploymentID, deviceID)
	if err != nil || !retried {
		return 0, false, err
	}
	return c.RetryBackoff(d.RolloutConfig, dev.RetryCount), true, nil
}

// Plan resolves targets, assigns batches and moves a pending deployment to
// running. It returns the number of devices planned.
func (c *Controller) Plan(ctx context.Context, deploymentID string) (int, error) {
	d, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return 0, err
	}
	if d.Status != StatusPending {
		return 0, fmt.Errorf("deployment %s is %s, not pending", d.ID, d.Status)
	}

	ids, err := c.ResolveTargets(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("resolve targets: %w", err)
	}

	assignments := CalculateBatches(ids, d.RolloutConfig)
	devices := make([]DeploymentDevice, len(assignments))
	for i, a := range assignments {
		devices[i] = DeploymentDevice{
			DeploymentID: d.ID,
			DeviceID:     a.DeviceID,
			BatchNumber:  a.BatchNumber,
			Status:       DevicePending,
			MaxRetries:   d.RolloutConfig.MaxRetries,
		}
	}
	if err := c.store.InsertDeploymentDevices(ctx, devices); err != nil {
		return 0, fmt.Errorf("store batches: %w", err)
	}

	next := StatusRunning
	if len(devices) == 0 {
		next = StatusCompleted
	}
	ok, err := c.store.UpdateDeploymentStatusIf(ctx, d.ID, []DeploymentStatus{StatusPending}, next)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("deployment %s changed state during planning", d.ID)
	}

	c.logger.Info("deployment planned",
		zap.String("deployment_id", d.ID),
		zap.Int("devices", len(devices)),
		zap.Int("batches", batchCount(assignments)),
	)
	return len(devices), nil
}

// Batch is the next set of devices to deliver to.
type Batch struct {
	Number    int      `json:"number"`
	DeviceIDs []string `json:"deviceIds"`
}

// NextBatch returns the lowest batch that still has pending devices, gated
// by maintenance windows. It pauses the deployment when failure thresholds
// trip and closes it once every device has finished. A nil batch means
// nothing is deliverable right now.
func (c *Controller) NextBatch(ctx context.Context, deploymentID string) (*Batch, error) {
	d, err := c.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusRunning {
		return nil, nil
	}

	devices, err := c.store.ListDeploymentDevices(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	failed, open := 0, 0
	pendingByBatch := map[int][]string{}
	for _, dev := range devices {
		switch {
		case dev.Status == DeviceFailed:
			failed++
		case !dev.Status.Finished():
			open++
		}
		if dev.Status == DevicePending {
			pendingByBatch[dev.BatchNumber] = append(pendingByBatch[dev.BatchNumber], dev.DeviceID)
		}
	}

	if ShouldPause(d.RolloutConfig, failed, len(devices)) {
		if _, err := c.store.UpdateDeploymentStatusIf(ctx, d.ID, []DeploymentStatus{StatusRunning}, StatusPaused); err != nil {
			return nil, err
		}
		c.logger.Warn("deployment paused on failures",
			zap.String("deployment_id", d.ID), zap.Int("failed", failed), zap.Int("total", len(devices)))
		return nil, nil
	}

	if open == 0 {
		final := StatusCompleted
		if failed > 0 {
			final = StatusFailed
		}
		if _, err := c.store.UpdateDeploymentStatusIf(ctx, d.ID, []DeploymentStatus{StatusRunning}, final); err != nil {
			return nil, err
		}
		return nil, nil
	}

	batches := make([]int, 0, len(pendingByBatch))
	for n := range pendingByBatch {
		batches = append(batches, n)
	}
	sort.Ints(batches)

	for _, n := range batches {
		eligible, err := c.FilterEligibleDevices(ctx, pendingByBatch[n], d.RolloutConfig)
		if err != nil {
			return nil, err
		}
		if len(eligible) > 0 {
			return &Batch{Number: n, DeviceIDs: eligible}, nil
		}
		// Staggered rollouts do not skip ahead of a gated batch.
		if d.RolloutConfig.Type == RolloutStaggered {
			break
		}
	}
	return nil, nil
}

// Pause stops batch progress of a running deployment.
func (c *Controller) Pause(ctx context.Context, deploymentID string) (bool, error) {
	return c.store.UpdateDeploymentStatusIf(ctx, deploymentID, []DeploymentStatus{StatusRunning}, StatusPaused)
}

// Resume continues a paused deployment.
func (c *Controller) Resume(ctx context.Context, deploymentID string) (bool, error) {
	return c.store.UpdateDeploymentStatusIf(ctx, deploymentID, []DeploymentStatus{StatusPaused}, StatusRunning)
}

// Cancel stops a deployment and marks every still-pending device skipped.
func (c *Controller) Cancel(ctx context.Context, deploymentID string) (bool, error) {
	ok, err := c.store.UpdateDeploymentStatusIf(ctx, deploymentID,
		[]DeploymentStatus{StatusPending, StatusRunning, StatusPaused}, StatusCancelled)
	if err != nil || !ok {
		return ok, err
	}
	skipped, err := c.store.SkipPendingDevices(ctx, deploymentID)
	if err != nil {
		return true, fmt.Errorf("skip pending devices: %w", err)
	}
	c.logger.Info("deployment cancelled",
		zap.String("deployment_id", deploymentID), zap.Int64("skipped", skipped))
	return true, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func batchCount(assignments []Assignment) int {
	if len(assignments) == 0 {
		return 0
	}
	return assignments[len(assignments)-1].BatchNumber
}
