// Package patchjob defines the patch rollout domain model shared by the
// orchestrator, the approval and reboot evaluators, and the job store.
package patchjob

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a PatchJob.
//
// NOTE: These values are persisted in the patch_jobs table.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further counter or status mutation is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ResultStatus is the outcome recorded for one (job, device, patch).
type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusRunning   ResultStatus = "running"
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
	ResultStatusSkipped   ResultStatus = "skipped"
)

// NoPatchID marks a device-level result row that is not tied to a patch.
var NoPatchID = uuid.Nil.String()

// Skip reasons stored in the error_message of device-level skip rows.
const (
	SkipNoApprovedPatches   = "no_approved_patches"
	SkipErrorResolving      = "error_resolving_patches"
	SkipDeviceOffline       = "device_offline"
	SkipCommandCreateFailed = "command_creation_failed"
	ErrorMessageTimedOut    = "Command timed out"
)

// RebootPolicy controls whether a device reboots after a successful install.
type RebootPolicy string

const (
	RebootNever             RebootPolicy = "never"
	RebootIfRequired        RebootPolicy = "if_required"
	RebootAlways            RebootPolicy = "always"
	RebootMaintenanceWindow RebootPolicy = "maintenance_window"

	DefaultRebootPolicy = RebootIfRequired
)

// PatchJob is one organization-wide rollout request.
//
// Invariant: DevicesTotal == DevicesCompleted + DevicesFailed + DevicesPending.
type PatchJob struct {
	ID       string        `json:"id"`
	OrgID    string        `json:"orgId"`
	PolicyID *string       `json:"policyId,omitempty"`
	Name     string        `json:"name"`
	Patches  PatchesConfig `json:"patches"`
	Targets  Targets       `json:"targets"`
	Status   JobStatus     `json:"status"`

	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	DevicesTotal     int `json:"devicesTotal"`
	DevicesCompleted int `json:"devicesCompleted"`
	DevicesFailed    int `json:"devicesFailed"`
	DevicesPending   int `json:"devicesPending"`
}

// PatchJobResult is one append-only outcome row.
type PatchJobResult struct {
	ID             string       `json:"id"`
	JobID          string       `json:"jobId"`
	DeviceID       string       `json:"deviceId"`
	PatchID        string       `json:"patchId"`
	Status         ResultStatus `json:"status"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
	ExitCode       *int         `json:"exitCode,omitempty"`
	Output         string       `json:"output,omitempty"`
	OutputRef      string       `json:"outputRef,omitempty"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
	RebootRequired bool         `json:"rebootRequired"`
}

// ApprovalReason records why a patch was approved.
type ApprovalReason string

const (
	ApprovalManual            ApprovalReason = "manual"
	ApprovalCategoryRule      ApprovalReason = "category_rule"
	ApprovalLegacyAutoApprove ApprovalReason = "legacy_auto_approve"
)

// ApprovedPatch is the evaluator output; it carries every field the executor
// needs so the patch catalog is not queried again.
type ApprovedPatch struct {
	PatchID        string         `json:"patchId"`
	DevicePatchID  string         `json:"devicePatchId"`
	ExternalID     string         `json:"externalId"`
	Title          string         `json:"title"`
	Category       string         `json:"category"`
	Severity       string         `json:"severity"`
	RequiresReboot bool           `json:"requiresReboot"`
	ApprovalReason ApprovalReason `json:"approvalReason"`
}

// RingConfig is derived from a job (and its ring) at dispatch time.
type RingConfig struct {
	RingID        *string
	CategoryRules []CategoryRule
	AutoApprove   AutoApprove
	DeferralDays  int
}

// RebootEvaluation is the reboot policy decision for one device.
type RebootEvaluation struct {
	ShouldReboot bool   `json:"shouldReboot"`
	Reason       string `json:"reason"`
	Deferred     bool   `json:"deferred"`
}

// DevicePatch is a catalog patch joined with its per-device state.
type DevicePatch struct {
	DevicePatchID  string
	PatchID        string
	ExternalID     string
	Title          string
	Category       string
	Severity       string
	RequiresReboot bool
	ReleaseDate    *time.Time
	Status         string
}

// ManualApproval is an approved patch_approvals row.
type ManualApproval struct {
	PatchID string
	RingID  *string
	Status  string
}

// Device status values reported by agents.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is an inventory record for one managed endpoint.
type Device struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Hostname  string    `json:"hostname"`
	OSType    string    `json:"osType"`
	Status    string    `json:"status"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PatchPolicy produces a scheduled PatchJob on every tick of Schedule.
type PatchPolicy struct {
	ID       string        `json:"id" yaml:"id"`
	OrgID    string        `json:"orgId" yaml:"orgId"`
	Name     string        `json:"name" yaml:"name"`
	Schedule string        `json:"schedule" yaml:"schedule"`
	Timezone string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Patches  PatchesConfig `json:"patches" yaml:"patches"`
	Targets  Targets       `json:"targets" yaml:"targets"`
	Enabled  bool          `json:"enabled" yaml:"enabled"`
}
