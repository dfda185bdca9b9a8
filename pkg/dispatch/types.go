// Package dispatch is the command channel to managed devices.
//
// A Gateway accepts a command for a device and hands back a command id that
// can be polled until the agent reports a terminal status. The default
// implementation queues commands in the job store; agents pull them over HTTP.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDeviceOffline is returned by Dispatch when the device cannot take commands.
	ErrDeviceOffline = errors.New("device offline")

	// ErrCommandNotFound is returned by Poll when the command no longer exists.
	ErrCommandNotFound = errors.New("command not found")
)

// CommandType names an agent-side handler.
type CommandType string

const (
	CommandInstallPatches CommandType = "install_patches"
	CommandScheduleReboot CommandType = "schedule_reboot"
)

// CommandStatus is the queue state of a device command.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSent      CommandStatus = "sent"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
)

// Terminal reports whether the agent has finished with the command.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Command is one queued device command.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"deviceId"`
	Type        CommandType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	SentAt      *time.Time      `json:"sentAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      *CommandResult  `json:"result,omitempty"`
}

// CommandResult is what an agent reports after running a command.
type CommandResult struct {
	Status     CommandStatus `json:"status"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"durationMs,omitempty"`
}

// Gateway is the request/poll primitive used by the orchestrator.
type Gateway interface {
	// Dispatch queues a command and returns its id. It returns
	// ErrDeviceOffline when the device cannot be reached.
	Dispatch(ctx context.Context, deviceID string, typ CommandType, payload any) (string, error)

	// Poll returns the current state of a command. Repeated polls are safe.
	Poll(ctx context.Context, commandID string) (*Command, error)
}

// InstallPatch is one entry of an install_patches payload.
type InstallPatch struct {
	ID             string `json:"id"`
	ExternalID     string `json:"externalId"`
	Title          string `json:"title"`
	Category       string `json:"category,omitempty"`
	Severity       string `json:"severity,omitempty"`
	RequiresReboot bool   `json:"requiresReboot"`
}

// InstallPayload is the install_patches command body.
type InstallPayload struct {
	Patches  []InstallPatch `json:"patches"`
	PatchIDs []string       `json:"patchIds"`
}

// RebootPayload is the schedule_reboot command body.
type RebootPayload struct {
	DelayMinutes int    `json:"delayMinutes"`
	Reason       string `json:"reason"`
	Source       string `json:"source"`
}

// InstallReport is the JSON summary an agent prints on stdout after
// install_patches. Every field is optional.
type InstallReport struct {
	Success        *bool                `json:"success,omitempty"`
	RebootRequired *bool                `json:"rebootRequired,omitempty"`
	InstalledCount int                  `json:"installedCount"`
	FailedCount    int                  `json:"failedCount"`
	Results        []InstallPatchResult `json:"results,omitempty"`
}

// InstallPatchResult is the per-patch entry of an InstallReport.
type InstallPatchResult struct {
	PatchID        string `json:"patchId,omitempty"`
	ExternalID     string `json:"externalId,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
	RebootRequired bool   `json:"rebootRequired"`
}

// ParseInstallReport decodes stdout as an InstallReport. Non-JSON output
// yields (nil, false).
func ParseInstallReport(stdout string) (*InstallReport, bool) {
	var r InstallReport
	if err := json.Unmarshal([]byte(stdout), &r); err != nil {
		return nil, false
	}
	return &r, true
}

// Find returns the entry matching patchID or externalID.
func (r *InstallReport) Find(patchID, externalID string) (InstallPatchResult, bool) {
	if r == nil {
		return InstallPatchResult{}, false
	}
	for _, res := range r.Results {
		if res.PatchID != "" && res.PatchID == patchID {
			return res, true
		}
		if res.ExternalID != "" && res.ExternalID == externalID {
			return res, true
		}
	}
	return InstallPatchResult{}, false
}

// ErrorText returns the error, falling back to message.
func (r InstallPatchResult) ErrorText() string {
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}
