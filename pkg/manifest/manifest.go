// Package manifest provides loading and validation of fleetpatch manifests.
//
// A manifest is a YAML or JSON file that submits one object to fleetpatch:
// a patch job, a deployment, or a cron-scheduled patch policy. The kind
// field selects which section is read.
//
// Manifests are decoded strictly: unknown fields are rejected so typos in
// optional settings do not silently fall back to defaults.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	kind: job
//	job:
//	  orgId: org-1
//	  name: March security rollup
//	  patches:
//	    autoApprove:
//	      enabled: true
//	      severities: [critical, important]
//	  targets:
//	    deviceIds: [dev-1, dev-2]
//	    rebootPolicy: maintenance_window
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// Kind selects the manifest section.
type Kind string

const (
	KindJob        Kind = "job"
	KindDeployment Kind = "deployment"
	KindPolicy     Kind = "policy"
)

// Manifest is a validated submission.
//
// Exactly one of Job, Deployment or Policy is set, matching Kind.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest format version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Kind Kind `json:"kind" yaml:"kind"`

	Job        *JobSpec        `json:"job,omitempty" yaml:"job,omitempty"`
	Deployment *DeploymentSpec `json:"deployment,omitempty" yaml:"deployment,omitempty"`
	Policy     *PolicySpec     `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// JobSpec describes a one-off patch job.
type JobSpec struct {
	OrgID    string  `json:"orgId" yaml:"orgId"`
	Name     string  `json:"name" yaml:"name"`
	PolicyID *string `json:"policyId,omitempty" yaml:"policyId,omitempty"`

	// ScheduledAt is an RFC 3339 time. Empty means now.
	ScheduledAt string `json:"scheduledAt,omitempty" yaml:"scheduledAt,omitempty"`

	Patches patchjob.PatchesConfig `json:"patches" yaml:"patches"`
	Targets patchjob.Targets       `json:"targets" yaml:"targets"`
}

// DeploymentSpec describes a staged deployment.
type DeploymentSpec struct {
	OrgID         string                `json:"orgId" yaml:"orgId"`
	Name          string                `json:"name" yaml:"name"`
	Type          string                `json:"type" yaml:"type"`
	Payload       map[string]any        `json:"payload,omitempty" yaml:"payload,omitempty"`
	TargetType    rollout.TargetType    `json:"targetType" yaml:"targetType"`
	TargetConfig  rollout.TargetConfig  `json:"targetConfig" yaml:"targetConfig"`
	RolloutConfig rollout.RolloutConfig `json:"rolloutConfig" yaml:"rolloutConfig"`
}

// PolicySpec describes a recurring patch policy.
type PolicySpec struct {
	OrgID    string                 `json:"orgId" yaml:"orgId"`
	Name     string                 `json:"name" yaml:"name"`
	Schedule string                 `json:"schedule" yaml:"schedule"`
	Timezone string                 `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Enabled  *bool                  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Patches  patchjob.PatchesConfig `json:"patches" yaml:"patches"`
	Targets  patchjob.Targets       `json:"targets" yaml:"targets"`
}

// Default values for optional fields.
const (
	// DefaultVersion is the current manifest format version.
	DefaultVersion = "1.0"

	// DefaultDeploymentType labels deployments that do not name a type.
	DefaultDeploymentType = "script"

	DefaultPolicyEnabled = true
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	if m.Kind == "" {
		switch {
		case m.Job != nil && m.Deployment == nil && m.Policy == nil:
			m.Kind = KindJob
		case m.Deployment != nil && m.Job == nil && m.Policy == nil:
			m.Kind = KindDeployment
		case m.Policy != nil && m.Job == nil && m.Deployment == nil:
			m.Kind = KindPolicy
		}
	}
	m.Kind = Kind(strings.ToLower(strings.TrimSpace(string(m.Kind))))

	if m.Job != nil && m.Job.Targets.RebootPolicy == "" {
		m.Job.Targets.RebootPolicy = patchjob.DefaultRebootPolicy
	}
	if m.Deployment != nil {
		if m.Deployment.Type == "" {
			m.Deployment.Type = DefaultDeploymentType
		}
		if m.Deployment.RolloutConfig.Type == "" {
			m.Deployment.RolloutConfig.Type = rollout.RolloutImmediate
		}
		if len(m.Deployment.RolloutConfig.BackoffMinutes) == 0 {
			m.Deployment.RolloutConfig.BackoffMinutes = append([]int(nil), rollout.DefaultBackoffMinutes...)
		}
	}
	if m.Policy != nil {
		if m.Policy.Enabled == nil {
			enabled := DefaultPolicyEnabled
			m.Policy.Enabled = &enabled
		}
		if m.Policy.Targets.RebootPolicy == "" {
			m.Policy.Targets.RebootPolicy = patchjob.DefaultRebootPolicy
		}
	}
}

// PatchJob converts the job section. now fills an empty scheduledAt.
func (s *JobSpec) PatchJob(now time.Time) (*patchjob.PatchJob, error) {
	scheduled := now
	if strings.TrimSpace(s.ScheduledAt) != "" {
		t, err := time.Parse(time.RFC3339, s.ScheduledAt)
		if err != nil {
			return nil, fmt.Errorf("invalid scheduledAt %q: %w", s.ScheduledAt, err)
		}
		scheduled = t
	}
	return &patchjob.PatchJob{
		OrgID:       s.OrgID,
		PolicyID:    s.PolicyID,
		Name:        s.Name,
		Patches:     s.Patches,
		Targets:     s.Targets,
		Status:      patchjob.JobStatusScheduled,
		ScheduledAt: scheduled,
	}, nil
}

// ToDeployment converts the deployment section.
func (s *DeploymentSpec) ToDeployment() (*rollout.Deployment, error) {
	d := &rollout.Deployment{
		OrgID:         s.OrgID,
		Name:          s.Name,
		Type:          s.Type,
		TargetType:    s.TargetType,
		TargetConfig:  s.TargetConfig,
		RolloutConfig: s.RolloutConfig,
		Status:        rollout.StatusPending,
	}
	if len(s.Payload) > 0 {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode deployment payload: %w", err)
		}
		d.Payload = raw
	}
	return d, nil
}

// PatchPolicy converts the policy section.
func (s *PolicySpec) PatchPolicy() *patchjob.PatchPolicy {
	enabled := DefaultPolicyEnabled
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return &patchjob.PatchPolicy{
		OrgID:    s.OrgID,
		Name:     s.Name,
		Schedule: s.Schedule,
		Timezone: s.Timezone,
		Patches:  s.Patches,
		Targets:  s.Targets,
		Enabled:  enabled,
	}
}
