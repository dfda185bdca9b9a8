package rollout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentStatus is the lifecycle state of a Deployment.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusRunning   DeploymentStatus = "running"
	StatusPaused    DeploymentStatus = "paused"
	StatusCompleted DeploymentStatus = "completed"
	StatusFailed    DeploymentStatus = "failed"
	StatusCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether the deployment is finished.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DeviceStatus is the state of one deployment target.
type DeviceStatus string

const (
	DevicePending   DeviceStatus = "pending"
	DeviceRunning   DeviceStatus = "running"
	DeviceCompleted DeviceStatus = "completed"
	DeviceFailed    DeviceStatus = "failed"
	DeviceSkipped   DeviceStatus = "skipped"
)

// Finished reports whether the device has reached an end state.
func (s DeviceStatus) Finished() bool {
	return s == DeviceCompleted || s == DeviceFailed || s == DeviceSkipped
}

// TargetType selects how a deployment resolves its devices.
type TargetType string

const (
	TargetAll     TargetType = "all"
	TargetDevices TargetType = "devices"
	TargetGroups  TargetType = "groups"
	TargetFilter  TargetType = "filter"
)

// TargetConfig carries the inputs for the selected TargetType.
type TargetConfig struct {
	DeviceIDs []string `json:"deviceIds,omitempty" yaml:"deviceIds,omitempty"`
	GroupIDs  []string `json:"groupIds,omitempty" yaml:"groupIds,omitempty"`
	Filter    *Filter  `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// RolloutType selects immediate or staggered delivery.
type RolloutType string

const (
	RolloutImmediate RolloutType = "immediate"
	RolloutStaggered RolloutType = "staggered"
)

// DefaultBackoffMinutes is the retry ladder used when none is configured.
var DefaultBackoffMinutes = []int{5, 15, 60}

// BatchSize is either an absolute device count or a percentage of the
// target set. It decodes from a number (3) or a percent string ("10%").
type BatchSize struct {
	Count   int
	Percent float64
}

// ParseBatchSize parses "3" or "10%".
func ParseBatchSize(s string) (BatchSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return BatchSize{}, nil
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return BatchSize{}, fmt.Errorf("invalid batch percentage %q: %w", s, err)
		}
		if pct <= 0 || pct > 100 {
			return BatchSize{}, fmt.Errorf("batch percentage %q out of range", s)
		}
		return BatchSize{Percent: pct}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return BatchSize{}, fmt.Errorf("invalid batch size %q: %w", s, err)
	}
	if n <= 0 {
		return BatchSize{}, fmt.Errorf("batch size %q must be positive", s)
	}
	return BatchSize{Count: n}, nil
}

// Resolve returns the concrete batch size for total devices, never below 1.
func (b BatchSize) Resolve(total int) int {
	size := b.Count
	if b.Percent > 0 {
		size = int(math.Ceil(float64(total) * b.Percent / 100))
	}
	if size < 1 {
		size = 1
	}
	return size
}

func (b BatchSize) String() string {
	if b.Percent > 0 {
		return strconv.FormatFloat(b.Percent, 'f', -1, 64) + "%"
	}
	return strconv.Itoa(b.Count)
}

// MarshalJSON writes a number for counts and a string for percentages.
func (b BatchSize) MarshalJSON() ([]byte, error) {
	if b.Percent > 0 {
		return json.Marshal(b.String())
	}
	return json.Marshal(b.Count)
}

// UnmarshalJSON accepts a number or a "N%" string.
func (b *BatchSize) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = BatchSize{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseBatchSize(s)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("batchSize must be a count or a percentage string: %w", err)
	}
	*b = BatchSize{Count: n}
	return nil
}

// UnmarshalYAML accepts a number or a "N%" string.
func (b *BatchSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("batchSize must be a scalar")
	}
	parsed, err := ParseBatchSize(value.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// RolloutConfig controls batching, retries and gating.
type RolloutConfig struct {
	Type                      RolloutType `json:"type" yaml:"type"`
	BatchSize                 BatchSize   `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	BatchDelayMinutes         int         `json:"batchDelayMinutes,omitempty" yaml:"batchDelayMinutes,omitempty"`
	MaxRetries                int         `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	BackoffMinutes            []int       `json:"backoffMinutes,omitempty" yaml:"backoffMinutes,omitempty"`
	PauseOnFailureCount       int         `json:"pauseOnFailureCount,omitempty" yaml:"pauseOnFailureCount,omitempty"`
	PauseOnFailurePercent     float64     `json:"pauseOnFailurePercent,omitempty" yaml:"pauseOnFailurePercent,omitempty"`
	RespectMaintenanceWindows bool        `json:"respectMaintenanceWindows,omitempty" yaml:"respectMaintenanceWindows,omitempty"`
}

// Deployment is a software or configuration rollout to a set of devices.
type Deployment struct {
	ID            string           `json:"id" yaml:"id,omitempty"`
	OrgID         string           `json:"orgId" yaml:"orgId"`
	Name          string           `json:"name" yaml:"name"`
	Type          string           `json:"type" yaml:"type"`
	Payload       json.RawMessage  `json:"payload,omitempty" yaml:"-"`
	TargetType    TargetType       `json:"targetType" yaml:"targetType"`
	TargetConfig  TargetConfig     `json:"targetConfig" yaml:"targetConfig"`
	RolloutConfig RolloutConfig    `json:"rolloutConfig" yaml:"rolloutConfig"`
	Status        DeploymentStatus `json:"status" yaml:"-"`
	CreatedAt     time.Time        `json:"createdAt" yaml:"-"`
	StartedAt     *time.Time       `json:"startedAt,omitempty" yaml:"-"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty" yaml:"-"`
}

// Validate checks a deployment at the submission boundary.
func (d *Deployment) Validate() error {
	var problems []string
	if strings.TrimSpace(d.OrgID) == "" {
		problems = append(problems, "orgId is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	switch d.TargetType {
	case TargetAll:
	case TargetDevices:
		if len(d.TargetConfig.DeviceIDs) == 0 {
			problems = append(problems, "targetConfig.deviceIds is required for devices targets")
		}
	case TargetGroups:
		if len(d.TargetConfig.GroupIDs) == 0 {
			problems = append(problems, "targetConfig.groupIds is required for groups targets")
		}
	case TargetFilter:
		if d.TargetConfig.Filter == nil {
			problems = append(problems, "targetConfig.filter is required for filter targets")
		} else if err := d.TargetConfig.Filter.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown targetType %q", d.TargetType))
	}
	switch d.RolloutConfig.Type {
	case "", RolloutImmediate:
	case RolloutStaggered:
		if d.RolloutConfig.BatchSize == (BatchSize{}) {
			problems = append(problems, "rolloutConfig.batchSize is required for staggered rollouts")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown rollout type %q", d.RolloutConfig.Type))
	}
	if d.RolloutConfig.MaxRetries < 0 {
		problems = append(problems, "rolloutConfig.maxRetries must be >= 0")
	}
	for _, m := range d.RolloutConfig.BackoffMinutes {
		if m < 0 {
			problems = append(problems, "rolloutConfig.backoffMinutes must be >= 0")
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid deployment: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DeploymentDevice is one target of a deployment.
type DeploymentDevice struct {
	DeploymentID string          `json:"deploymentId"`
	DeviceID     string          `json:"deviceId"`
	BatchNumber  int             `json:"batchNumber"`
	Status       DeviceStatus    `json:"status"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Assignment pairs a device with its 1-indexed batch number.
type Assignment struct {
	DeviceID    string
	BatchNumber int
}
