package patchjob

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a job configuration failed validation.
var ErrInvalidConfig = errors.New("invalid patch job configuration")

// Known patch severities, lowest to highest.
var Severities = []string{"unknown", "low", "moderate", "important", "critical"}

// PatchesConfig is the typed form of a job's patch selection settings.
type PatchesConfig struct {
	RingID        *string        `json:"ringId,omitempty" yaml:"ringId,omitempty"`
	CategoryRules []CategoryRule `json:"categoryRules,omitempty" yaml:"categoryRules,omitempty"`
	AutoApprove   AutoApprove    `json:"autoApprove" yaml:"autoApprove"`
}

// CategoryRule auto-approves patches of one category.
type CategoryRule struct {
	Category             string   `json:"category" yaml:"category"`
	AutoApprove          bool     `json:"autoApprove" yaml:"autoApprove"`
	SeverityFilter       []string `json:"severityFilter,omitempty" yaml:"severityFilter,omitempty"`
	DeferralDaysOverride *int     `json:"deferralDaysOverride,omitempty" yaml:"deferralDaysOverride,omitempty"`
}

// AutoApprove is the legacy ring-level auto-approve setting.
//
// It accepts either a bare boolean or an object {enabled, severities[]}.
type AutoApprove struct {
	Enabled    bool
	Severities []string
}

type autoApproveObject struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Severities []string `json:"severities,omitempty" yaml:"severities,omitempty"`
}

// UnmarshalJSON accepts true/false/null or {enabled, severities}.
func (a *AutoApprove) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		*a = AutoApprove{}
		return nil
	case bytes.Equal(trimmed, []byte("true")):
		*a = AutoApprove{Enabled: true}
		return nil
	case bytes.Equal(trimmed, []byte("false")):
		*a = AutoApprove{}
		return nil
	}

	var obj autoApproveObject
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("autoApprove must be a boolean or {enabled, severities}: %w", err)
	}
	*a = AutoApprove{Enabled: obj.Enabled, Severities: obj.Severities}
	return nil
}

// MarshalJSON writes a bare boolean unless a severity allow-list is set.
func (a AutoApprove) MarshalJSON() ([]byte, error) {
	if len(a.Severities) == 0 {
		return json.Marshal(a.Enabled)
	}
	return json.Marshal(autoApproveObject{Enabled: a.Enabled, Severities: a.Severities})
}

// UnmarshalYAML mirrors UnmarshalJSON for manifests.
func (a *AutoApprove) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if value.Tag == "!!null" {
			*a = AutoApprove{}
			return nil
		}
		var b bool
		if err := value.Decode(&b); err != nil {
			return fmt.Errorf("autoApprove must be a boolean or {enabled, severities}: %w", err)
		}
		*a = AutoApprove{Enabled: b}
		return nil
	}

	var obj autoApproveObject
	if err := value.Decode(&obj); err != nil {
		return fmt.Errorf("autoApprove must be a boolean or {enabled, severities}: %w", err)
	}
	*a = AutoApprove{Enabled: obj.Enabled, Severities: obj.Severities}
	return nil
}

// Targets is the typed form of a job's target set and deployment options.
type Targets struct {
	DeviceIDs    []string     `json:"deviceIds" yaml:"deviceIds"`
	RebootPolicy RebootPolicy `json:"rebootPolicy,omitempty" yaml:"rebootPolicy,omitempty"`
}

// Devices returns the trimmed, de-duplicated device ids in input order.
func (t Targets) Devices() []string {
	seen := make(map[string]struct{}, len(t.DeviceIDs))
	out := make([]string, 0, len(t.DeviceIDs))
	for _, id := range t.DeviceIDs {
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

// Policy returns the configured reboot policy or the default.
func (t Targets) Policy() RebootPolicy {
	if strings.TrimSpace(string(t.RebootPolicy)) == "" {
		return DefaultRebootPolicy
	}
	return t.RebootPolicy
}

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the dotted field path (e.g., "patches.categoryRules[0].category").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("patch job validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks a job at the creation boundary so the orchestration core
// can consume its configuration without re-checking optional fields.
func (j *PatchJob) Validate() error {
	var errs ValidationErrors
	add := func(path, msg string) {
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}

	if strings.TrimSpace(j.OrgID) == "" {
		add("orgId", "is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		add("name", "is required")
	}
	if j.Status != "" && !validJobStatus(j.Status) {
		add("status", fmt.Sprintf("unknown status %q", j.Status))
	}

	if j.Patches.RingID != nil && strings.TrimSpace(*j.Patches.RingID) == "" {
		add("patches.ringId", "must not be blank when set")
	}
	for i, rule := range j.Patches.CategoryRules {
		path := fmt.Sprintf("patches.categoryRules[%d]", i)
		if strings.TrimSpace(rule.Category) == "" {
			add(path+".category", "is required")
		}
		for _, sev := range rule.SeverityFilter {
			if !ValidSeverity(sev) {
				add(path+".severityFilter", fmt.Sprintf("unknown severity %q", sev))
			}
		}
		if rule.DeferralDaysOverride != nil && *rule.DeferralDaysOverride < 0 {
			add(path+".deferralDaysOverride", "must be >= 0")
		}
	}
	for _, sev := range j.Patches.AutoApprove.Severities {
		if !ValidSeverity(sev) {
			add("patches.autoApprove.severities", fmt.Sprintf("unknown severity %q", sev))
		}
	}

	switch j.Targets.RebootPolicy {
	case "", RebootNever, RebootIfRequired, RebootAlways, RebootMaintenanceWindow:
	default:
		add("targets.rebootPolicy", fmt.Sprintf("unknown reboot policy %q", j.Targets.RebootPolicy))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidSeverity reports whether sev is a known severity (case-insensitive).
func ValidSeverity(sev string) bool {
	sev = strings.ToLower(strings.TrimSpace(sev))
	for _, s := range Severities {
		if s == sev {
			return true
		}
	}
	return false
}

func validJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusScheduled, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
