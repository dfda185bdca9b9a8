package rollout

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// Filter is a saved device predicate. Conditions are glob patterns matched
// against inventory fields.
type Filter struct {
	// Match is "all" (default) or "any".
	Match      string      `json:"match,omitempty" yaml:"match,omitempty"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Condition matches one inventory field against a glob pattern.
type Condition struct {
	// Field is one of hostname, os, status, tag.
	Field   string `json:"field" yaml:"field"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Validate checks fields and pattern syntax.
func (f *Filter) Validate() error {
	switch strings.ToLower(f.Match) {
	case "", "all", "any":
	default:
		return fmt.Errorf("filter.match must be all or any, got %q", f.Match)
	}
	if len(f.Conditions) == 0 {
		return fmt.Errorf("filter requires at least one condition")
	}
	for i, c := range f.Conditions {
		switch strings.ToLower(c.Field) {
		case "hostname", "os", "status", "tag":
		default:
			return fmt.Errorf("filter.conditions[%d]: unknown field %q", i, c.Field)
		}
		if !doublestar.ValidatePattern(c.Pattern) {
			return fmt.Errorf("filter.conditions[%d]: invalid pattern %q", i, c.Pattern)
		}
	}
	return nil
}

// Matches reports whether the device satisfies the filter.
func (f *Filter) Matches(d patchjob.Device) bool {
	matchAny := strings.EqualFold(f.Match, "any")
	for _, c := range f.Conditions {
		ok := c.matches(d)
		if matchAny && ok {
			return true
		}
		if !matchAny && !ok {
			return false
		}
	}
	return !matchAny
}

func (c Condition) matches(d patchjob.Device) bool {
	pattern := strings.ToLower(c.Pattern)
	match := func(v string) bool {
		ok, err := doublestar.Match(pattern, strings.ToLower(v))
		return err == nil && ok
	}
	switch strings.ToLower(c.Field) {
	case "hostname":
		return match(d.Hostname)
	case "os":
		return match(d.OSType)
	case "status":
		return match(d.Status)
	case "tag":
		for _, t := range d.Tags {
			if match(t) {
				return true
			}
		}
	}
	return false
}

// FilterEvaluator resolves a filter to device ids within an org.
type FilterEvaluator interface {
	Evaluate(ctx context.Context, f *Filter, orgID string) ([]string, error)
}

// DeviceLister lists an org's inventory.
type DeviceLister interface {
	ListDevices(ctx context.Context, orgID string) ([]patchjob.Device, error)
}

// InventoryFilter evaluates filters against the device inventory.
type InventoryFilter struct {
	devices DeviceLister
}

// NewInventoryFilter returns a FilterEvaluator over devices.
func NewInventoryFilter(devices DeviceLister) *InventoryFilter {
	return &InventoryFilter{devices: devices}
}

// Evaluate implements FilterEvaluator.
func (e *InventoryFilter) Evaluate(ctx context.Context, f *Filter, orgID string) ([]string, error) {
	if f == nil {
		return nil, fmt.Errorf("filter is nil")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	devices, err := e.devices.ListDevices(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var ids []string
	for _, d := range devices {
		if f.Matches(d) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}
