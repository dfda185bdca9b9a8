// Package maintenance answers whether a device is inside a maintenance window.
//
// A window is a recurring interval: a standard cron expression marks each
// start and Duration bounds how long the window stays open.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Window is one recurring maintenance window.
type Window struct {
	ID        string        `json:"id" yaml:"id"`
	OrgID     string        `json:"orgId" yaml:"orgId"`
	Name      string        `json:"name" yaml:"name"`
	Schedule  string        `json:"schedule" yaml:"schedule"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Timezone  string        `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	DeviceIDs []string      `json:"deviceIds,omitempty" yaml:"deviceIds,omitempty"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
}

// Validate checks the schedule, duration and timezone.
func (w Window) Validate() error {
	if _, err := w.schedule(); err != nil {
		return err
	}
	if w.Duration <= 0 {
		return errors.New("window duration must be positive")
	}
	if _, err := w.location(); err != nil {
		return err
	}
	return nil
}

// Covers reports whether the window applies to deviceID. A window without
// device ids covers the whole org.
func (w Window) Covers(deviceID string) bool {
	if len(w.DeviceIDs) == 0 {
		return true
	}
	for _, id := range w.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// OpenAt returns the start of the occurrence containing t, if any.
func (w Window) OpenAt(t time.Time) (time.Time, bool, error) {
	sched, err := w.schedule()
	if err != nil {
		return time.Time{}, false, err
	}
	loc, err := w.location()
	if err != nil {
		return time.Time{}, false, err
	}

	// Next is strictly after its argument, so the first start after
	// t-Duration is the only candidate whose interval can contain t.
	start := sched.Next(t.In(loc).Add(-w.Duration))
	if start.IsZero() || start.After(t) {
		return time.Time{}, false, nil
	}
	return start, true, nil
}

func (w Window) schedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(w.Schedule)
	if spec == "" {
		return nil, errors.New("window schedule is required")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid window schedule %q: %w", spec, err)
	}
	return sched, nil
}

func (w Window) location() (*time.Location, error) {
	tz := strings.TrimSpace(w.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid window timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Status describes the active window for a device, if any.
type Status struct {
	Active   bool       `json:"active"`
	WindowID string     `json:"windowId,omitempty"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
}

// Store is the read side the oracle needs.
type Store interface {
	DeviceOrg(ctx context.Context, deviceID string) (string, error)
	ListWindows(ctx context.Context, orgID string) ([]Window, error)
}

// Oracle evaluates maintenance windows against the current time.
type Oracle struct {
	store Store
	now   func() time.Time
}

// NewOracle returns an oracle over store using the wall clock.
func NewOracle(store Store) *Oracle {
	return &Oracle{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	if now != nil {
		o.now = now
	}
	return o
}

// InWindow reports whether the device is inside any enabled window of its org.
func (o *Oracle) InWindow(ctx context.Context, deviceID string) (bool, error) {
	orgID, err := o.store.DeviceOrg(ctx, deviceID)
	if err != nil {
		return false, err
	}
	st, err := o.ActiveWindow(ctx, orgID, deviceID)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// ActiveWindow returns the window covering deviceID right now. Windows with a
// broken schedule are skipped rather than failing the whole lookup.
func (o *Oracle) ActiveWindow(ctx context.Context, orgID, deviceID string) (Status, error) {
	windows, err := o.store.ListWindows(ctx, orgID)
	if err != nil {
		return Status{}, fmt.Errorf("list maintenance windows: %w", err)
	}

	now := o.now()
	for _, w := range windows {
		if !w.Enabled || !w.Covers(deviceID) {
			continue
		}
		start, open, err := w.OpenAt(now)
		if err != nil || !open {
			continue
		}
		ends := start.Add(w.Duration).UTC()
		return Status{Active: true, WindowID: w.ID, EndsAt: &ends}, nil
	}
	return Status{}, nil
}
