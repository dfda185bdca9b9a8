package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/fleetpatch/pkg/maintenance"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// CreateWindow stores a maintenance window after validating its schedule.
func (s *Store) CreateWindow(ctx context.Context, w *maintenance.Window) error {
	if w == nil {
		return errors.New("window is nil")
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(w.ID) == "" {
		w.ID = uuid.New().String()
	}
	tz := w.Timezone
	if tz == "" {
		tz = "UTC"
	}
	devices, err := json.Marshal(nonNilStrings(w.DeviceIDs))
	if err != nil {
		return fmt.Errorf("marshal window devices: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO maintenance_windows (id, org_id, name, schedule, duration_minutes, timezone, device_ids, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OrgID, w.Name, w.Schedule, int(w.Duration/time.Minute), tz, string(devices), boolInt(w.Enabled))
	if err != nil {
		return fmt.Errorf("create maintenance window: %w", err)
	}
	return nil
}

// ListWindows returns every window of an org.
func (s *Store) ListWindows(ctx context.Context, orgID string) ([]maintenance.Window, error) {
	rows, err := s.query(ctx,
		`SELECT id, org_id, name, schedule, duration_minutes, timezone, device_ids, enabled
		 FROM maintenance_windows WHERE org_id = ? ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []maintenance.Window
	for rows.Next() {
		var (
			w       maintenance.Window
			minutes int
			devices string
			enabled int
		)
		if err := rows.Scan(&w.ID, &w.OrgID, &w.Name, &w.Schedule, &minutes, &w.Timezone, &devices, &enabled); err != nil {
			return nil, fmt.Errorf("scan maintenance window: %w", err)
		}
		w.Duration = time.Duration(minutes) * time.Minute
		w.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(devices), &w.DeviceIDs); err != nil {
			return nil, fmt.Errorf("parse window devices: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreatePolicy stores a cron-scheduled patch policy.
func (s *Store) CreatePolicy(ctx context.Context, p *patchjob.PatchPolicy) error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if strings.TrimSpace(p.ID) == "" {
		p.ID = uuid.New().String()
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	patches, err := json.Marshal(p.Patches)
	if err != nil {
		return fmt.Errorf("marshal policy patches: %w", err)
	}
	targets, err := json.Marshal(p.Targets)
	if err != nil {
		return fmt.Errorf("marshal policy targets: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO patch_policies (id, org_id, name, schedule, timezone, patches_config, targets, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.Schedule, tz, string(patches), string(targets), boolInt(p.Enabled))
	if err != nil {
		return fmt.Errorf("create patch policy: %w", err)
	}
	return nil
}

// GetPolicy loads a policy by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*patchjob.PatchPolicy, error) {
	row := s.queryRow(ctx,
		`SELECT id, org_id, name, schedule, timezone, patches_config, targets, enabled
		 FROM patch_policies WHERE id = ?`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patch policy: %w", err)
	}
	return p, nil
}

// ListEnabledPolicies returns every enabled policy across orgs.
func (s *Store) ListEnabledPolicies(ctx context.Context) ([]patchjob.PatchPolicy, error) {
	rows, err := s.query(ctx,
		`SELECT id, org_id, name, schedule, timezone, patches_config, targets, enabled
		 FROM patch_policies WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list patch policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patchjob.PatchPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (*patchjob.PatchPolicy, error) {
	var (
		p                patchjob.PatchPolicy
		patches, targets string
		enabled          int
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Schedule, &p.Timezone, &patches, &targets, &enabled); err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(patches), &p.Patches); err != nil {
		return nil, fmt.Errorf("parse policy patches: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &p.Targets); err != nil {
		return nil, fmt.Errorf("parse policy targets: %w", err)
	}
	return &p, nil
}
