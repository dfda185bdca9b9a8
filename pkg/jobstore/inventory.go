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

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// Patch is a catalog entry.
type Patch struct {
	ID             string
	ExternalID     string
	Source         string
	Title          string
	Category       string
	Severity       string
	RequiresReboot bool
	ReleaseDate    *time.Time
}

// Device patch states that count as outstanding work.
const (
	DevicePatchPending   = "pending"
	DevicePatchMissing   = "missing"
	DevicePatchInstalled = "installed"
	DevicePatchFailed    = "failed"
)

// UpsertDevice inserts or replaces an inventory record.
func (s *Store) UpsertDevice(ctx context.Context, d *patchjob.Device) error {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return errors.New("device id is required")
	}
	if d.Status == "" {
		d.Status = patchjob.DeviceOffline
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	tags, err := json.Marshal(nonNilStrings(d.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO devices (id, org_id, hostname, os_type, status, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   org_id = excluded.org_id,
		   hostname = excluded.hostname,
		   os_type = excluded.os_type,
		   status = excluded.status,
		   tags = excluded.tags`,
		d.ID, d.OrgID, d.Hostname, d.OSType, d.Status, string(tags), millis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// GetDevice loads a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*patchjob.Device, error) {
	row := s.queryRow(ctx,
		`SELECT id, org_id, hostname, os_type, status, tags, created_at FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns every device in an org ordered by id.
func (s *Store) ListDevices(ctx context.Context, orgID string) ([]patchjob.Device, error) {
	rows, err := s.query(ctx,
		`SELECT id, org_id, hostname, os_type, status, tags, created_at
		 FROM devices WHERE org_id = ? ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patchjob.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SetDeviceStatus records the agent-reported connectivity state.
func (s *Store) SetDeviceStatus(ctx context.Context, id, status string) error {
	res, err := s.exec(ctx, `UPDATE devices SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeviceOnline reports whether the device exists and is online.
func (s *Store) DeviceOnline(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM devices WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read device status: %w", err)
	}
	return status == patchjob.DeviceOnline, nil
}

// DeviceOrg returns the org owning a device.
func (s *Store) DeviceOrg(ctx context.Context, id string) (string, error) {
	var orgID string
	err := s.queryRow(ctx, `SELECT org_id FROM devices WHERE id = ?`, id).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read device org: %w", err)
	}
	return orgID, nil
}

// OrgDeviceIDs filters ids down to devices that belong to orgID, keeping
// input order and dropping duplicates. Unknown ids are dropped silently.
func (s *Store) OrgDeviceIDs(ctx context.Context, orgID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.query(ctx,
		`SELECT id FROM devices WHERE org_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("filter org devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	known := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(known))
	for _, id := range ids {
		if _, ok := known[id]; ok {
			out = append(out, id)
			delete(known, id)
		}
	}
	return out, nil
}

// AllDeviceIDs lists every device id in an org.
func (s *Store) AllDeviceIDs(ctx context.Context, orgID string) ([]string, error) {
	return s.stringColumn(ctx, `SELECT id FROM devices WHERE org_id = ? ORDER BY id`, orgID)
}

// CreateGroup creates a device group and returns its id.
func (s *Store) CreateGroup(ctx context.Context, orgID, name string) (string, error) {
	id := uuid.New().String()
	if _, err := s.exec(ctx, `INSERT INTO device_groups (id, org_id, name) VALUES (?, ?, ?)`, id, orgID, name); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	return id, nil
}

// AddGroupMember links a device into a group. Re-adding is a no-op.
func (s *Store) AddGroupMember(ctx context.Context, groupID, deviceID string) error {
	_, err := s.exec(ctx,
		`INSERT INTO device_group_members (group_id, device_id) VALUES (?, ?)
		 ON CONFLICT(group_id, device_id) DO NOTHING`, groupID, deviceID)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// GroupDeviceIDs returns the de-duplicated union of members across groups,
// restricted to devices and groups owned by orgID.
func (s *Store) GroupDeviceIDs(ctx context.Context, orgID string, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(groupIDs)+2)
	args = append(args, orgID, orgID)
	for _, id := range groupIDs {
		args = append(args, id)
	}
	return s.stringColumn(ctx,
		`SELECT DISTINCT m.device_id
		 FROM device_group_members m
		 JOIN devices d ON d.id = m.device_id AND d.org_id = ?
		 JOIN device_groups g ON g.id = m.group_id AND g.org_id = ?
		 WHERE m.group_id IN (`+placeholders(len(groupIDs))+`)
		 ORDER BY m.device_id`, args...)
}

// UpsertPatch inserts or replaces a catalog entry.
func (s *Store) UpsertPatch(ctx context.Context, p *Patch) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return errors.New("patch id is required")
	}
	if p.Severity == "" {
		p.Severity = "unknown"
	}
	_, err := s.exec(ctx,
		`INSERT INTO patches (id, external_id, source, title, category, severity, requires_reboot, release_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   external_id = excluded.external_id,
		   source = excluded.source,
		   title = excluded.title,
		   category = excluded.category,
		   severity = excluded.severity,
		   requires_reboot = excluded.requires_reboot,
		   release_date = excluded.release_date`,
		p.ID, p.ExternalID, p.Source, p.Title, p.Category, p.Severity, boolInt(p.RequiresReboot), nullMillis(p.ReleaseDate))
	if err != nil {
		return fmt.Errorf("upsert patch: %w", err)
	}
	return nil
}

// SetDevicePatch records a patch's state on a device and returns the row id.
func (s *Store) SetDevicePatch(ctx context.Context, deviceID, patchID, status string) (string, error) {
	var id string
	err := s.queryRow(ctx,
		`SELECT id FROM device_patches WHERE device_id = ? AND patch_id = ?`, deviceID, patchID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		_, err = s.exec(ctx,
			`INSERT INTO device_patches (id, device_id, patch_id, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id, deviceID, patchID, status, millis(s.now()))
	case err == nil:
		_, err = s.exec(ctx,
			`UPDATE device_patches SET status = ?, updated_at = ? WHERE id = ?`,
			status, millis(s.now()), id)
	}
	if err != nil {
		return "", fmt.Errorf("set device patch: %w", err)
	}
	return id, nil
}

// PendingPatches returns the device's pending or missing patches joined with
// catalog metadata, ordered by patch id.
func (s *Store) PendingPatches(ctx context.Context, deviceID string) ([]patchjob.DevicePatch, error) {
	rows, err := s.query(ctx,
		`SELECT dp.id, p.id, p.external_id, p.title, p.category, p.severity,
		        p.requires_reboot, p.release_date, dp.status
		 FROM device_patches dp
		 JOIN patches p ON p.id = dp.patch_id
		 WHERE dp.device_id = ? AND dp.status IN (?, ?)
		 ORDER BY p.id`,
		deviceID, DevicePatchPending, DevicePatchMissing)
	if err != nil {
		return nil, fmt.Errorf("list pending patches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patchjob.DevicePatch
	for rows.Next() {
		var (
			p        patchjob.DevicePatch
			reboot   int
			released sql.NullInt64
		)
		if err := rows.Scan(&p.DevicePatchID, &p.PatchID, &p.ExternalID, &p.Title, &p.Category,
			&p.Severity, &reboot, &released, &p.Status); err != nil {
			return nil, fmt.Errorf("scan pending patch: %w", err)
		}
		p.RequiresReboot = reboot != 0
		p.ReleaseDate = timePtr(released)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApprovePatch records a manual approval. A nil ringID approves org-wide.
func (s *Store) ApprovePatch(ctx context.Context, orgID, patchID string, ringID *string) error {
	_, err := s.exec(ctx,
		`INSERT INTO patch_approvals (id, org_id, patch_id, ring_id, status, approved_at)
		 VALUES (?, ?, ?, ?, 'approved', ?)`,
		uuid.New().String(), orgID, patchID, nullString(ringID), millis(s.now()))
	if err != nil {
		return fmt.Errorf("approve patch: %w", err)
	}
	return nil
}

// ManualApprovals returns approved patch_approvals rows for the given patches.
func (s *Store) ManualApprovals(ctx context.Context, orgID string, patchIDs []string) ([]patchjob.ManualApproval, error) {
	if len(patchIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(patchIDs)+1)
	args = append(args, orgID)
	for _, id := range patchIDs {
		args = append(args, id)
	}

	rows, err := s.query(ctx,
		`SELECT patch_id, ring_id, status FROM patch_approvals
		 WHERE org_id = ? AND status = 'approved' AND patch_id IN (`+placeholders(len(patchIDs))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list manual approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patchjob.ManualApproval
	for rows.Next() {
		var (
			a    patchjob.ManualApproval
			ring sql.NullString
		)
		if err := rows.Scan(&a.PatchID, &ring, &a.Status); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.RingID = stringPtr(ring)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateRing creates a patch ring and returns its id.
func (s *Store) CreateRing(ctx context.Context, orgID, name string, deferralDays int) (string, error) {
	id := uuid.New().String()
	_, err := s.exec(ctx,
		`INSERT INTO patch_rings (id, org_id, name, deferral_days) VALUES (?, ?, ?, ?)`,
		id, orgID, name, deferralDays)
	if err != nil {
		return "", fmt.Errorf("create ring: %w", err)
	}
	return id, nil
}

// RingDeferralDays returns the ring-level default deferral.
func (s *Store) RingDeferralDays(ctx context.Context, ringID string) (int, error) {
	var days int
	err := s.queryRow(ctx, `SELECT deferral_days FROM patch_rings WHERE id = ?`, ringID).Scan(&days)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ring %s: %w", ringID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read ring deferral: %w", err)
	}
	return days, nil
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanDevice(row rowScanner) (*patchjob.Device, error) {
	var (
		d       patchjob.Device
		tags    string
		created int64
	)
	if err := row.Scan(&d.ID, &d.OrgID, &d.Hostname, &d.OSType, &d.Status, &tags, &created); err != nil {
		return nil, err
	}
	d.CreatedAt = fromMillis(created)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			return nil, fmt.Errorf("parse tags: %w", err)
		}
	}
	return &d, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
