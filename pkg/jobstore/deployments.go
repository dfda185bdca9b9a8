package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// CreateDeployment stores a pending deployment.
func (s *Store) CreateDeployment(ctx context.Context, d *rollout.Deployment) error {
	if d == nil {
		return errors.New("deployment is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = rollout.StatusPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}
	target, err := json.Marshal(d.TargetConfig)
	if err != nil {
		return fmt.Errorf("marshal target config: %w", err)
	}
	rc, err := json.Marshal(d.RolloutConfig)
	if err != nil {
		return fmt.Errorf("marshal rollout config: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO deployments (id, org_id, name, type, payload, target_type, target_config, rollout_config, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrgID, d.Name, d.Type, payload, string(d.TargetType), string(target), string(rc),
		string(d.Status), millis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// GetDeployment loads a deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (*rollout.Deployment, error) {
	var (
		d                   rollout.Deployment
		payload, target, rc string
		targetType, status  string
		created             int64
		started, completed  sql.NullInt64
	)
	err := s.queryRow(ctx,
		`SELECT id, org_id, name, type, payload, target_type, target_config, rollout_config, status,
		        created_at, started_at, completed_at
		 FROM deployments WHERE id = ?`, id).
		Scan(&d.ID, &d.OrgID, &d.Name, &d.Type, &payload, &targetType, &target, &rc, &status,
			&created, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}

	d.Payload = json.RawMessage(payload)
	d.TargetType = rollout.TargetType(targetType)
	d.Status = rollout.DeploymentStatus(status)
	d.CreatedAt = fromMillis(created)
	d.StartedAt = timePtr(started)
	d.CompletedAt = timePtr(completed)
	if err := json.Unmarshal([]byte(target), &d.TargetConfig); err != nil {
		return nil, fmt.Errorf("parse target config: %w", err)
	}
	if err := json.Unmarshal([]byte(rc), &d.RolloutConfig); err != nil {
		return nil, fmt.Errorf("parse rollout config: %w", err)
	}
	return &d, nil
}

// UpdateDeploymentStatusIf moves a deployment to `to` only from one of the
// `from` statuses. startedAt is stamped on the first move to running and
// completedAt on any terminal status.
func (s *Store) UpdateDeploymentStatusIf(ctx context.Context, id string, from []rollout.DeploymentStatus, to rollout.DeploymentStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one expected status is required")
	}
	now := millis(s.now())

	sets := []string{"status = ?"}
	args := []any{string(to)}
	if to == rollout.StatusRunning {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if to.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx,
		`UPDATE deployments SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("update deployment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertDeploymentDevices writes planned targets in one transaction.
func (s *Store) InsertDeploymentDevices(ctx context.Context, devices []rollout.DeploymentDevice) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO deployment_devices (deployment_id, device_id, batch_number, status, retry_count, max_retries)
		 VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare deployment device insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, d := range devices {
		status := d.Status
		if status == "" {
			status = rollout.DevicePending
		}
		if _, err := stmt.ExecContext(ctx, d.DeploymentID, d.DeviceID, d.BatchNumber, string(status), d.RetryCount, d.MaxRetries); err != nil {
			return fmt.Errorf("insert deployment device: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deployment devices: %w", err)
	}
	return nil
}

// ListDeploymentDevices returns targets ordered by batch then device.
func (s *Store) ListDeploymentDevices(ctx context.Context, deploymentID string) ([]rollout.DeploymentDevice, error) {
	rows, err := s.query(ctx,
		`SELECT deployment_id, device_id, batch_number, status, retry_count, max_retries,
		        started_at, completed_at, result
		 FROM deployment_devices WHERE deployment_id = ?
		 ORDER BY batch_number, device_id`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list deployment devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rollout.DeploymentDevice
	for rows.Next() {
		d, err := scanDeploymentDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDeploymentDeviceStatus sets a device's status, stamping startedAt
// when it starts running and completedAt when it finishes.
func (s *Store) UpdateDeploymentDeviceStatus(ctx context.Context, deploymentID, deviceID string, status rollout.DeviceStatus, result json.RawMessage) error {
	now := millis(s.now())
	sets := []string{"status = ?"}
	args := []any{string(status)}
	switch {
	case status == rollout.DeviceRunning:
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	case status.Finished():
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if len(result) > 0 {
		sets = append(sets, "result = ?")
		args = append(args, string(result))
	}
	args = append(args, deploymentID, deviceID)

	res, err := s.exec(ctx,
		`UPDATE deployment_devices SET `+strings.Join(sets, ", ")+` WHERE deployment_id = ? AND device_id = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("update deployment device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment device %s/%s: %w", deploymentID, deviceID, ErrNotFound)
	}
	return nil
}

// IncrementRetryCount puts a device back to pending while it is under its
// retry cap. It reports whether a retry was granted.
func (s *Store) IncrementRetryCount(ctx context.Context, deploymentID, deviceID string) (*rollout.DeploymentDevice, bool, error) {
	res, err := s.exec(ctx,
		`UPDATE deployment_devices
		 SET retry_count = retry_count + 1, status = ?, started_at = NULL, completed_at = NULL
		 WHERE deployment_id = ? AND device_id = ? AND retry_count < max_retries`,
		string(rollout.DevicePending), deploymentID, deviceID)
	if err != nil {
		return nil, false, fmt.Errorf("increment retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	row := s.queryRow(ctx,
		`SELECT deployment_id, device_id, batch_number, status, retry_count, max_retries,
		        started_at, completed_at, result
		 FROM deployment_devices WHERE deployment_id = ? AND device_id = ?`, deploymentID, deviceID)
	d, err := scanDeploymentDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("deployment device %s/%s: %w", deploymentID, deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}
	return d, n == 1, nil
}

// SkipPendingDevices marks every pending target of a deployment skipped.
func (s *Store) SkipPendingDevices(ctx context.Context, deploymentID string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE deployment_devices SET status = ?, completed_at = ?
		 WHERE deployment_id = ? AND status = ?`,
		string(rollout.DeviceSkipped), millis(s.now()), deploymentID, string(rollout.DevicePending))
	if err != nil {
		return 0, fmt.Errorf("skip pending devices: %w", err)
	}
	return res.RowsAffected()
}

func scanDeploymentDevice(row rowScanner) (*rollout.DeploymentDevice, error) {
	var (
		d                  rollout.DeploymentDevice
		status             string
		started, completed sql.NullInt64
		result             sql.NullString
	)
	if err := row.Scan(&d.DeploymentID, &d.DeviceID, &d.BatchNumber, &status, &d.RetryCount, &d.MaxRetries,
		&started, &completed, &result); err != nil {
		return nil, err
	}
	d.Status = rollout.DeviceStatus(status)
	d.StartedAt = timePtr(started)
	d.CompletedAt = timePtr(completed)
	if result.Valid && result.String != "" {
		d.Result = json.RawMessage(result.String)
	}
	return &d, nil
}
