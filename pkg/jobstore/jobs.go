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

const jobColumns = `id, org_id, policy_id, name, patches_config, targets, status,
	scheduled_at, started_at, completed_at,
	devices_total, devices_completed, devices_failed, devices_pending`

// JobUpdate carries the columns written by a conditional status transition.
type JobUpdate struct {
	Status      patchjob.JobStatus
	StartedAt   *time.Time
	CompletedAt *time.Time

	// DevicesTotal, when set, reseeds the counters with every device pending.
	DevicesTotal *int
}

// CreateJob inserts a job. Empty id, status and scheduledAt are defaulted.
func (s *Store) CreateJob(ctx context.Context, job *patchjob.PatchJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = patchjob.JobStatusScheduled
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = s.now()
	}

	patches, err := json.Marshal(job.Patches)
	if err != nil {
		return fmt.Errorf("marshal patches config: %w", err)
	}
	targets, err := json.Marshal(job.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO patch_jobs
		 (id, org_id, policy_id, name, patches_config, targets, status,
		  scheduled_at, started_at, completed_at,
		  devices_total, devices_completed, devices_failed, devices_pending, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, nullString(job.PolicyID), job.Name, string(patches), string(targets), string(job.Status),
		millis(job.ScheduledAt), nullMillis(job.StartedAt), nullMillis(job.CompletedAt),
		job.DevicesTotal, job.DevicesCompleted, job.DevicesFailed, job.DevicesPending, millis(s.now()))
	if err != nil {
		return fmt.Errorf("create patch job: %w", err)
	}
	return nil
}

// GetJob loads a job by id. Returns ErrNotFound if absent.
func (s *Store) GetJob(ctx context.Context, id string) (*patchjob.PatchJob, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM patch_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patch job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs newest first. An empty orgID lists every org.
func (s *Store) ListJobs(ctx context.Context, orgID string, limit int) ([]patchjob.PatchJob, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + jobColumns + ` FROM patch_jobs`
	args := []any{}
	if strings.TrimSpace(orgID) != "" {
		q += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	q += ` ORDER BY scheduled_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list patch jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []patchjob.PatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListJobsByStatus lists jobs in status, oldest scheduled first.
func (s *Store) ListJobsByStatus(ctx context.Context, status patchjob.JobStatus, limit int) ([]patchjob.PatchJob, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.query(ctx,
		`SELECT `+jobColumns+` FROM patch_jobs WHERE status = ? ORDER BY scheduled_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s patch jobs: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []patchjob.PatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJobIf applies upd only while the job is still in expected status and
// returns the number of rows affected. It is the compare-and-swap primitive
// for status transitions: among concurrent callers exactly one sees 1.
func (s *Store) UpdateJobIf(ctx context.Context, id string, expected patchjob.JobStatus, upd JobUpdate) (int64, error) {
	if upd.Status == "" {
		return 0, errors.New("update status is required")
	}

	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, millis(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, millis(*upd.CompletedAt))
	}
	if upd.DevicesTotal != nil {
		if *upd.DevicesTotal < 0 {
			return 0, errors.New("device total must be >= 0")
		}
		sets = append(sets, "devices_total = ?", "devices_pending = ?", "devices_completed = 0", "devices_failed = 0")
		args = append(args, *upd.DevicesTotal, *upd.DevicesTotal)
	}
	args = append(args, id, string(expected))

	res, err := s.exec(ctx,
		`UPDATE patch_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("conditional job update: %w", err)
	}
	return res.RowsAffected()
}

// RecordDeviceOutcome moves one device out of pending using relative
// arithmetic. The update is a no-op once the job is terminal or has no
// pending devices left, so late units cannot break the counter invariant.
func (s *Store) RecordDeviceOutcome(ctx context.Context, id string, failed bool) (int64, error) {
	column := "devices_completed"
	if failed {
		column = "devices_failed"
	}
	res, err := s.exec(ctx,
		`UPDATE patch_jobs
		 SET `+column+` = `+column+` + 1, devices_pending = devices_pending - 1
		 WHERE id = ? AND status = ? AND devices_pending > 0`,
		id, string(patchjob.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("record device outcome: %w", err)
	}
	return res.RowsAffected()
}

// ForceFailPending closes a running job as failed, moving every pending
// device into failed in one arithmetic update.
func (s *Store) ForceFailPending(ctx context.Context, id string, at time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE patch_jobs
		 SET status = ?, devices_failed = devices_failed + devices_pending, devices_pending = 0, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(patchjob.JobStatusFailed), millis(at), id, string(patchjob.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("force-fail pending devices: %w", err)
	}
	return res.RowsAffected()
}

// CancelJob marks a scheduled or running job cancelled. It reports whether
// this call performed the transition.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE patch_jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(patchjob.JobStatusCancelled), millis(s.now()), id,
		string(patchjob.JobStatusScheduled), string(patchjob.JobStatusRunning))
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertResults records the result rows of one device unit in a single
// transaction. Rows are unique per (job, device, patch); it reports false,
// writing nothing, when the unit's rows were already recorded.
func (s *Store) InsertResults(ctx context.Context, results []patchjob.PatchJobResult) (bool, error) {
	if len(results) == 0 {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO patch_job_results
		 (id, job_id, device_id, patch_id, status, started_at, completed_at,
		  exit_code, output, output_ref, error_message, reboot_required)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, device_id, patch_id) DO NOTHING`))
	if err != nil {
		return false, fmt.Errorf("prepare result insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var inserted int64
	for i := range results {
		r := &results[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		var exitCode sql.NullInt64
		if r.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
		}
		res, err := stmt.ExecContext(ctx,
			r.ID, r.JobID, r.DeviceID, r.PatchID, string(r.Status),
			nullMillis(r.StartedAt), nullMillis(r.CompletedAt),
			exitCode, r.Output, r.OutputRef, r.ErrorMessage, boolInt(r.RebootRequired))
		if err != nil {
			return false, fmt.Errorf("insert result: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert result: %w", err)
		}
		inserted += n
	}
	if inserted == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit results: %w", err)
	}
	return true, nil
}

// ListResults returns every result row for a job ordered by device then patch.
func (s *Store) ListResults(ctx context.Context, jobID string) ([]patchjob.PatchJobResult, error) {
	rows, err := s.query(ctx,
		`SELECT id, job_id, device_id, patch_id, status, started_at, completed_at,
		        exit_code, output, output_ref, error_message, reboot_required
		 FROM patch_job_results
		 WHERE job_id = ?
		 ORDER BY device_id, patch_id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []patchjob.PatchJobResult
	for rows.Next() {
		var (
			r                      patchjob.PatchJobResult
			status                 string
			startedAt, completedAt sql.NullInt64
			exitCode               sql.NullInt64
			output, ref, errMsg    sql.NullString
			reboot                 int
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.DeviceID, &r.PatchID, &status,
			&startedAt, &completedAt, &exitCode, &output, &ref, &errMsg, &reboot); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = patchjob.ResultStatus(status)
		r.StartedAt = timePtr(startedAt)
		r.CompletedAt = timePtr(completedAt)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		r.Output = output.String
		r.OutputRef = ref.String
		r.ErrorMessage = errMsg.String
		r.RebootRequired = reboot != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimDeviceUnit takes ownership of the (job, device) unit. Among
// concurrent or redelivered callers exactly one sees true.
func (s *Store) ClaimDeviceUnit(ctx context.Context, jobID, deviceID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO patch_job_units (job_id, device_id, claimed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(job_id, device_id) DO NOTHING`,
		jobID, deviceID, millis(s.now()))
	if err != nil {
		return false, fmt.Errorf("claim device unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim device unit: %w", err)
	}
	return n == 1, nil
}

// SetUnitCommand stores the install command dispatched for a claimed unit.
func (s *Store) SetUnitCommand(ctx context.Context, jobID, deviceID, commandID string) error {
	res, err := s.exec(ctx,
		`UPDATE patch_job_units SET command_id = ? WHERE job_id = ? AND device_id = ?`,
		commandID, jobID, deviceID)
	if err != nil {
		return fmt.Errorf("set unit command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set unit command: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("device unit %s/%s: %w", jobID, deviceID, ErrNotFound)
	}
	return nil
}

// ReleaseDeviceUnit drops a claim that has not dispatched a command, so a
// retry of the unit can claim it again.
func (s *Store) ReleaseDeviceUnit(ctx context.Context, jobID, deviceID string) error {
	_, err := s.exec(ctx,
		`DELETE FROM patch_job_units WHERE job_id = ? AND device_id = ? AND command_id IS NULL`,
		jobID, deviceID)
	if err != nil {
		return fmt.Errorf("release device unit: %w", err)
	}
	return nil
}

// UnitCommand returns the command recorded for a unit, or "" when the unit
// is claimed but not yet dispatched. Returns ErrNotFound if unclaimed.
func (s *Store) UnitCommand(ctx context.Context, jobID, deviceID string) (string, error) {
	var commandID sql.NullString
	err := s.queryRow(ctx,
		`SELECT command_id FROM patch_job_units WHERE job_id = ? AND device_id = ?`,
		jobID, deviceID).Scan(&commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("device unit %s/%s: %w", jobID, deviceID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get unit command: %w", err)
	}
	return commandID.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*patchjob.PatchJob, error) {
	var (
		job                    patchjob.PatchJob
		policyID               sql.NullString
		patches, targets       string
		status                 string
		scheduledAt            int64
		startedAt, completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.OrgID, &policyID, &job.Name, &patches, &targets, &status,
		&scheduledAt, &startedAt, &completedAt,
		&job.DevicesTotal, &job.DevicesCompleted, &job.DevicesFailed, &job.DevicesPending); err != nil {
		return nil, err
	}

	job.PolicyID = stringPtr(policyID)
	job.Status = patchjob.JobStatus(status)
	job.ScheduledAt = fromMillis(scheduledAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(patches), &job.Patches); err != nil {
		return nil, fmt.Errorf("parse patches_config: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &job.Targets); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	return &job, nil
}
