package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
)

const commandColumns = `id, device_id, type, payload, status, created_at, sent_at, completed_at,
	exit_code, stdout, stderr, error, duration_ms`

// CreateCommand queues a device command.
func (s *Store) CreateCommand(ctx context.Context, cmd *dispatch.Command) error {
	if cmd == nil {
		return errors.New("command is nil")
	}
	if cmd.Status == "" {
		cmd.Status = dispatch.StatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now()
	}
	payload := string(cmd.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.exec(ctx,
		`INSERT INTO device_commands (id, device_id, type, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.DeviceID, string(cmd.Type), payload, string(cmd.Status), millis(cmd.CreatedAt))
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

// GetCommand loads a command and any reported result.
func (s *Store) GetCommand(ctx context.Context, id string) (*dispatch.Command, error) {
	row := s.queryRow(ctx, `SELECT `+commandColumns+` FROM device_commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w: %w", id, ErrNotFound, dispatch.ErrCommandNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ClaimPendingCommands returns a device's pending commands oldest first and
// marks them sent.
func (s *Store) ClaimPendingCommands(ctx context.Context, deviceID string, limit int) ([]dispatch.Command, error) {
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.rebind(
		`SELECT `+commandColumns+` FROM device_commands
		 WHERE device_id = ? AND status = ?
		 ORDER BY created_at, id LIMIT ?`),
		deviceID, string(dispatch.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}

	var cmds []dispatch.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, *cmd)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	now := s.now()
	for i := range cmds {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE device_commands SET status = ?, sent_at = ? WHERE id = ? AND status = ?`),
			string(dispatch.StatusSent), millis(now), cmds[i].ID, string(dispatch.StatusPending)); err != nil {
			return nil, fmt.Errorf("mark command sent: %w", err)
		}
		cmds[i].Status = dispatch.StatusSent
		sent := now
		cmds[i].SentAt = &sent
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return cmds, nil
}

// CompleteCommand stores an agent-reported result. A command that already
// reached a terminal status is left unchanged and reported as not found.
func (s *Store) CompleteCommand(ctx context.Context, id string, result dispatch.CommandResult) error {
	status := result.Status
	if !status.Terminal() {
		status = dispatch.StatusCompleted
		if result.Error != "" || (result.ExitCode != nil && *result.ExitCode != 0) {
			status = dispatch.StatusFailed
		}
	}
	var exitCode sql.NullInt64
	if result.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*result.ExitCode), Valid: true}
	}

	res, err := s.exec(ctx,
		`UPDATE device_commands
		 SET status = ?, completed_at = ?, exit_code = ?, stdout = ?, stderr = ?, error = ?, duration_ms = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), millis(s.now()), exitCode, result.Stdout, result.Stderr, result.Error, result.DurationMs,
		id, string(dispatch.StatusPending), string(dispatch.StatusSent))
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open command %s: %w: %w", id, ErrNotFound, dispatch.ErrCommandNotFound)
	}
	return nil
}

func scanCommand(row rowScanner) (*dispatch.Command, error) {
	var (
		cmd                    dispatch.Command
		typ, status, payload   string
		created                int64
		sentAt, completedAt    sql.NullInt64
		exitCode, durationMs   sql.NullInt64
		stdout, stderr, errMsg sql.NullString
	)
	if err := row.Scan(&cmd.ID, &cmd.DeviceID, &typ, &payload, &status, &created, &sentAt, &completedAt,
		&exitCode, &stdout, &stderr, &errMsg, &durationMs); err != nil {
		return nil, err
	}
	cmd.Type = dispatch.CommandType(typ)
	cmd.Status = dispatch.CommandStatus(status)
	cmd.Payload = []byte(payload)
	cmd.CreatedAt = fromMillis(created)
	cmd.SentAt = timePtr(sentAt)
	cmd.CompletedAt = timePtr(completedAt)

	if cmd.Status.Terminal() {
		result := &dispatch.CommandResult{
			Status:     cmd.Status,
			Stdout:     stdout.String,
			Stderr:     stderr.String,
			Error:      errMsg.String,
			DurationMs: durationMs.Int64,
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			result.ExitCode = &code
		}
		cmd.Result = result
	}
	return &cmd, nil
}
