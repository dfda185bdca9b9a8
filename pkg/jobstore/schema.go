package jobstore

import (
	"context"
	"fmt"
)

const SchemaVersion = 3

// Migrate creates (or upgrades) the schema in-place.
//
// The DDL is shared between SQLite and PostgreSQL: ids are TEXT, timestamps
// are BIGINT unix milliseconds, booleans are INTEGER 0/1, and structured
// configuration is stored as JSON text.
func (s *Store) Migrate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS patch_jobs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			policy_id TEXT,
			name TEXT NOT NULL,
			-- patches_config holds ring id, category rules and legacy auto-approve.
			patches_config TEXT NOT NULL,
			-- targets holds device ids and deployment options (reboot policy).
			targets TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			devices_total INTEGER NOT NULL DEFAULT 0,
			devices_completed INTEGER NOT NULL DEFAULT 0,
			devices_failed INTEGER NOT NULL DEFAULT 0,
			devices_pending INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_jobs_org ON patch_jobs(org_id);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_jobs_status ON patch_jobs(status);`,

		`CREATE TABLE IF NOT EXISTS patch_job_results (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			patch_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			exit_code INTEGER,
			output TEXT,
			output_ref TEXT,
			error_message TEXT,
			reboot_required INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(job_id) REFERENCES patch_jobs(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_job_results_job ON patch_job_results(job_id, device_id);`,

		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			os_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'offline',
			-- tags is a JSON array of strings.
			tags TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_devices_org ON devices(org_id);`,

		`CREATE TABLE IF NOT EXISTS device_groups (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_group_members (
			group_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			PRIMARY KEY(group_id, device_id)
		);`,

		`CREATE TABLE IF NOT EXISTS patches (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL DEFAULT 'unknown',
			requires_reboot INTEGER NOT NULL DEFAULT 0,
			release_date BIGINT
		);`,
		`CREATE TABLE IF NOT EXISTS device_patches (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			patch_id TEXT NOT NULL,
			-- status is one of pending, missing, installed, failed.
			status TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_patches_device ON device_patches(device_id, status);`,

		`CREATE TABLE IF NOT EXISTS patch_rings (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			deferral_days INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS patch_approvals (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			patch_id TEXT NOT NULL,
			-- ring_id NULL means an org-wide approval.
			ring_id TEXT,
			status TEXT NOT NULL,
			approved_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_patch_approvals_org ON patch_approvals(org_id, patch_id);`,

		`CREATE TABLE IF NOT EXISTS device_commands (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			-- status is one of pending, sent, completed, failed.
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			sent_at BIGINT,
			completed_at BIGINT,
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			error TEXT,
			duration_ms BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_commands_device ON device_commands(device_id, status);`,

		`CREATE TABLE IF NOT EXISTS maintenance_windows (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			-- schedule is a 5-field cron expression marking each window start.
			schedule TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			-- device_ids is a JSON array; empty means every device in the org.
			device_ids TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_maintenance_windows_org ON maintenance_windows(org_id);`,

		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			target_type TEXT NOT NULL,
			target_config TEXT NOT NULL,
			rollout_config TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT
		);`,
		`CREATE TABLE IF NOT EXISTS deployment_devices (
			deployment_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			batch_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			started_at BIGINT,
			completed_at BIGINT,
			result TEXT,
			PRIMARY KEY(deployment_id, device_id),
			FOREIGN KEY(deployment_id) REFERENCES deployments(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_devices_batch ON deployment_devices(deployment_id, batch_number);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: cron-scheduled patch policies.
	if current < 2 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS patch_policies (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				name TEXT NOT NULL,
				schedule TEXT NOT NULL,
				timezone TEXT NOT NULL DEFAULT 'UTC',
				patches_config TEXT NOT NULL,
				targets TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1
			);`,
			`CREATE INDEX IF NOT EXISTS idx_patch_policies_org ON patch_policies(org_id);`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	// v3: one claim row per device unit and one result row per patch.
	if current < 3 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS patch_job_units (
				job_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				-- command_id is set once the install command is dispatched.
				command_id TEXT,
				claimed_at BIGINT NOT NULL,
				PRIMARY KEY(job_id, device_id),
				FOREIGN KEY(job_id) REFERENCES patch_jobs(id)
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_patch_job_results_unit
				ON patch_job_results(job_id, device_id, patch_id);`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE schema_meta SET schema_version=? WHERE id=1`), SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
