package schedstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the scheduler schema in-place.
//
// The schema encodes the durable invariants directly:
// - one run per job (unique job_id on job_runs)
// - at most one retry per failed job (unique retry_of)
// - at most one active direct reservation (partial unique index)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
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

		`CREATE TABLE IF NOT EXISTS job_templates (
			template_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			job_type TEXT NOT NULL,
			default_params TEXT NOT NULL DEFAULT '{}',
			archived_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_templates_name ON job_templates(name);`,

		`CREATE TABLE IF NOT EXISTS schedules (
			schedule_id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			enabled INTEGER NOT NULL DEFAULT 1,
			param_overrides TEXT NOT NULL DEFAULT '{}',
			last_triggered_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY(template_id) REFERENCES job_templates(template_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);`,

		`CREATE TABLE IF NOT EXISTS job_groups (
			group_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL CHECK (mode IN ('sequential', 'parallel')),
			created_at TIMESTAMP NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			-- template_id/schedule_id/group_id are soft references: the
			-- referenced row may be archived or deleted without cascading.
			template_id TEXT,
			schedule_id TEXT,
			group_id TEXT,
			job_type TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'cancelled')),
			priority INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL,
			-- resource_tag is reserved for a future per-pool concurrency
			-- limiter; the dispatcher ignores it today.
			resource_tag TEXT NOT NULL DEFAULT '',
			retry_of TEXT REFERENCES jobs(job_id),
			created_at TIMESTAMP NOT NULL,
			queued_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(priority DESC, position ASC, created_at ASC);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_group ON jobs(group_id, position);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_retry_of ON jobs(retry_of) WHERE retry_of IS NOT NULL;`,

		`CREATE TABLE IF NOT EXISTS job_runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			template_id TEXT,
			params TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'skipped')),
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			exit_code INTEGER,
			error TEXT,
			artifacts TEXT NOT NULL DEFAULT '[]',
			log_path TEXT NOT NULL DEFAULT '',
			webhook_sent INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_status ON job_runs(status);`,

		`CREATE TABLE IF NOT EXISTS direct_reservations (
			reservation_id TEXT PRIMARY KEY,
			reserved_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK (status IN ('active', 'released', 'expired')),
			reserved_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			released_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_direct_reservations_active
			ON direct_reservations(status) WHERE status = 'active';`,
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

	// v2: add webhook_sent bookkeeping to job_runs.
	if current > 0 && current < 2 {
		alters := []string{
			`ALTER TABLE job_runs ADD COLUMN webhook_sent INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
