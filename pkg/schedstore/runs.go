package schedstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const runColumns = `run_id, job_id, template_id, params, status, started_at,
	finished_at, exit_code, error, artifacts, log_path, webhook_sent`

// RunOutcome carries the terminal fields written when a run finalizes.
type RunOutcome struct {
	Status    RunStatus
	ExitCode  *int
	Error     string
	Artifacts []string
	LogPath   string
}

// InsertRun records a new run. Normal dispatch inserts runs inside the
// claim transaction (ClaimAndStartRun); this entry point serves the direct
// execution path and crash recovery.
func (s *Store) InsertRun(ctx context.Context, run *JobRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRunTx(ctx, tx, run); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run insert: %w", err)
	}
	return nil
}

func insertRunTx(ctx context.Context, tx *sql.Tx, run *JobRun) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.RunID == "" {
		run.RunID = newID("run")
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Params == "" {
		run.Params = "{}"
	}

	artifacts, err := encodeArtifacts(run.Artifacts)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_runs
		 (run_id, job_id, template_id, params, status, started_at,
		  finished_at, exit_code, error, artifacts, log_path, webhook_sent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.JobID, nullString(run.TemplateID), run.Params,
		string(run.Status), run.StartedAt, run.FinishedAt, run.ExitCode,
		nullString(run.Error), artifacts, run.LogPath, boolToInt(run.WebhookSent))
	if err != nil {
		return fmt.Errorf("insert job_run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetRunByJob retrieves the single run for a job, or ErrNotFound if the
// job has never executed.
func (s *Store) GetRunByJob(ctx context.Context, jobID string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE job_id = ?`, jobID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no run for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run by job: %w", err)
	}
	return run, nil
}

// FinalizeRun transitions a running run into a terminal state and sets the
// job's finished_at in the same transaction. Terminal status is write-once:
// finalizing an already terminal run returns ErrRunFinalized and changes
// nothing.
func (s *Store) FinalizeRun(ctx context.Context, runID string, outcome RunOutcome) (*JobRun, error) {
	if !outcome.Status.Terminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %q", outcome.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run for finalize: %w", err)
	}
	if run.Status.Terminal() {
		return run, ErrRunFinalized
	}

	now := time.Now().UTC()
	run.Status = outcome.Status
	run.FinishedAt = &now
	run.ExitCode = outcome.ExitCode
	run.Error = outcome.Error
	run.Artifacts = append(run.Artifacts, outcome.Artifacts...)
	if outcome.LogPath != "" {
		run.LogPath = outcome.LogPath
	}

	artifacts, err := encodeArtifacts(run.Artifacts)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE job_runs
		 SET status = ?, finished_at = ?, exit_code = ?, error = ?,
		     artifacts = ?, log_path = ?
		 WHERE run_id = ? AND status = 'running'`,
		string(run.Status), now, run.ExitCode, nullString(run.Error),
		artifacts, run.LogPath, runID)
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finalize rows affected: %w", err)
	}
	if n == 0 {
		return run, ErrRunFinalized
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET finished_at = ? WHERE job_id = ? AND finished_at IS NULL`,
		now, run.JobID); err != nil {
		return nil, fmt.Errorf("set job finished: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return run, nil
}

// AppendArtifacts appends artifact paths to a run. Artifacts are the only
// append-only field that may still grow after the run is terminal.
func (s *Store) AppendArtifacts(ctx context.Context, runID string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT artifacts FROM job_runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run not found: %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read artifacts: %w", err)
	}

	existing, err := decodeArtifacts(raw)
	if err != nil {
		return err
	}
	encoded, err := encodeArtifacts(append(existing, paths...))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE job_runs SET artifacts = ? WHERE run_id = ?`, encoded, runID); err != nil {
		return fmt.Errorf("append artifacts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	return nil
}

// SetWebhookSent records the notification outcome for a run.
func (s *Store) SetWebhookSent(ctx context.Context, runID string, sent bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_runs SET webhook_sent = ? WHERE run_id = ?`,
		boolToInt(sent), runID)
	if err != nil {
		return fmt.Errorf("set webhook_sent: %w", err)
	}
	return nil
}

// FailedRunsWithoutRetry returns terminal failed runs whose job has no
// retry job yet. Recovery re-evaluates these in case the process died
// between marking a run failed and creating its retry.
func (s *Store) FailedRunsWithoutRetry(ctx context.Context) ([]JobRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+`
		 FROM job_runs r
		 WHERE r.status = 'failed'
		   AND NOT EXISTS (SELECT 1 FROM jobs x WHERE x.retry_of = r.job_id)
		 ORDER BY r.started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query failed runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*JobRun, error) {
	var (
		run        JobRun
		templateID sql.NullString
		finishedAt sql.NullTime
		exitCode   sql.NullInt64
		errMsg     sql.NullString
		artifacts  string
		sent       int
	)
	err := row.Scan(
		&run.RunID, &run.JobID, &templateID, &run.Params, &run.Status,
		&run.StartedAt, &finishedAt, &exitCode, &errMsg, &artifacts,
		&run.LogPath, &sent)
	if err != nil {
		return nil, err
	}

	run.TemplateID = templateID.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	run.Error = errMsg.String
	run.WebhookSent = sent != 0

	decoded, err := decodeArtifacts(artifacts)
	if err != nil {
		return nil, err
	}
	run.Artifacts = decoded
	return &run, nil
}

func encodeArtifacts(paths []string) (string, error) {
	if len(paths) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("encode artifacts: %w", err)
	}
	return string(b), nil
}

func decodeArtifacts(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	return paths, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
