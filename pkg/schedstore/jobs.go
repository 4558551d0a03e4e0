package schedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// positionGap is the spacing between assigned queue positions. Gaps let
// callers insert between existing members without renumbering.
const positionGap = 100

const jobColumns = `job_id, template_id, schedule_id, group_id, job_type, params,
	status, priority, position, resource_tag, retry_of,
	created_at, queued_at, started_at, finished_at`

// CreateJob inserts a new queued job. When Position is zero a gap position
// after the current tail is assigned. When the job references a template,
// an archived template rejects the insert unless the job is a retry (a
// retry continues a logical unit of work that already started).
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if strings.TrimSpace(job.JobType) == "" {
		return errors.New("job_type is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if job.TemplateID != "" && job.RetryOf == "" {
		var archivedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT archived_at FROM job_templates WHERE template_id = ?`,
			job.TemplateID).Scan(&archivedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("template not found: %s: %w", job.TemplateID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("check template: %w", err)
		}
		if archivedAt.Valid {
			return ErrTemplateArchived
		}
	}

	if job.RetryOf != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM jobs WHERE retry_of = ?`, job.RetryOf).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check existing retry: %w", err)
		}
		if exists > 0 {
			return ErrRetryExists
		}
	}

	now := time.Now().UTC()
	if job.JobID == "" {
		job.JobID = newID("job")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.QueuedAt == nil {
		job.QueuedAt = &now
	}
	if job.Params == "" {
		job.Params = "{}"
	}
	job.Status = JobStatusQueued

	if job.Position == 0 {
		var tail int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&tail); err != nil {
			return fmt.Errorf("read tail position: %w", err)
		}
		job.Position = tail + positionGap
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, template_id, schedule_id, group_id, job_type, params,
		  status, priority, position, resource_tag, retry_of,
		  created_at, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, nullString(job.TemplateID), nullString(job.ScheduleID),
		nullString(job.GroupID), job.JobType, job.Params,
		string(job.Status), job.Priority, job.Position, job.ResourceTag,
		nullString(job.RetryOf), job.CreatedAt, job.QueuedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job insert: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// EligibleJobs returns queued jobs in dispatch order. The order is a pure
// function of persisted state: priority DESC, position ASC, created_at ASC.
// Sequential group members are admitted only when every earlier member is
// settled; parallel group members are always admitted.
func (s *Store) EligibleJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs j
		 WHERE j.status = 'queued'
		   AND j.finished_at IS NULL
		   AND NOT EXISTS (SELECT 1 FROM job_runs r WHERE r.job_id = j.job_id)
		   AND (
		     j.group_id IS NULL
		     OR (SELECT g.mode FROM job_groups g WHERE g.group_id = j.group_id) = 'parallel'
		     OR NOT EXISTS (
		       SELECT 1 FROM jobs p
		       WHERE p.group_id = j.group_id
		         AND p.position < j.position
		         AND p.status != 'cancelled'
		         AND p.finished_at IS NULL
		     )
		   )
		 ORDER BY j.priority DESC, j.position ASC, j.created_at ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// ClaimAndStartRun atomically transitions a queued job to running and
// inserts its JobRun in one transaction. Zero rows on the claim update
// means another claimant won the race (ErrClaimLost); the job is left
// untouched and the caller moves on to the next candidate.
func (s *Store) ClaimAndStartRun(ctx context.Context, jobID string, logPath string) (*JobRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job for claim: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?
		 WHERE job_id = ? AND status = 'queued'`,
		now, jobID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrClaimLost
	}

	run := &JobRun{
		RunID:      newID("run"),
		JobID:      job.JobID,
		TemplateID: job.TemplateID,
		Params:     job.Params,
		Status:     RunStatusRunning,
		StartedAt:  now,
		LogPath:    logPath,
	}
	if err := insertRunTx(ctx, tx, run); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

// CancelJob cancels a queued job. Running jobs cannot be cancelled through
// the queue; that is the job handler's own concern.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', finished_at = ?
		 WHERE job_id = ? AND status = 'queued'`,
		now, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotQueued
	}
	return nil
}

// SetJobFinished backfills finished_at on a job. Idempotent: an already
// finished job keeps its original timestamp.
func (s *Store) SetJobFinished(ctx context.Context, jobID string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET finished_at = ? WHERE job_id = ? AND finished_at IS NULL`,
		finishedAt.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("set job finished: %w", err)
	}
	return nil
}

// RunningJobs returns all jobs currently marked running. Used by recovery
// to reconcile jobs orphaned by an unclean shutdown.
func (s *Store) RunningJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND finished_at IS NULL
		 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// ListJobs lists jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// GroupJobs returns a group's members in position order.
func (s *Store) GroupJobs(ctx context.Context, groupID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE group_id = ?
		 ORDER BY position ASC, created_at ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectJobs(rows)
}

// RetryChainLength walks retry_of links from the given job back to the
// root of its chain and returns the number of jobs on the path, including
// the job itself. The chain is traversed by repeated lookup so it stays
// crash-safe and queryable.
func (s *Store) RetryChainLength(ctx context.Context, jobID string) (int, error) {
	length := 0
	current := jobID
	for current != "" {
		length++
		if length > 1000 {
			return 0, fmt.Errorf("retry chain too long starting at %s", jobID)
		}
		var retryOf sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT retry_of FROM jobs WHERE job_id = ?`, current).Scan(&retryOf)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("job not found: %s: %w", current, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("walk retry chain: %w", err)
		}
		if !retryOf.Valid {
			break
		}
		current = retryOf.String
	}
	return length, nil
}

// RetryJobID returns the ID of the job retrying the given job, or "" when
// no retry exists yet.
func (s *Store) RetryJobID(ctx context.Context, jobID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id FROM jobs WHERE retry_of = ?`, jobID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup retry job: %w", err)
	}
	return id, nil
}

// NormalizePositions compacts queued job positions back to uniform gaps in
// one transaction. Relative order is preserved exactly.
func (s *Store) NormalizePositions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id FROM jobs WHERE status = 'queued'
		 ORDER BY position ASC, created_at ASC`)
	if err != nil {
		return fmt.Errorf("query queued positions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate queued positions: %w", err)
	}
	_ = rows.Close()

	pos := int64(positionGap)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET position = ? WHERE job_id = ? AND status = 'queued'`,
			pos, id); err != nil {
			return fmt.Errorf("normalize position: %w", err)
		}
		pos += positionGap
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit normalize: %w", err)
	}
	return nil
}

// QueueDepth counts queued jobs.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM jobs WHERE status = 'queued'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                               Job
		templateID, scheduleID          sql.NullString
		groupID, retryOf                sql.NullString
		queuedAt, startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(
		&j.JobID, &templateID, &scheduleID, &groupID, &j.JobType, &j.Params,
		&j.Status, &j.Priority, &j.Position, &j.ResourceTag, &retryOf,
		&j.CreatedAt, &queuedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.TemplateID = templateID.String
	j.ScheduleID = scheduleID.String
	j.GroupID = groupID.String
	j.RetryOf = retryOf.String
	if queuedAt.Valid {
		j.QueuedAt = &queuedAt.Time
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
