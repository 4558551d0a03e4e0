package schedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const scheduleColumns = `schedule_id, template_id, cron_expression, timezone,
	enabled, param_overrides, last_triggered_at, created_at`

// CreateSchedule inserts a cron-style trigger bound to exactly one template.
// The template must exist; cron expression validity is the trigger's concern.
func (s *Store) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch == nil {
		return errors.New("schedule is nil")
	}
	if strings.TrimSpace(sch.TemplateID) == "" {
		return errors.New("schedule template_id is required")
	}
	if strings.TrimSpace(sch.CronExpression) == "" {
		return errors.New("schedule cron_expression is required")
	}

	if _, err := s.GetTemplate(ctx, sch.TemplateID); err != nil {
		return err
	}

	if sch.ScheduleID == "" {
		sch.ScheduleID = newID("sch")
	}
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.ParamOverrides == "" {
		sch.ParamOverrides = "{}"
	}
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules
		 (schedule_id, template_id, cron_expression, timezone, enabled, param_overrides, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sch.ScheduleID, sch.TemplateID, sch.CronExpression, sch.Timezone,
		boolToInt(sch.Enabled), sch.ParamOverrides, sch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?`, scheduleID)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule not found: %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

// EnabledSchedules lists schedules the trigger should evaluate.
func (s *Store) EnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schs []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schs = append(schs, *sch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schs, nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE schedule_id = ?`,
		boolToInt(enabled), scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enable rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule not found: %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

// SetLastTriggered records the instant a schedule last fired.
func (s *Store) SetLastTriggered(ctx context.Context, scheduleID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_triggered_at = ? WHERE schedule_id = ?`,
		at.UTC(), scheduleID)
	if err != nil {
		return fmt.Errorf("set last_triggered_at: %w", err)
	}
	return nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sch           Schedule
		enabled       int
		lastTriggered sql.NullTime
	)
	err := row.Scan(&sch.ScheduleID, &sch.TemplateID, &sch.CronExpression,
		&sch.Timezone, &enabled, &sch.ParamOverrides, &lastTriggered, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	sch.Enabled = enabled != 0
	if lastTriggered.Valid {
		sch.LastTriggeredAt = &lastTriggered.Time
	}
	return &sch, nil
}
