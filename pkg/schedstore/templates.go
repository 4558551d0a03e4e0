package schedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const templateColumns = `template_id, name, job_type, default_params, archived_at, created_at`

// CreateTemplate inserts a reusable job definition.
func (s *Store) CreateTemplate(ctx context.Context, tpl *JobTemplate) error {
	if tpl == nil {
		return errors.New("template is nil")
	}
	if strings.TrimSpace(tpl.Name) == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(tpl.JobType) == "" {
		return errors.New("template job_type is required")
	}

	if tpl.TemplateID == "" {
		tpl.TemplateID = newID("tpl")
	}
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now().UTC()
	}
	if tpl.DefaultParams == "" {
		tpl.DefaultParams = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_templates (template_id, name, job_type, default_params, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tpl.TemplateID, tpl.Name, tpl.JobType, tpl.DefaultParams, tpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, templateID string) (*JobTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM job_templates WHERE template_id = ?`, templateID)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template not found: %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tpl, nil
}

// GetTemplateByName retrieves a template by its unique name.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*JobTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM job_templates WHERE name = ?`, name)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template not found: %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template by name: %w", err)
	}
	return tpl, nil
}

// ArchiveTemplate blocks new jobs from the template. Existing jobs and
// schedules referencing it are unaffected. Idempotent.
func (s *Store) ArchiveTemplate(ctx context.Context, templateID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_templates SET archived_at = ?
		 WHERE template_id = ? AND archived_at IS NULL`,
		now, templateID)
	if err != nil {
		return fmt.Errorf("archive template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTemplate(ctx, templateID); err != nil {
			return err
		}
	}
	return nil
}

// ListTemplates lists templates, optionally including archived ones.
func (s *Store) ListTemplates(ctx context.Context, includeArchived bool) ([]JobTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM job_templates`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tpls []JobTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		tpls = append(tpls, *tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return tpls, nil
}

func scanTemplate(row rowScanner) (*JobTemplate, error) {
	var (
		tpl        JobTemplate
		archivedAt sql.NullTime
	)
	err := row.Scan(&tpl.TemplateID, &tpl.Name, &tpl.JobType,
		&tpl.DefaultParams, &archivedAt, &tpl.CreatedAt)
	if err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		tpl.ArchivedAt = &archivedAt.Time
	}
	return &tpl, nil
}
