package schedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const groupColumns = `group_id, name, mode, created_at`

// CreateGroup inserts a job group container. Membership is established by
// jobs that carry the group's ID.
func (s *Store) CreateGroup(ctx context.Context, grp *JobGroup) error {
	if grp == nil {
		return errors.New("group is nil")
	}
	if grp.Mode != GroupModeSequential && grp.Mode != GroupModeParallel {
		return fmt.Errorf("invalid group mode: %q", grp.Mode)
	}

	if grp.GroupID == "" {
		grp.GroupID = newID("grp")
	}
	if grp.CreatedAt.IsZero() {
		grp.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_groups (group_id, name, mode, created_at)
		 VALUES (?, ?, ?, ?)`,
		grp.GroupID, grp.Name, string(grp.Mode), grp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*JobGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM job_groups WHERE group_id = ?`, groupID)

	var grp JobGroup
	err := row.Scan(&grp.GroupID, &grp.Name, &grp.Mode, &grp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group not found: %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &grp, nil
}

// ListGroups returns all groups, oldest first.
func (s *Store) ListGroups(ctx context.Context) ([]JobGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM job_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []JobGroup
	for rows.Next() {
		var grp JobGroup
		if err := rows.Scan(&grp.GroupID, &grp.Name, &grp.Mode, &grp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, grp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// NextGroupPosition returns the gap position after the group's last member.
// Positions double as the intra-group execution sequence.
func (s *Store) NextGroupPosition(ctx context.Context, groupID string) (int64, error) {
	var tail sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM jobs WHERE group_id = ?`, groupID).Scan(&tail)
	if err != nil {
		return 0, fmt.Errorf("read group tail position: %w", err)
	}
	if !tail.Valid {
		// First member: start after the global tail so the group does not
		// jump ahead of jobs enqueued earlier.
		var global int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&global); err != nil {
			return 0, fmt.Errorf("read global tail position: %w", err)
		}
		return global + positionGap, nil
	}
	return tail.Int64 + positionGap, nil
}
