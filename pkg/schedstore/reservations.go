package schedstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const reservationColumns = `reservation_id, reserved_by, status, reserved_at, expires_at, released_at`

// AcquireReservation creates the single ACTIVE direct reservation. Any
// active reservation whose expires_at has passed is expired first, so a
// crashed or abandoned holder can never block the queue forever. A live
// active reservation rejects the acquire with ErrReservationHeld.
func (s *Store) AcquireReservation(ctx context.Context, reservedBy string, ttl time.Duration) (*DirectReservation, error) {
	if ttl <= 0 {
		return nil, errors.New("reservation ttl must be positive")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE direct_reservations SET status = 'expired'
		 WHERE status = 'active' AND expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("expire stale reservations: %w", err)
	}

	var live int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM direct_reservations WHERE status = 'active'`).Scan(&live); err != nil {
		return nil, fmt.Errorf("count active reservations: %w", err)
	}
	if live > 0 {
		return nil, ErrReservationHeld
	}

	rsv := &DirectReservation{
		ReservationID: newID("rsv"),
		ReservedBy:    reservedBy,
		Status:        ReservationActive,
		ReservedAt:    now,
		ExpiresAt:     now.Add(ttl),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO direct_reservations
		 (reservation_id, reserved_by, status, reserved_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rsv.ReservationID, rsv.ReservedBy, string(rsv.Status),
		rsv.ReservedAt, rsv.ExpiresAt); err != nil {
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return rsv, nil
}

// ActiveReservation returns the live active reservation, or nil when the
// queue may dispatch. An expired-but-still-active row is transitioned to
// expired on observation.
func (s *Store) ActiveReservation(ctx context.Context) (*DirectReservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM direct_reservations WHERE status = 'active'`)
	rsv, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active reservation: %w", err)
	}

	if !rsv.ExpiresAt.After(time.Now().UTC()) {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE direct_reservations SET status = 'expired'
			 WHERE reservation_id = ? AND status = 'active'`,
			rsv.ReservationID); err != nil {
			return nil, fmt.Errorf("expire reservation: %w", err)
		}
		return nil, nil
	}
	return rsv, nil
}

// ReleaseReservation releases an active reservation. Releasing an already
// released or expired reservation is a no-op.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE direct_reservations SET status = 'released', released_at = ?
		 WHERE reservation_id = ? AND status = 'active'`,
		now, reservationID)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("release rows affected: %w", err)
	}
	return nil
}

// ExpireActiveReservations expires every active reservation regardless of
// its deadline. Recovery calls this at startup: a crash means the original
// requester never got a response, so any surviving active reservation is
// stale by definition.
func (s *Store) ExpireActiveReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE direct_reservations SET status = 'expired' WHERE status = 'active'`)
	if err != nil {
		return 0, fmt.Errorf("expire active reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire rows affected: %w", err)
	}
	return n, nil
}

// GetReservation retrieves a reservation by ID.
func (s *Store) GetReservation(ctx context.Context, reservationID string) (*DirectReservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM direct_reservations WHERE reservation_id = ?`,
		reservationID)
	rsv, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation not found: %s: %w", reservationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return rsv, nil
}

func scanReservation(row rowScanner) (*DirectReservation, error) {
	var (
		rsv        DirectReservation
		releasedAt sql.NullTime
	)
	err := row.Scan(&rsv.ReservationID, &rsv.ReservedBy, &rsv.Status,
		&rsv.ReservedAt, &rsv.ExpiresAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	if releasedAt.Valid {
		rsv.ReleasedAt = &releasedAt.Time
	}
	return &rsv, nil
}
