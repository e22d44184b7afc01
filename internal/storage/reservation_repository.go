package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llm_access/internal/models"
)

const reservationColumns = `reservation_id, account_id, key_id, kind, amount_held_micros, free_call_date,
	state, actual_cost_micros, shortfall_micros, created_at, expires_at, settled_at`

// ReservationRepository handles reservation persistence
type ReservationRepository struct {
	q       querier
	dialect Dialect
}

// Insert stores a new reservation
func (r *ReservationRepository) Insert(ctx context.Context, res *models.Reservation) error {
	query := r.q.Rebind(`
		INSERT INTO reservations (reservation_id, account_id, key_id, kind, amount_held_micros, free_call_date,
			state, actual_cost_micros, shortfall_micros, created_at, expires_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.q.ExecContext(ctx, query,
		res.ReservationID,
		res.AccountID,
		res.KeyID,
		res.Kind,
		res.AmountHeld,
		res.FreeCallDate,
		res.State,
		res.ActualCost,
		res.Shortfall,
		Truncate(res.CreatedAt),
		Truncate(res.ExpiresAt),
		res.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// Get retrieves a reservation by id
func (r *ReservationRepository) Get(ctx context.Context, reservationID string) (*models.Reservation, error) {
	return r.get(ctx, reservationID, "")
}

// GetForUpdate retrieves a reservation and locks its row until the transaction ends
func (r *ReservationRepository) GetForUpdate(ctx context.Context, reservationID string) (*models.Reservation, error) {
	return r.get(ctx, reservationID, r.dialect.forUpdate())
}

func (r *ReservationRepository) get(ctx context.Context, reservationID, suffix string) (*models.Reservation, error) {
	query := r.q.Rebind(`SELECT ` + reservationColumns + ` FROM reservations WHERE reservation_id = ?` + suffix)

	var res models.Reservation
	if err := r.q.GetContext(ctx, &res, query, reservationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	normalizeReservation(&res)
	return &res, nil
}

// Settle moves a held reservation to its final state. It returns false when
// the reservation was no longer held, leaving the row untouched.
func (r *ReservationRepository) Settle(ctx context.Context, res *models.Reservation) (bool, error) {
	query := r.q.Rebind(`
		UPDATE reservations
		SET state = ?, actual_cost_micros = ?, shortfall_micros = ?, settled_at = ?
		WHERE reservation_id = ? AND state = ?
	`)

	var settledAt *time.Time
	if res.SettledAt != nil {
		t := Truncate(*res.SettledAt)
		settledAt = &t
	}

	result, err := r.q.ExecContext(ctx, query,
		res.State,
		res.ActualCost,
		res.Shortfall,
		settledAt,
		res.ReservationID,
		models.ReservationHeld,
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle reservation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListExpired returns held reservations whose deadline passed before now, oldest first
func (r *ReservationRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	query := r.q.Rebind(`
		SELECT ` + reservationColumns + ` FROM reservations
		WHERE state = ? AND expires_at < ?
		ORDER BY expires_at ASC
		LIMIT ?
	`)

	var list []*models.Reservation
	if err := r.q.SelectContext(ctx, &list, query, models.ReservationHeld, Truncate(now), limit); err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	for _, res := range list {
		normalizeReservation(res)
	}
	return list, nil
}

// CountByState returns how many of an account's reservations are in the given state
func (r *ReservationRepository) CountByState(ctx context.Context, accountID string, state models.ReservationState) (int, error) {
	query := r.q.Rebind(`SELECT COUNT(*) FROM reservations WHERE account_id = ? AND state = ?`)

	var n int
	if err := r.q.GetContext(ctx, &n, query, accountID, state); err != nil {
		return 0, fmt.Errorf("failed to count reservations: %w", err)
	}
	return n, nil
}

func normalizeReservation(res *models.Reservation) {
	res.CreatedAt = res.CreatedAt.UTC()
	res.ExpiresAt = res.ExpiresAt.UTC()
	if res.SettledAt != nil {
		t := res.SettledAt.UTC()
		res.SettledAt = &t
	}
}
