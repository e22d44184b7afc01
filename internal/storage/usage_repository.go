package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llm_access/internal/models"
)

const usageColumns = `record_id, account_id, key_id, reservation_id, model,
	input_tokens, output_tokens, cost_micros, recorded_at`

// UsageRepository handles the append-only usage ledger
type UsageRepository struct {
	q querier
}

// UsageCursor is a position in an account's newest-first ledger listing
type UsageCursor struct {
	Timestamp time.Time
	RecordID  string
}

// Insert appends a record. It reports false when a record with the same id
// or reservation already exists, which makes retried inserts harmless.
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) (bool, error) {
	query := r.q.Rebind(`
		INSERT INTO usage_records (record_id, account_id, key_id, reservation_id, model,
			input_tokens, output_tokens, cost_micros, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)

	res, err := r.q.ExecContext(ctx, query,
		rec.RecordID,
		rec.AccountID,
		rec.KeyID,
		rec.ReservationID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Cost,
		Truncate(rec.Timestamp),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// GetByID retrieves a usage record by id
func (r *UsageRepository) GetByID(ctx context.Context, recordID string) (*models.UsageRecord, error) {
	return r.getOne(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE record_id = ?`, recordID)
}

// GetByReservation retrieves the record written for a reservation
func (r *UsageRepository) GetByReservation(ctx context.Context, reservationID string) (*models.UsageRecord, error) {
	return r.getOne(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE reservation_id = ?`, reservationID)
}

func (r *UsageRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	if err := r.q.GetContext(ctx, &rec, r.q.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

// ListByAccount returns up to limit records ordered by timestamp descending,
// starting strictly after the cursor when one is given.
func (r *UsageRepository) ListByAccount(ctx context.Context, accountID string, after *UsageCursor, limit int) ([]*models.UsageRecord, error) {
	var (
		query string
		args  []interface{}
	)

	if after == nil {
		query = `SELECT ` + usageColumns + ` FROM usage_records
			WHERE account_id = ?
			ORDER BY recorded_at DESC, record_id DESC
			LIMIT ?`
		args = []interface{}{accountID, limit}
	} else {
		ts := Truncate(after.Timestamp)
		query = `SELECT ` + usageColumns + ` FROM usage_records
			WHERE account_id = ? AND (recorded_at < ? OR (recorded_at = ? AND record_id < ?))
			ORDER BY recorded_at DESC, record_id DESC
			LIMIT ?`
		args = []interface{}{accountID, ts, ts, after.RecordID, limit}
	}

	var records []*models.UsageRecord
	if err := r.q.SelectContext(ctx, &records, r.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	for _, rec := range records {
		rec.Timestamp = rec.Timestamp.UTC()
	}
	return records, nil
}
