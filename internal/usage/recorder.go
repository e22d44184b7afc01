// Package usage writes and reads the append-only usage ledger.
package usage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"llm_access/internal/logging"
	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

const (
	// DefaultPageSize is used when a page request has no limit
	DefaultPageSize = 50
	// MaxPageSize caps a single page
	MaxPageSize = 500
)

var (
	// ErrInvalidRecord is returned for records that fail validation
	ErrInvalidRecord = errors.New("invalid usage record")

	// ErrInvalidCursor is returned for cursors this package did not produce
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Recorder appends usage records and lists them back
type Recorder struct {
	db     *storage.DB
	sink   logging.Sink
	now    func() time.Time
	logger *utils.Logger
}

// NewRecorder creates a recorder; a nil sink disables the audit copy
func NewRecorder(db *storage.DB, sink logging.Sink) *Recorder {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	return &Recorder{
		db:     db,
		sink:   sink,
		now:    time.Now,
		logger: utils.NewLogger("usage"),
	}
}

// Record stores rec and returns the stored copy. Recording the same record
// id or reservation twice returns the first record unchanged.
func (r *Recorder) Record(ctx context.Context, rec *models.UsageRecord) (*models.UsageRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	stored := *rec
	if stored.RecordID == "" {
		stored.RecordID = uuid.New().String()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = r.now()
	}
	stored.Timestamp = storage.Truncate(stored.Timestamp)

	var inserted bool
	err := r.db.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		inserted, err = tx.Usage().Insert(ctx, &stored)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	if !inserted {
		existing, err := r.existing(ctx, &stored)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("Usage already recorded", "record_id", existing.RecordID)
		return existing, nil
	}

	if err := r.sink.Enqueue(logging.NewUsageEvent(&stored)); err != nil {
		r.logger.Warn("Failed to enqueue ledger event", "record_id", stored.RecordID, "error", err)
	}

	r.logger.Debug("Usage recorded",
		"record_id", stored.RecordID,
		"account_id", stored.AccountID,
		"model", stored.Model,
		"cost", stored.Cost,
	)
	return &stored, nil
}

func (r *Recorder) existing(ctx context.Context, rec *models.UsageRecord) (*models.UsageRecord, error) {
	if rec.ReservationID != nil {
		existing, err := r.db.Usage().GetByReservation(ctx, *rec.ReservationID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrUsageRecordNotFound) {
			return nil, err
		}
	}
	return r.db.Usage().GetByID(ctx, rec.RecordID)
}

// PageRequest selects one page of an account's ledger
type PageRequest struct {
	Cursor string
	Limit  int
}

// Page is a slice of the ledger, newest first. NextCursor is empty on the
// last page.
type Page struct {
	Records    []*models.UsageRecord `json:"records"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// ListByAccount returns one page of the account's records. A read can be
// resumed from any cursor previously returned.
func (r *Recorder) ListByAccount(ctx context.Context, accountID string, req PageRequest) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var after *storage.UsageCursor
	if req.Cursor != "" {
		c, err := DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		after = c
	}

	records, err := r.db.Usage().ListByAccount(ctx, accountID, after, limit+1)
	if err != nil {
		return nil, err
	}

	page := &Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		last := page.Records[limit-1]
		page.NextCursor = EncodeCursor(storage.UsageCursor{Timestamp: last.Timestamp, RecordID: last.RecordID})
	}
	if page.Records == nil {
		page.Records = []*models.UsageRecord{}
	}
	return page, nil
}

// All streams every record of the account, fetching pages as the caller
// iterates. Iteration stops after the first error.
func (r *Recorder) All(ctx context.Context, accountID string) iter.Seq2[*models.UsageRecord, error] {
	return func(yield func(*models.UsageRecord, error) bool) {
		req := PageRequest{Limit: 100}
		for {
			page, err := r.ListByAccount(ctx, accountID, req)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Records {
				if !yield(rec, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			req.Cursor = page.NextCursor
		}
	}
}

// EncodeCursor renders a ledger position as an opaque token
func EncodeCursor(c storage.UsageCursor) string {
	raw := storage.Truncate(c.Timestamp).Format(time.RFC3339Nano) + "|" + c.RecordID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor
func DecodeCursor(token string) (*storage.UsageCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &storage.UsageCursor{Timestamp: t.UTC(), RecordID: id}, nil
}
