package usage

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_access/internal/logging"
	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/storage/storagetest"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*logging.LedgerEvent
}

func (s *fakeSink) Enqueue(ev *logging.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSink) Shutdown(ctx context.Context) error { return nil }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T) (*Recorder, *storage.DB, *fakeSink) {
	t.Helper()
	db := storagetest.NewSQLite(t)
	storagetest.SeedAccount(t, db, "acct", 0)
	sink := &fakeSink{}
	r := NewRecorder(db, sink)
	r.now = func() time.Time { return baseTime }
	return r, db, sink
}

func usageRecord(model string, in, out int64, cost string) *models.UsageRecord {
	return &models.UsageRecord{
		AccountID:    "acct",
		KeyID:        "key-1",
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         models.MustParseMoney(cost),
	}
}

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	r, db, sink := newTestRecorder(t)

	stored, err := r.Record(ctx, usageRecord("gpt-4o", 100, 50, "0.0045"))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.RecordID)
	assert.True(t, stored.Timestamp.Equal(baseTime))

	loaded, err := db.Usage().GetByID(ctx, stored.RecordID)
	require.NoError(t, err)
	assert.Equal(t, stored.Cost, loaded.Cost)
	assert.Equal(t, int64(150), loaded.TotalTokens())

	require.Equal(t, 1, sink.count())
	assert.Equal(t, stored.RecordID, sink.events[0].RecordID)
}

func TestRecordIsIdempotentPerReservation(t *testing.T) {
	ctx := context.Background()
	r, _, sink := newTestRecorder(t)

	resID := "res-1"
	first := usageRecord("gpt-4o", 10, 10, "0.01")
	first.ReservationID = &resID
	stored, err := r.Record(ctx, first)
	require.NoError(t, err)

	// a retry with a fresh record id still maps to the same reservation
	retry := usageRecord("gpt-4o", 10, 10, "0.01")
	retry.ReservationID = &resID
	again, err := r.Record(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, stored.RecordID, again.RecordID)

	// same record id
	same := *stored
	again, err = r.Record(ctx, &same)
	require.NoError(t, err)
	assert.Equal(t, stored.RecordID, again.RecordID)

	assert.Equal(t, 1, sink.count())
}

func TestRecordValidation(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	tests := []struct {
		name   string
		mutate func(*models.UsageRecord)
	}{
		{"missing account", func(u *models.UsageRecord) { u.AccountID = "" }},
		{"missing key", func(u *models.UsageRecord) { u.KeyID = "" }},
		{"missing model", func(u *models.UsageRecord) { u.Model = "" }},
		{"negative tokens", func(u *models.UsageRecord) { u.InputTokens = -1 }},
		{"negative cost", func(u *models.UsageRecord) { u.Cost = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := usageRecord("gpt-4o", 1, 1, "0.01")
			tt.mutate(rec)
			_, err := r.Record(context.Background(), rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}

	_, err := r.Record(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecordUnknownAccount(t *testing.T) {
	r, _, sink := newTestRecorder(t)

	rec := usageRecord("gpt-4o", 1, 1, "0.01")
	rec.AccountID = "ghost"
	_, err := r.Record(context.Background(), rec)
	assert.Error(t, err)
	assert.Zero(t, sink.count())
}

// seedLedger records n entries one second apart, oldest first
func seedLedger(t *testing.T, r *Recorder, n int) []*models.UsageRecord {
	t.Helper()
	out := make([]*models.UsageRecord, 0, n)
	for i := 0; i < n; i++ {
		rec := usageRecord("gpt-4o", int64(i), 0, "0.001")
		rec.Timestamp = baseTime.Add(time.Duration(i) * time.Second)
		stored, err := r.Record(context.Background(), rec)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

func TestListByAccountNewestFirst(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRecorder(t)
	seeded := seedLedger(t, r, 7)

	var got []string
	req := PageRequest{Limit: 3}
	pages := 0
	for {
		page, err := r.ListByAccount(ctx, "acct", req)
		require.NoError(t, err)
		pages++
		for _, rec := range page.Records {
			got = append(got, rec.RecordID)
		}
		if page.NextCursor == "" {
			break
		}
		req.Cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, got, 7)
	for i, id := range got {
		assert.Equal(t, seeded[len(seeded)-1-i].RecordID, id, "position %d", i)
	}
}

func TestListByAccountTiesOnTimestamp(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRecorder(t)

	for i := 0; i < 5; i++ {
		rec := usageRecord("gpt-4o", 1, 1, "0.001")
		rec.RecordID = fmt.Sprintf("rec-%d", i)
		rec.Timestamp = baseTime
		_, err := r.Record(ctx, rec)
		require.NoError(t, err)
	}

	first, err := r.ListByAccount(ctx, "acct", PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	assert.Equal(t, "rec-4", first.Records[0].RecordID)
	assert.Equal(t, "rec-3", first.Records[1].RecordID)

	// restarting from the same cursor yields the same page
	for i := 0; i < 2; i++ {
		second, err := r.ListByAccount(ctx, "acct", PageRequest{Limit: 2, Cursor: first.NextCursor})
		require.NoError(t, err)
		require.Len(t, second.Records, 2)
		assert.Equal(t, "rec-2", second.Records[0].RecordID)
		assert.Equal(t, "rec-1", second.Records[1].RecordID)
	}
}

func TestListByAccountEmptyAndDefaults(t *testing.T) {
	r, _, _ := newTestRecorder(t)

	page, err := r.ListByAccount(context.Background(), "acct", PageRequest{})
	require.NoError(t, err)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.NextCursor)

	_, err = r.ListByAccount(context.Background(), "acct", PageRequest{Cursor: "not-a-cursor!"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestAllStreamsEveryRecord(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRecorder(t)
	seeded := seedLedger(t, r, 130)

	count := 0
	var last *models.UsageRecord
	for rec, err := range r.All(ctx, "acct") {
		require.NoError(t, err)
		if last != nil {
			assert.False(t, rec.Timestamp.After(last.Timestamp))
		}
		last = rec
		count++
	}
	assert.Equal(t, len(seeded), count)

	// early break stops fetching
	taken := 0
	for range r.All(ctx, "acct") {
		taken++
		if taken == 5 {
			break
		}
	}
	assert.Equal(t, 5, taken)
}

func TestCursorRoundTrip(t *testing.T) {
	c := storage.UsageCursor{Timestamp: baseTime.Add(123456 * time.Microsecond), RecordID: "rec|with|pipes"}
	decoded, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	assert.True(t, decoded.Timestamp.Equal(c.Timestamp))
	assert.Equal(t, c.RecordID, decoded.RecordID)

	for _, bad := range []string{"", "%%%", rawCursor("no-separator"), rawCursor("yesterday|rec")} {
		_, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, "cursor %q", bad)
	}
}

func rawCursor(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}
