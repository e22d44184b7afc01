package logging

import (
	"context"
	"time"

	"llm_access/internal/models"
)

// Ledger event types
const (
	EventUsageRecorded = "usage_recorded"
)

// LedgerEvent is the audit copy of a billable event, shipped as one JSON
// line per event.
type LedgerEvent struct {
	Event         string       `json:"event"`
	Timestamp     time.Time    `json:"timestamp"`
	RecordID      string       `json:"record_id"`
	AccountID     string       `json:"account_id"`
	KeyID         string       `json:"key_id"`
	ReservationID string       `json:"reservation_id,omitempty"`
	Model         string       `json:"model"`
	InputTokens   int64        `json:"input_tokens"`
	OutputTokens  int64        `json:"output_tokens"`
	Cost          models.Money `json:"cost"`
}

// NewUsageEvent builds the ledger event for a stored usage record
func NewUsageEvent(rec *models.UsageRecord) *LedgerEvent {
	ev := &LedgerEvent{
		Event:        EventUsageRecorded,
		Timestamp:    rec.Timestamp,
		RecordID:     rec.RecordID,
		AccountID:    rec.AccountID,
		KeyID:        rec.KeyID,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		Cost:         rec.Cost,
	}
	if rec.ReservationID != nil {
		ev.ReservationID = *rec.ReservationID
	}
	return ev
}

// Sink receives ledger events. Enqueue must not block on the upstream store.
type Sink interface {
	Enqueue(ev *LedgerEvent) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards events; used when no audit sink is configured.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(ev *LedgerEvent) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}
