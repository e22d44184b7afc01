package models

import (
	"errors"
	"time"
)

// UsageRecord is one immutable ledger entry for a completed, metered model call
type UsageRecord struct {
	RecordID      string    `db:"record_id" json:"record_id"`
	AccountID     string    `db:"account_id" json:"account_id"`
	KeyID         string    `db:"key_id" json:"key_id"`
	ReservationID *string   `db:"reservation_id" json:"reservation_id,omitempty"`
	Model         string    `db:"model" json:"model"`
	InputTokens   int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens  int64     `db:"output_tokens" json:"output_tokens"`
	Cost          Money     `db:"cost_micros" json:"cost"`
	Timestamp     time.Time `db:"recorded_at" json:"timestamp"`
}

// Validate checks the record before it is written
func (u *UsageRecord) Validate() error {
	switch {
	case u.AccountID == "":
		return errors.New("account_id is required")
	case u.KeyID == "":
		return errors.New("key_id is required")
	case u.Model == "":
		return errors.New("model is required")
	case u.InputTokens < 0 || u.OutputTokens < 0:
		return errors.New("token counts must be non-negative")
	case u.Cost < 0:
		return errors.New("cost must be non-negative")
	}
	return nil
}

// TotalTokens returns input plus output tokens
func (u *UsageRecord) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
