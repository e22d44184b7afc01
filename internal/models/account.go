package models

import "time"

// Account is the billing identity behind a set of credentials.
// AccountID is the verified identity subject and never changes.
type Account struct {
	AccountID          string    `db:"account_id" json:"account_id"`
	Email              string    `db:"email" json:"email"`
	ActiveKeyID        *string   `db:"active_key_id" json:"active_key_id,omitempty"`
	FreeCallsUsedToday int       `db:"free_calls_used_today" json:"free_calls_used_today"`
	LastFreeCallDate   *string   `db:"last_free_call_date" json:"last_free_call_date,omitempty"` // YYYY-MM-DD
	Balance            Money     `db:"balance_micros" json:"balance"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// FreeCallsUsedOn returns the free calls consumed on the given civil day.
// A counter recorded on an earlier day counts as zero.
func (a *Account) FreeCallsUsedOn(day string) int {
	if a.LastFreeCallDate == nil || *a.LastFreeCallDate != day {
		return 0
	}
	return a.FreeCallsUsedToday
}

// FreeCallsRemaining returns how many free calls are left on the given day
func (a *Account) FreeCallsRemaining(day string, dailyLimit int) int {
	remaining := dailyLimit - a.FreeCallsUsedOn(day)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// HasActiveKey reports whether the account currently has a live credential
func (a *Account) HasActiveKey() bool {
	return a.ActiveKeyID != nil && *a.ActiveKeyID != ""
}
