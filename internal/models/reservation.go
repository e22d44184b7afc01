package models

import "time"

// ReservationKind tells which allowance a reservation draws from
type ReservationKind string

const (
	ReservationFreeTier ReservationKind = "free_tier"
	ReservationBalance  ReservationKind = "balance"
)

// ReservationState is the settlement state of a reservation.
// Only held reservations can change state.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationFinalized ReservationState = "finalized"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// Reservation is a provisional hold against the free tier or the balance,
// pending Finalize or Release.
type Reservation struct {
	ReservationID string           `db:"reservation_id" json:"reservation_id"`
	AccountID     string           `db:"account_id" json:"account_id"`
	KeyID         string           `db:"key_id" json:"key_id"`
	Kind          ReservationKind  `db:"kind" json:"kind"`
	AmountHeld    Money            `db:"amount_held_micros" json:"amount_held"`
	FreeCallDate  *string          `db:"free_call_date" json:"free_call_date,omitempty"`
	State         ReservationState `db:"state" json:"state"`
	ActualCost    *Money           `db:"actual_cost_micros" json:"actual_cost,omitempty"`
	Shortfall     Money            `db:"shortfall_micros" json:"shortfall"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time        `db:"expires_at" json:"expires_at"`
	SettledAt     *time.Time       `db:"settled_at" json:"settled_at,omitempty"`
}

// IsHeld reports whether the reservation still awaits settlement
func (r *Reservation) IsHeld() bool {
	return r.State == ReservationHeld
}

// IsExpiredAt reports whether a held reservation is past its deadline
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return r.IsHeld() && now.After(r.ExpiresAt)
}
