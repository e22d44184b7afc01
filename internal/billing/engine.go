package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

var (
	// ErrInsufficientBalance is returned when neither the free tier nor the balance covers a request
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrReservationReleased is returned when finalizing a reservation that was released
	ErrReservationReleased = errors.New("reservation already released")

	// ErrReservationExpired is returned when finalizing a reservation reclaimed by the sweeper
	ErrReservationExpired = errors.New("reservation expired")

	// ErrNegativeCost is returned for negative estimated or actual costs
	ErrNegativeCost = errors.New("cost must not be negative")
)

// DenialReason is the machine-readable cause of a Denial
type DenialReason string

const DenialInsufficientBalance DenialReason = "insufficient_balance"

// Denial is returned by Authorize when a request cannot be covered
type Denial struct {
	Reason    DenialReason
	AccountID string
	Required  models.Money
	Available models.Money
}

func (d *Denial) Error() string {
	return fmt.Sprintf("request denied for account %s: %s (required %s, available %s)",
		d.AccountID, d.Reason, d.Required, d.Available)
}

func (d *Denial) Unwrap() error {
	return ErrInsufficientBalance
}

// Config holds quota settings
type Config struct {
	// FreeTierDailyLimit is the number of free calls per account per civil day
	FreeTierDailyLimit int

	// ReservationTTL is how long a hold lives before the sweeper reclaims it
	ReservationTTL time.Duration

	// Location is the billing calendar used to compute civil days
	Location *time.Location
}

// DefaultConfig returns the default quota settings
func DefaultConfig() Config {
	return Config{
		FreeTierDailyLimit: 5,
		ReservationTTL:     10 * time.Minute,
		Location:           time.UTC,
	}
}

// Engine enforces the daily free tier and the prepaid balance. Every
// operation is a single-account transaction, so concurrent requests for
// one account serialize on its row.
type Engine struct {
	db     *storage.DB
	cfg    Config
	now    func() time.Time
	logger *utils.Logger
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a quota engine
func NewEngine(db *storage.DB, cfg Config, opts ...Option) *Engine {
	if cfg.FreeTierDailyLimit < 0 {
		cfg.FreeTierDailyLimit = 0
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultConfig().ReservationTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	e := &Engine{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: utils.NewLogger("billing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine settings
func (e *Engine) Config() Config {
	return e.cfg
}

// Today returns the current civil date in the billing calendar
func (e *Engine) Today() string {
	return e.civilDate(e.now())
}

func (e *Engine) civilDate(t time.Time) string {
	return t.In(e.cfg.Location).Format("2006-01-02")
}

// Authorize reserves either one free call or estimatedCost of balance.
// The free tier is always consumed first.
func (e *Engine) Authorize(ctx context.Context, accountID, keyID string, estimatedCost models.Money) (*models.Reservation, error) {
	if estimatedCost < 0 {
		return nil, ErrNegativeCost
	}

	var reservation *models.Reservation
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		now := storage.Truncate(e.now())
		today := e.civilDate(now)

		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}

		if account.LastFreeCallDate == nil || *account.LastFreeCallDate != today {
			account.FreeCallsUsedToday = 0
			account.LastFreeCallDate = utils.StringPtr(today)
		}

		res := &models.Reservation{
			ReservationID: uuid.NewString(),
			AccountID:     account.AccountID,
			KeyID:         keyID,
			State:         models.ReservationHeld,
			CreatedAt:     now,
			ExpiresAt:     now.Add(e.cfg.ReservationTTL),
		}

		switch {
		case account.FreeCallsUsedToday < e.cfg.FreeTierDailyLimit:
			account.FreeCallsUsedToday++
			res.Kind = models.ReservationFreeTier
			res.FreeCallDate = utils.StringPtr(today)
		case account.Balance >= estimatedCost:
			account.Balance -= estimatedCost
			res.Kind = models.ReservationBalance
			res.AmountHeld = estimatedCost
		default:
			return &Denial{
				Reason:    DenialInsufficientBalance,
				AccountID: account.AccountID,
				Required:  estimatedCost,
				Available: account.Balance,
			}
		}

		if err := tx.Accounts().SaveQuota(ctx, account); err != nil {
			return err
		}
		if err := tx.Reservations().Insert(ctx, res); err != nil {
			return err
		}

		reservation = res
		return nil
	})
	if err != nil {
		var denial *Denial
		if errors.As(err, &denial) {
			e.logger.Debug("Authorization denied", "account_id", accountID, "required", estimatedCost, "available", denial.Available)
			return nil, denial
		}
		return nil, fmt.Errorf("failed to authorize: %w", err)
	}

	e.logger.Debug("Reservation held",
		"reservation_id", reservation.ReservationID,
		"account_id", accountID,
		"kind", reservation.Kind,
		"amount", reservation.AmountHeld,
	)
	return reservation, nil
}

// Finalize settles a reservation against the actual cost. Finalizing an
// already finalized reservation returns it unchanged.
func (e *Engine) Finalize(ctx context.Context, reservationID string, actualCost models.Money) (*models.Reservation, error) {
	if actualCost < 0 {
		return nil, ErrNegativeCost
	}

	var settled *models.Reservation
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		res, err := tx.Reservations().GetForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}

		switch res.State {
		case models.ReservationFinalized:
			settled = res
			return nil
		case models.ReservationReleased:
			return ErrReservationReleased
		case models.ReservationExpired:
			return ErrReservationExpired
		}

		account, err := tx.Accounts().GetForUpdate(ctx, res.AccountID)
		if err != nil {
			return err
		}

		if res.Kind == models.ReservationBalance {
			delta := res.AmountHeld - actualCost
			if delta >= 0 {
				account.Balance += delta
			} else {
				owed := -delta
				charged := models.Min(owed, account.Balance)
				account.Balance -= charged
				res.Shortfall = owed - charged
			}
			if err := tx.Accounts().SaveQuota(ctx, account); err != nil {
				return err
			}
		}

		now := storage.Truncate(e.now())
		res.State = models.ReservationFinalized
		res.ActualCost = &actualCost
		res.SettledAt = &now

		ok, err := tx.Reservations().Settle(ctx, res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reservation %s changed state during finalize", reservationID)
		}

		settled = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finalize reservation: %w", err)
	}

	if settled.Shortfall > 0 {
		e.logger.Warn("Actual cost exceeded balance, shortfall recorded",
			"reservation_id", settled.ReservationID,
			"account_id", settled.AccountID,
			"held", settled.AmountHeld,
			"shortfall", settled.Shortfall,
		)
	}
	return settled, nil
}

// Release returns the held allowance of a reservation that will not be
// finalized. It is a no-op for reservations that are no longer held.
func (e *Engine) Release(ctx context.Context, reservationID string) error {
	if _, err := e.reclaim(ctx, reservationID, models.ReservationReleased); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}

// Expire reclaims a held reservation on behalf of the sweeper. It
// reports whether the reservation was still held.
func (e *Engine) Expire(ctx context.Context, reservationID string) (bool, error) {
	ok, err := e.reclaim(ctx, reservationID, models.ReservationExpired)
	if err != nil {
		return false, fmt.Errorf("failed to expire reservation: %w", err)
	}
	return ok, nil
}

// reclaim undoes the effect of Authorize and moves the reservation to state
func (e *Engine) reclaim(ctx context.Context, reservationID string, state models.ReservationState) (bool, error) {
	reclaimed := false
	err := e.db.InTx(ctx, func(tx *storage.Tx) error {
		reclaimed = false

		res, err := tx.Reservations().GetForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if !res.IsHeld() {
			return nil
		}

		account, err := tx.Accounts().GetForUpdate(ctx, res.AccountID)
		if err != nil {
			return err
		}

		switch res.Kind {
		case models.ReservationBalance:
			account.Balance += res.AmountHeld
		case models.ReservationFreeTier:
			// after a day rollover the counter was already reset
			if res.FreeCallDate != nil && account.LastFreeCallDate != nil &&
				*account.LastFreeCallDate == *res.FreeCallDate && account.FreeCallsUsedToday > 0 {
				account.FreeCallsUsedToday--
			}
		}
		if err := tx.Accounts().SaveQuota(ctx, account); err != nil {
			return err
		}

		now := storage.Truncate(e.now())
		res.State = state
		res.SettledAt = &now
		ok, err := tx.Reservations().Settle(ctx, res)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reservation %s changed state during %s", reservationID, state)
		}

		reclaimed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if reclaimed {
		e.logger.Debug("Reservation reclaimed", "reservation_id", reservationID, "state", state)
	}
	return reclaimed, nil
}

// Reservation returns a reservation by id
func (e *Engine) Reservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	return e.db.Reservations().Get(ctx, reservationID)
}

// QuotaStatus is an account's allowance as of today
type QuotaStatus struct {
	Account            *models.Account
	FreeCallsUsed      int
	FreeCallsRemaining int
	FreeTierDailyLimit int
	// HeldReservations counts requests that are authorized but not yet settled
	HeldReservations int
}

// Status reports an account's allowance without mutating it
func (e *Engine) Status(ctx context.Context, accountID string) (*QuotaStatus, error) {
	account, err := e.db.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	held, err := e.db.Reservations().CountByState(ctx, accountID, models.ReservationHeld)
	if err != nil {
		return nil, err
	}

	today := e.Today()
	return &QuotaStatus{
		Account:            account,
		FreeCallsUsed:      account.FreeCallsUsedOn(today),
		FreeCallsRemaining: account.FreeCallsRemaining(today, e.cfg.FreeTierDailyLimit),
		FreeTierDailyLimit: e.cfg.FreeTierDailyLimit,
		HeldReservations:   held,
	}, nil
}
