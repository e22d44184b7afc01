// Package authorizer admits model calls: it checks the API key, prices the
// request, applies the per-key rate limit and places the quota hold. The
// Complete and Abort methods settle the hold once the call is over.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_access/internal/auth"
	"llm_access/internal/billing"
	"llm_access/internal/models"
	"llm_access/internal/ratelimit"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

// ErrSettlementDeferred is returned by Complete and Abort when the store
// was busy and the settlement was handed to the retry queue
var ErrSettlementDeferred = errors.New("settlement deferred")

// Reason is the machine-readable cause of a Rejection
type Reason string

const (
	ReasonInvalidCredential   Reason = "invalid_credential"
	ReasonUnknownModel        Reason = "unknown_model"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

// Rejection is returned when a request must not reach the model
type Rejection struct {
	Reason Reason
	// RetryAt is set for rate limited requests
	RetryAt time.Time
	Err     error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("request rejected: %s: %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("request rejected: %s", r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// CredentialValidator resolves API keys
type CredentialValidator interface {
	Validate(ctx context.Context, secret string) (*auth.Principal, error)
}

// QuotaEngine places and settles holds
type QuotaEngine interface {
	Authorize(ctx context.Context, accountID, keyID string, estimatedCost models.Money) (*models.Reservation, error)
	Finalize(ctx context.Context, reservationID string, actualCost models.Money) (*models.Reservation, error)
	Release(ctx context.Context, reservationID string) error
}

// UsageRecorder writes the usage ledger
type UsageRecorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) (*models.UsageRecord, error)
}

// SettlementQueue takes settlements that could not be applied synchronously
type SettlementQueue interface {
	EnqueueJob(ctx context.Context, job *billing.SettlementJob) error
}

// AuthorizedRequest is an admitted request holding a reservation
type AuthorizedRequest struct {
	Reservation   *models.Reservation
	AccountID     string
	KeyID         string
	Model         string
	Estimate      billing.TokenEstimate
	EstimatedCost models.Money
}

// Usage is the token count the provider reported
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Authorizer is the entry point for metered model calls
type Authorizer struct {
	credentials CredentialValidator
	pricing     *billing.Pricing
	engine      QuotaEngine
	recorder    UsageRecorder

	limiter   ratelimit.Limiter
	rateLimit int

	settlements SettlementQueue
	usageRetry  billing.UsageSink

	logger *utils.Logger
}

// Option configures an Authorizer
type Option func(*Authorizer)

// WithRateLimit enforces requestsPerMinute per API key; 0 disables it
func WithRateLimit(limiter ratelimit.Limiter, requestsPerMinute int) Option {
	return func(a *Authorizer) {
		a.limiter = limiter
		a.rateLimit = requestsPerMinute
	}
}

// WithSettlementQueue defers settlements that hit a busy store
func WithSettlementQueue(q SettlementQueue) Option {
	return func(a *Authorizer) {
		a.settlements = q
	}
}

// WithUsageRetry queues usage records whose synchronous Record failed
func WithUsageRetry(sink billing.UsageSink) Option {
	return func(a *Authorizer) {
		a.usageRetry = sink
	}
}

// New creates an authorizer
func New(credentials CredentialValidator, pricing *billing.Pricing, engine QuotaEngine, recorder UsageRecorder, opts ...Option) *Authorizer {
	a := &Authorizer{
		credentials: credentials,
		pricing:     pricing,
		engine:      engine,
		recorder:    recorder,
		limiter:     ratelimit.NewNoopLimiter(),
		logger:      utils.NewLogger("authorizer"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize admits a request for model with the given token estimate.
// Refusals are returned as *Rejection; other errors come from the store.
func (a *Authorizer) Authorize(ctx context.Context, bearerSecret, model string, est billing.TokenEstimate) (*AuthorizedRequest, error) {
	principal, err := a.credentials.Validate(ctx, bearerSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			return nil, &Rejection{Reason: ReasonInvalidCredential, Err: err}
		}
		return nil, err
	}

	estimatedCost, err := a.pricing.Estimate(model, est)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownModel) {
			return nil, &Rejection{Reason: ReasonUnknownModel, Err: err}
		}
		return nil, err
	}

	if a.rateLimit > 0 {
		allowed, _, resetAt, err := a.limiter.AllowWithDetails(ctx, principal.KeyID, a.rateLimit)
		switch {
		case err != nil:
			// the limiter is best effort; quota still applies
			a.logger.Warn("Rate limit check failed, allowing request", "key_id", principal.KeyID, "error", err)
		case !allowed:
			return nil, &Rejection{Reason: ReasonRateLimited, RetryAt: resetAt}
		}
	}

	res, err := a.engine.Authorize(ctx, principal.AccountID, principal.KeyID, estimatedCost)
	if err != nil {
		var denial *billing.Denial
		if errors.As(err, &denial) {
			return nil, &Rejection{Reason: ReasonInsufficientBalance, Err: denial}
		}
		return nil, err
	}

	a.logger.Debug("Request authorized",
		"account_id", principal.AccountID,
		"reservation_id", res.ReservationID,
		"kind", res.Kind,
		"model", model,
		"estimated_cost", estimatedCost,
	)

	return &AuthorizedRequest{
		Reservation:   res,
		AccountID:     principal.AccountID,
		KeyID:         principal.KeyID,
		Model:         model,
		Estimate:      est,
		EstimatedCost: estimatedCost,
	}, nil
}

// Complete finalizes the hold at the actual cost and records the usage.
// It runs to completion even if ctx is cancelled. Finalize is never undone
// when recording fails; the record goes to the retry queue instead.
func (a *Authorizer) Complete(ctx context.Context, ar *AuthorizedRequest, usage Usage) (*models.UsageRecord, error) {
	ctx = context.WithoutCancel(ctx)

	cost, err := a.pricing.Cost(ar.Model, usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return nil, err
	}

	reservationID := ar.Reservation.ReservationID
	rec := &models.UsageRecord{
		AccountID:     ar.AccountID,
		KeyID:         ar.KeyID,
		ReservationID: &reservationID,
		Model:         ar.Model,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		Cost:          cost,
	}

	if _, err := a.engine.Finalize(ctx, reservationID, cost); err != nil {
		if storage.IsTransient(err) && a.settlements != nil {
			job := &billing.SettlementJob{
				Action:        billing.SettleFinalize,
				ReservationID: reservationID,
				ActualCost:    cost,
				Usage:         rec,
			}
			if qerr := a.settlements.EnqueueJob(ctx, job); qerr != nil {
				return nil, fmt.Errorf("failed to defer finalize: %w", errors.Join(err, qerr))
			}
			return nil, fmt.Errorf("%w: %w", ErrSettlementDeferred, err)
		}
		return nil, fmt.Errorf("failed to finalize reservation %s: %w", reservationID, err)
	}

	stored, err := a.recorder.Record(ctx, rec)
	if err != nil {
		if a.usageRetry != nil {
			if qerr := a.usageRetry.Enqueue(ctx, rec); qerr != nil {
				a.logger.Error("Failed to queue usage record", "reservation_id", reservationID, "error", qerr)
			}
		}
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}
	return stored, nil
}

// Abort releases the hold of a request that produced no billable result
func (a *Authorizer) Abort(ctx context.Context, ar *AuthorizedRequest) error {
	ctx = context.WithoutCancel(ctx)
	reservationID := ar.Reservation.ReservationID

	err := a.engine.Release(ctx, reservationID)
	if err == nil {
		return nil
	}

	if storage.IsTransient(err) && a.settlements != nil {
		job := &billing.SettlementJob{Action: billing.SettleRelease, ReservationID: reservationID}
		if qerr := a.settlements.EnqueueJob(ctx, job); qerr != nil {
			return fmt.Errorf("failed to defer release: %w", errors.Join(err, qerr))
		}
		return fmt.Errorf("%w: %w", ErrSettlementDeferred, err)
	}
	return fmt.Errorf("failed to release reservation %s: %w", reservationID, err)
}
