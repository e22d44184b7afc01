package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"llm_access/internal/auth"
	"llm_access/internal/authorizer"
	"llm_access/internal/billing"
	"llm_access/internal/storage"
	"llm_access/internal/usage"
	"llm_access/internal/utils"
)

// Reason codes that are not authorizer rejections
const (
	codeInvalidRequest      = "invalid_request"
	codeForbidden           = "forbidden"
	codeAccountNotFound     = "account_not_found"
	codeTransientStore      = "transient_store_error"
	codeReservationExpired  = "reservation_expired"
	codeProviderError       = "provider_error"
	insufficientBalanceText = "You have run out of tokens. Please top up your account to continue."
)

// writeError maps domain errors to a status and reason code. Anything
// unrecognized is logged and reported as an internal error.
func writeError(w http.ResponseWriter, err error) {
	var rej *authorizer.Rejection
	if errors.As(err, &rej) {
		writeRejection(w, rej)
		return
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		utils.RespondWithCode(w, http.StatusUnauthorized, string(authorizer.ReasonInvalidCredential), "Invalid API key")
	case errors.Is(err, auth.ErrInvalidIdentity):
		utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_identity", "Invalid or expired identity token")
	case errors.Is(err, storage.ErrAccountNotFound):
		utils.RespondWithCode(w, http.StatusNotFound, codeAccountNotFound, "Account not found")
	case errors.Is(err, billing.ErrInsufficientBalance):
		utils.RespondWithCode(w, http.StatusForbidden, string(authorizer.ReasonInsufficientBalance), insufficientBalanceText)
	case errors.Is(err, billing.ErrReservationExpired):
		utils.RespondWithCode(w, http.StatusConflict, codeReservationExpired, "Reservation expired")
	case errors.Is(err, usage.ErrInvalidCursor):
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Invalid cursor")
	case storage.IsTransient(err):
		utils.RespondWithCode(w, http.StatusServiceUnavailable, codeTransientStore, "The service is busy, please retry")
	default:
		logger.Error("Request failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeRejection(w http.ResponseWriter, rej *authorizer.Rejection) {
	code := string(rej.Reason)

	switch rej.Reason {
	case authorizer.ReasonInvalidCredential:
		utils.RespondWithCode(w, http.StatusUnauthorized, code, "Invalid API key")
	case authorizer.ReasonUnknownModel:
		utils.RespondWithCode(w, http.StatusBadRequest, code, "Unknown model")
	case authorizer.ReasonRateLimited:
		if !rej.RetryAt.IsZero() {
			w.Header().Set("Retry-After", retryAfter(rej.RetryAt, time.Now()))
		}
		utils.RespondWithCode(w, http.StatusTooManyRequests, code, "Rate limit exceeded")
	case authorizer.ReasonInsufficientBalance:
		utils.RespondWithCode(w, http.StatusForbidden, code, insufficientBalanceText)
	default:
		utils.RespondWithCode(w, http.StatusForbidden, code, "Request rejected")
	}
}

// retryAfter renders the delay in whole seconds, at least 1
func retryAfter(at, now time.Time) string {
	secs := int64(math.Ceil(at.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
