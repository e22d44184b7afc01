package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"llm_access/internal/middleware"
	"llm_access/internal/models"
	"llm_access/internal/usage"
	"llm_access/internal/utils"
)

// IssueKeyRequest is the optional body of POST /v1/keys
type IssueKeyRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

// KeysResponse lists key metadata; secrets are never included
type KeysResponse struct {
	ActiveKey *models.Credential   `json:"active_key"`
	Keys      []*models.Credential `json:"keys"`
}

// AccountResponse is the account profile
type AccountResponse struct {
	AccountID          string       `json:"account_id"`
	Email              string       `json:"email"`
	Balance            models.Money `json:"balance"`
	FreeCallsUsedToday int          `json:"free_calls_used_today"`
	FreeCallsRemaining int          `json:"free_calls_remaining"`
	FreeTierDailyLimit int          `json:"free_tier_daily_limit"`
	HeldReservations   int          `json:"held_reservations"`
	ActiveKeyID        *string      `json:"active_key_id,omitempty"`
	// KeyID is the key that authenticated this request, when one did
	KeyID     string    `json:"key_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// handleIssueKey issues a new API key, revoking the previous one. The
// identity middleware has already created the account.
func (d *Dependencies) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_identity", "Missing identity token")
		return
	}

	var req IssueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.AccountID != "" && req.AccountID != identity.Subject {
		utils.RespondWithCode(w, http.StatusForbidden, codeForbidden, "Keys can only be issued for your own account")
		return
	}

	issued, err := d.Credentials.IssueOrRotate(ctx, identity.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, issued)
}

// handleListKeys returns the active key and the key history
func (d *Dependencies) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := middleware.GetAccountID(ctx)

	active, err := d.Credentials.ActiveKey(ctx, accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := d.Credentials.ListKeys(ctx, accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []*models.Credential{}
	}

	utils.RespondWithJSON(w, http.StatusOK, KeysResponse{ActiveKey: active, Keys: keys})
}

// handleAccount returns the caller's profile with today's free tier usage
func (d *Dependencies) handleAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := middleware.GetAccountID(ctx)

	status, err := d.Engine.Status(ctx, accountID)
	if err != nil {
		writeError(w, err)
		return
	}

	acct := status.Account
	var keyID string
	if principal, ok := middleware.GetPrincipal(ctx); ok {
		keyID = principal.KeyID
	}
	utils.RespondWithJSON(w, http.StatusOK, AccountResponse{
		AccountID:          acct.AccountID,
		Email:              acct.Email,
		Balance:            acct.Balance,
		FreeCallsUsedToday: status.FreeCallsUsed,
		FreeCallsRemaining: status.FreeCallsRemaining,
		FreeTierDailyLimit: status.FreeTierDailyLimit,
		HeldReservations:   status.HeldReservations,
		ActiveKeyID:        acct.ActiveKeyID,
		KeyID:              keyID,
		CreatedAt:          acct.CreatedAt,
	})
}

// handleUsage pages through the caller's usage ledger, newest first
func (d *Dependencies) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, _ := middleware.GetAccountID(ctx)

	req := usage.PageRequest{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "'limit' must be a positive integer")
			return
		}
		req.Limit = limit
	}

	page, err := d.Usage.ListByAccount(ctx, accountID, req)
	if err != nil {
		writeError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, page)
}
