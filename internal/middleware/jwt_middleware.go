package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"llm_access/internal/auth"
	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

// Context keys for storing authentication data
const (
	IdentityKey  ContextKey = "identity"
	AccountIDKey ContextKey = "accountID"
)

var logger = utils.NewLogger("middleware")

// AccountEnsurer creates the account of a verified identity on first sight
type AccountEnsurer interface {
	Ensure(ctx context.Context, accountID, email string, now time.Time) (*models.Account, bool, error)
}

// IdentityMiddleware requires a verified identity token, ensures the
// identity's account exists and adds the identity to the request context
func IdentityMiddleware(verifier auth.IdentityVerifier, accounts AccountEnsurer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_identity", "Missing identity token")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("Identity token rejected", "error", err)
				utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_identity", "Invalid or expired identity token")
				return
			}

			account, created, err := accounts.Ensure(r.Context(), identity.Subject, identity.Email, time.Now())
			if err != nil {
				if storage.IsTransient(err) {
					utils.RespondWithCode(w, http.StatusServiceUnavailable, "transient_store_error", "The service is busy, please retry")
					return
				}
				logger.Error("Failed to ensure account", "account_id", identity.Subject, "error", err)
				utils.RespondWithError(w, http.StatusInternalServerError, "Error loading account")
				return
			}
			if created {
				logger.Info("Account created", "account_id", account.AccountID)
			}

			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			ctx = context.WithValue(ctx, AccountIDKey, identity.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountMiddleware accepts either an API key or an identity token. API
// keys are recognized by their prefix; anything else is treated as a token.
func AccountMiddleware(validator CredentialValidator, verifier auth.IdentityVerifier, accounts AccountEnsurer) func(http.Handler) http.Handler {
	identity := IdentityMiddleware(verifier, accounts)
	apiKey := APIKeyMiddleware(validator)

	return func(next http.Handler) http.Handler {
		viaIdentity := identity(next)
		viaAPIKey := apiKey(next)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(BearerToken(r), auth.SecretPrefix) {
				viaAPIKey.ServeHTTP(w, r)
				return
			}
			viaIdentity.ServeHTTP(w, r)
		})
	}
}

// GetIdentity retrieves the verified identity from the request context
func GetIdentity(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*auth.Identity)
	return identity, ok
}

// GetAccountID retrieves the authenticated account id from the request context
func GetAccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AccountIDKey).(string)
	return id, ok && id != ""
}
