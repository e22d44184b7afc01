package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llm_access/internal/auth"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// PrincipalKey is the context key for the account and key behind an API key
	PrincipalKey ContextKey = "principal"
)

// CredentialValidator resolves API keys
type CredentialValidator interface {
	Validate(ctx context.Context, secret string) (*auth.Principal, error)
}

// BearerToken extracts the token from "Authorization: Bearer" or X-API-Key
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// APIKeyMiddleware validates API keys for protected routes and adds the principal to the request context
func APIKeyMiddleware(validator CredentialValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := BearerToken(r)
			if apiKey == "" {
				utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_credential", "Missing API key")
				return
			}

			principal, ok := validateAPIKey(w, r, validator, apiKey)
			if !ok {
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, principal)
			ctx = context.WithValue(ctx, AccountIDKey, principal.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// validateAPIKey writes the error response itself when it returns false
func validateAPIKey(w http.ResponseWriter, r *http.Request, validator CredentialValidator, apiKey string) (*auth.Principal, bool) {
	principal, err := validator.Validate(r.Context(), apiKey)
	if err == nil {
		return principal, true
	}

	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		utils.RespondWithCode(w, http.StatusUnauthorized, "invalid_credential", "Invalid API key")
	case storage.IsTransient(err):
		utils.RespondWithCode(w, http.StatusServiceUnavailable, "transient_store_error", "The service is busy, please retry")
	default:
		logger.Error("API key validation failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Error validating API key")
	}
	return nil, false
}

// GetPrincipal retrieves the API key principal from the request context
func GetPrincipal(ctx context.Context) (*auth.Principal, bool) {
	principal, ok := ctx.Value(PrincipalKey).(*auth.Principal)
	return principal, ok
}
