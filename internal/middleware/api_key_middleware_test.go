package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"llm_access/internal/auth"
	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

var validKey = auth.SecretPrefix + strings.Repeat("ab", 24)

type fakeValidator struct {
	err error
}

func (v *fakeValidator) Validate(ctx context.Context, secret string) (*auth.Principal, error) {
	if v.err != nil {
		return nil, v.err
	}
	if secret != validKey {
		return nil, auth.ErrInvalidCredential
	}
	return &auth.Principal{AccountID: "acct-1", KeyID: "key-1"}, nil
}

type fakeAccounts struct {
	err     error
	ensured map[string]string
}

func (a *fakeAccounts) Ensure(ctx context.Context, accountID, email string, now time.Time) (*models.Account, bool, error) {
	if a.err != nil {
		return nil, false, a.err
	}
	if a.ensured == nil {
		a.ensured = map[string]string{}
	}
	_, seen := a.ensured[accountID]
	a.ensured[accountID] = email
	return &models.Account{AccountID: accountID, Email: email, CreatedAt: now}, !seen, nil
}

var identitySecret = []byte("identity-secret")

func newVerifier(t *testing.T) auth.IdentityVerifier {
	t.Helper()
	v, err := auth.NewJWTVerifier(auth.JWTVerifierConfig{HMACSecret: identitySecret})
	if err != nil {
		t.Fatalf("NewJWTVerifier failed: %v", err)
	}
	return v
}

func identityToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := auth.SignIdentityToken(identitySecret, auth.IdentityTokenSpec{Subject: subject, Email: subject + "@example.com", TTL: time.Minute})
	if err != nil {
		t.Fatalf("SignIdentityToken failed: %v", err)
	}
	return token
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp utils.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not an error envelope: %q", w.Body.String())
	}
	return resp.Error.Code
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"x-api-key", map[string]string{"X-API-Key": "abc"}, "abc"},
		{"bearer wins", map[string]string{"Authorization": "Bearer one", "X-API-Key": "two"}, "one"},
		{"basic ignored", map[string]string{"Authorization": "Basic abc"}, ""},
		{"none", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := BearerToken(req); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyMiddleware_Success(t *testing.T) {
	handler := APIKeyMiddleware(&fakeValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := GetPrincipal(r.Context())
		if !ok {
			t.Error("principal not found in context")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if principal.KeyID != "key-1" {
			t.Errorf("unexpected key id: %s", principal.KeyID)
		}
		if id, _ := GetAccountID(r.Context()); id != "acct-1" {
			t.Errorf("unexpected account id: %s", id)
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, header := range []string{"Authorization", "X-API-Key"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			value := validKey
			if header == "Authorization" {
				value = "Bearer " + validKey
			}
			req.Header.Set(header, value)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("expected status 200, got %d", w.Code)
			}
		})
	}
}

func TestAPIKeyMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name       string
		validator  *fakeValidator
		key        string
		wantStatus int
		wantCode   string
	}{
		{"missing key", &fakeValidator{}, "", http.StatusUnauthorized, "invalid_credential"},
		{"unknown key", &fakeValidator{}, "sk-nope", http.StatusUnauthorized, "invalid_credential"},
		{"busy store", &fakeValidator{err: storage.ErrTransientStore}, validKey, http.StatusServiceUnavailable, "transient_store_error"},
		{"store failure", &fakeValidator{err: errors.New("disk on fire")}, validKey, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKeyMiddleware(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("next handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestIdentityMiddleware(t *testing.T) {
	accounts := &fakeAccounts{}
	handler := IdentityMiddleware(newVerifier(t), accounts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := GetIdentity(r.Context())
		if !ok || identity.Subject != "user-7" || identity.Email != "user-7@example.com" {
			t.Errorf("unexpected identity: %+v", identity)
		}
		if id, _ := GetAccountID(r.Context()); id != "user-7" {
			t.Errorf("unexpected account id: %s", id)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer "+identityToken(t, "user-7"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if email := accounts.ensured["user-7"]; email != "user-7@example.com" {
		t.Errorf("account not ensured, got %v", accounts.ensured)
	}

	for _, token := range []string{"", "not-a-jwt", validKey} {
		req := httptest.NewRequest(http.MethodPost, "/v1/keys", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, w.Code)
		}
		if code := errorCode(t, w); code != "invalid_identity" {
			t.Errorf("token %q: expected invalid_identity, got %s", token, code)
		}
	}
}

func TestIdentityMiddlewareStoreFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"busy store", storage.ErrTransientStore, http.StatusServiceUnavailable, "transient_store_error"},
		{"store failure", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := IdentityMiddleware(newVerifier(t), &fakeAccounts{err: tt.err})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("next handler should not be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
			req.Header.Set("Authorization", "Bearer "+identityToken(t, "user-7"))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if code := errorCode(t, w); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
		})
	}
}

func TestAccountMiddleware(t *testing.T) {
	var seen string
	accounts := &fakeAccounts{}
	handler := AccountMiddleware(&fakeValidator{}, newVerifier(t), accounts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAccountID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		token      string
		wantStatus int
		wantID     string
		wantCode   string
	}{
		{"api key", validKey, http.StatusOK, "acct-1", ""},
		{"identity token", identityToken(t, "user-9"), http.StatusOK, "user-9", ""},
		{"bad api key", "sk-123", http.StatusUnauthorized, "", "invalid_credential"},
		{"bad token", "eyJ.bad.token", http.StatusUnauthorized, "", "invalid_identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/account", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, w.Code)
			}
			if seen != tt.wantID {
				t.Errorf("expected account %q, got %q", tt.wantID, seen)
			}
			if _, ok := accounts.ensured["acct-1"]; ok {
				t.Error("API key requests must not create accounts")
			}
			if tt.wantCode != "" {
				if code := errorCode(t, w); code != tt.wantCode {
					t.Errorf("expected code %s, got %s", tt.wantCode, code)
				}
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", w.Code)
	}
}
