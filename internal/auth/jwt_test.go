package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentitySecret = []byte("identity-secret")

func TestJWTVerifierHS256(t *testing.T) {
	ctx := context.Background()
	verifier, err := NewJWTVerifier(JWTVerifierConfig{
		HMACSecret: testIdentitySecret,
		Issuer:     "https://id.example.com",
		Audience:   "llm-access",
	})
	require.NoError(t, err)

	sign := func(spec IdentityTokenSpec) string {
		token, err := SignIdentityToken(testIdentitySecret, spec)
		require.NoError(t, err)
		return token
	}

	t.Run("valid", func(t *testing.T) {
		token := sign(IdentityTokenSpec{Subject: "user-1", Email: "u@example.com", Issuer: "https://id.example.com", Audience: "llm-access"})
		id, err := verifier.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", id.Subject)
		assert.Equal(t, "u@example.com", id.Email)
	})

	tests := []struct {
		name  string
		token func() string
	}{
		{"wrong issuer", func() string {
			return sign(IdentityTokenSpec{Subject: "user-1", Issuer: "https://evil.example.com", Audience: "llm-access"})
		}},
		{"wrong audience", func() string {
			return sign(IdentityTokenSpec{Subject: "user-1", Issuer: "https://id.example.com", Audience: "other"})
		}},
		{"missing subject", func() string {
			return sign(IdentityTokenSpec{Issuer: "https://id.example.com", Audience: "llm-access"})
		}},
		{"wrong secret", func() string {
			token, err := SignIdentityToken([]byte("nope"), IdentityTokenSpec{Subject: "user-1", Issuer: "https://id.example.com", Audience: "llm-access"})
			require.NoError(t, err)
			return token
		}},
		{"expired", func() string {
			claims := identityClaims{RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "https://id.example.com",
				Audience:  jwt.ClaimStrings{"llm-access"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testIdentitySecret)
			require.NoError(t, err)
			return token
		}},
		{"garbage", func() string { return "not-a-token" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(ctx, tt.token())
			assert.ErrorIs(t, err, ErrInvalidIdentity)
		})
	}
}

func TestJWTVerifierRS256(t *testing.T) {
	ctx := context.Background()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	verifier, err := NewJWTVerifier(JWTVerifierConfig{RSAPublicKeyPEM: string(pemBytes)})
	require.NoError(t, err)

	claims := identityClaims{
		Email: "rsa@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-rsa",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)

	id, err := verifier.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-rsa", id.Subject)

	// an HS256 token must not be accepted by an RS256 verifier
	hsToken, err := SignIdentityToken(pemBytes, IdentityTokenSpec{Subject: "user-rsa"})
	require.NoError(t, err)
	_, err = verifier.Verify(ctx, hsToken)
	assert.ErrorIs(t, err, ErrInvalidIdentity)
}

func TestNewJWTVerifierConfig(t *testing.T) {
	_, err := NewJWTVerifier(JWTVerifierConfig{})
	assert.Error(t, err)

	_, err = NewJWTVerifier(JWTVerifierConfig{RSAPublicKeyPEM: "not pem"})
	assert.Error(t, err)
}
