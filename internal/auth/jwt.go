package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidIdentity is returned when an identity token cannot be verified
var ErrInvalidIdentity = errors.New("invalid identity token")

// Identity is a verified upstream user
type Identity struct {
	Subject string
	Email   string
}

// IdentityVerifier turns an upstream identity token into a verified Identity
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifierConfig configures identity token verification. Exactly one
// of HMACSecret or RSAPublicKeyPEM must be set.
type JWTVerifierConfig struct {
	HMACSecret      []byte
	RSAPublicKeyPEM string
	Issuer          string
	Audience        string
}

type identityClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 or RS256 identity tokens
type JWTVerifier struct {
	key      interface{}
	method   string
	issuer   string
	audience string
}

// NewJWTVerifier creates a verifier from its configuration
func NewJWTVerifier(cfg JWTVerifierConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{issuer: cfg.Issuer, audience: cfg.Audience}

	switch {
	case cfg.RSAPublicKeyPEM != "":
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.RSAPublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse identity public key: %w", err)
		}
		v.key = key
		v.method = jwt.SigningMethodRS256.Alg()
	case len(cfg.HMACSecret) > 0:
		v.key = cfg.HMACSecret
		v.method = jwt.SigningMethodHS256.Alg()
	default:
		return nil, errors.New("identity verifier needs an HMAC secret or an RSA public key")
	}

	return v, nil
}

// Verify checks signature, expiry, issuer and audience and returns the subject
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{v.method}))

	claims := &identityClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrInvalidIdentity)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: unexpected audience", ErrInvalidIdentity)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidIdentity)
	}

	return &Identity{Subject: claims.Subject, Email: claims.Email}, nil
}

// IdentityTokenSpec describes a token minted by SignIdentityToken
type IdentityTokenSpec struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// SignIdentityToken mints an HS256 identity token for local development
func SignIdentityToken(secret []byte, spec IdentityTokenSpec) (string, error) {
	if spec.TTL <= 0 {
		spec.TTL = time.Hour
	}

	now := time.Now()
	claims := identityClaims{
		Email: spec.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   spec.Subject,
			Issuer:    spec.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(spec.TTL)),
		},
	}
	if spec.Audience != "" {
		claims.Audience = jwt.ClaimStrings{spec.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign identity token: %w", err)
	}
	return signed, nil
}
