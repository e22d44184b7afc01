package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// SecretPrefix starts every issued API key
	SecretPrefix = "sk-"

	secretRandomBytes = 24
	secretLength      = len(SecretPrefix) + 2*secretRandomBytes
	keyPrefixLength   = len(SecretPrefix) + 8
)

// SecretHasher computes keyed BLAKE2b-256 digests of API key secrets.
// The pepper is a server-side key that never leaves the process.
type SecretHasher struct {
	pepper []byte
}

// NewSecretHasher creates a hasher. Peppers longer than 64 bytes are
// compressed to fit the BLAKE2b key size.
func NewSecretHasher(pepper []byte) *SecretHasher {
	if len(pepper) > blake2b.Size {
		sum := blake2b.Sum256(pepper)
		pepper = sum[:]
	}
	return &SecretHasher{pepper: append([]byte(nil), pepper...)}
}

// Digest returns the hex digest of a secret
func (h *SecretHasher) Digest(secret string) string {
	mac, err := blake2b.New256(h.pepper)
	if err != nil {
		// only possible for keys over 64 bytes, which NewSecretHasher prevents
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSecret returns a new high-entropy API key such as "sk-3f9a..."
func GenerateSecret() (string, error) {
	buf := make([]byte, secretRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(buf), nil
}

// LooksLikeSecret reports whether s has the shape of an issued API key
func LooksLikeSecret(s string) bool {
	if len(s) != secretLength || !strings.HasPrefix(s, SecretPrefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(SecretPrefix):])
	return err == nil
}

// displayPrefix is the non-secret leading part of a key shown in listings
func displayPrefix(secret string) string {
	if len(secret) < keyPrefixLength {
		return secret
	}
	return secret[:keyPrefixLength]
}
