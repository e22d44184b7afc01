package models

import "time"

// CredentialStatus is the lifecycle state of an API key. Revoked is terminal.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// Credential is the stored form of an API key. Only a keyed digest of the
// secret is persisted.
type Credential struct {
	KeyID        string           `db:"key_id" json:"key_id"`
	AccountID    string           `db:"account_id" json:"account_id"`
	SecretDigest string           `db:"secret_digest" json:"-"`
	KeyPrefix    string           `db:"key_prefix" json:"key_prefix"`
	Status       CredentialStatus `db:"status" json:"status"`
	IssuedAt     time.Time        `db:"issued_at" json:"issued_at"`
	RevokedAt    *time.Time       `db:"revoked_at" json:"revoked_at,omitempty"`
}

// IsActive reports whether the credential can authorize requests
func (c *Credential) IsActive() bool {
	return c.Status == CredentialActive
}

// IssuedCredential is returned exactly once, when a key is issued.
type IssuedCredential struct {
	KeyID     string    `json:"key_id"`
	Secret    string    `json:"api_key"`
	KeyPrefix string    `json:"key_prefix"`
	IssuedAt  time.Time `json:"issued_at"`
}
