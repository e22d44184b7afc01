package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llm_access/internal/models"
)

const credentialColumns = `key_id, account_id, secret_digest, key_prefix, status, issued_at, revoked_at`

// CredentialRepository handles API key persistence. Secrets never reach it,
// only their digests.
type CredentialRepository struct {
	q querier
}

// Insert stores a new credential
func (r *CredentialRepository) Insert(ctx context.Context, cred *models.Credential) error {
	query := r.q.Rebind(`
		INSERT INTO credentials (key_id, account_id, secret_digest, key_prefix, status, issued_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.q.ExecContext(ctx, query,
		cred.KeyID,
		cred.AccountID,
		cred.SecretDigest,
		cred.KeyPrefix,
		cred.Status,
		Truncate(cred.IssuedAt),
		cred.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// RevokeActive revokes every active credential of an account and returns how many changed
func (r *CredentialRepository) RevokeActive(ctx context.Context, accountID string, at time.Time) (int64, error) {
	query := r.q.Rebind(`
		UPDATE credentials SET status = ?, revoked_at = ?
		WHERE account_id = ? AND status = ?
	`)

	res, err := r.q.ExecContext(ctx, query, models.CredentialRevoked, Truncate(at), accountID, models.CredentialActive)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke credentials: %w", err)
	}
	return res.RowsAffected()
}

// GetByDigest looks a credential up by its secret digest
func (r *CredentialRepository) GetByDigest(ctx context.Context, digest string) (*models.Credential, error) {
	return r.getOne(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE secret_digest = ?`, digest)
}

// GetByID looks a credential up by key id
func (r *CredentialRepository) GetByID(ctx context.Context, keyID string) (*models.Credential, error) {
	return r.getOne(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE key_id = ?`, keyID)
}

func (r *CredentialRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Credential, error) {
	var cred models.Credential
	if err := r.q.GetContext(ctx, &cred, r.q.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	normalizeCredential(&cred)
	return &cred, nil
}

// ListByAccount returns an account's credentials, newest first
func (r *CredentialRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.Credential, error) {
	query := r.q.Rebind(`
		SELECT ` + credentialColumns + ` FROM credentials
		WHERE account_id = ?
		ORDER BY issued_at DESC, key_id DESC
	`)

	var creds []*models.Credential
	if err := r.q.SelectContext(ctx, &creds, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		normalizeCredential(c)
	}
	return creds, nil
}

func normalizeCredential(c *models.Credential) {
	c.IssuedAt = c.IssuedAt.UTC()
	if c.RevokedAt != nil {
		t := c.RevokedAt.UTC()
		c.RevokedAt = &t
	}
}
