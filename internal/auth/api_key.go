package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_access/internal/models"
	"llm_access/internal/storage"
	"llm_access/internal/utils"
)

var (
	// ErrInvalidCredential is returned for unknown, malformed or revoked API keys
	ErrInvalidCredential = errors.New("invalid credential")
)

// Principal is the identity an API key resolves to
type Principal struct {
	AccountID string
	KeyID     string
}

// CredentialManager issues, rotates and validates API keys. Each account
// has at most one active key; rotation swaps it in a single transaction.
type CredentialManager struct {
	db     *storage.DB
	hasher *SecretHasher
	now    func() time.Time
	logger *utils.Logger
}

// NewCredentialManager creates a credential manager
func NewCredentialManager(db *storage.DB, hasher *SecretHasher) *CredentialManager {
	return &CredentialManager{
		db:     db,
		hasher: hasher,
		now:    time.Now,
		logger: utils.NewLogger("credentials"),
	}
}

// IssueOrRotate issues a new key for an existing account and revokes the
// previous one. The secret is only ever available in the returned value.
func (m *CredentialManager) IssueOrRotate(ctx context.Context, accountID string) (*models.IssuedCredential, error) {
	var issued *models.IssuedCredential

	err := m.db.InTx(ctx, func(tx *storage.Tx) error {
		account, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}

		secret, err := GenerateSecret()
		if err != nil {
			return err
		}

		now := storage.Truncate(m.now())
		cred := &models.Credential{
			KeyID:        uuid.NewString(),
			AccountID:    account.AccountID,
			SecretDigest: m.hasher.Digest(secret),
			KeyPrefix:    displayPrefix(secret),
			Status:       models.CredentialActive,
			IssuedAt:     now,
		}

		revoked, err := tx.Credentials().RevokeActive(ctx, account.AccountID, now)
		if err != nil {
			return err
		}
		if err := tx.Credentials().Insert(ctx, cred); err != nil {
			return err
		}
		if err := tx.Accounts().SetActiveKey(ctx, account.AccountID, &cred.KeyID); err != nil {
			return err
		}

		m.logger.Debug("Rotated API key", "account_id", account.AccountID, "key_id", cred.KeyID, "revoked", revoked)
		issued = &models.IssuedCredential{
			KeyID:     cred.KeyID,
			Secret:    secret,
			KeyPrefix: cred.KeyPrefix,
			IssuedAt:  cred.IssuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential: %w", err)
	}

	m.logger.Info("Issued API key", "account_id", accountID, "key_id", issued.KeyID)
	return issued, nil
}

// Validate resolves a secret to the account it authorizes. Unknown and
// revoked secrets both yield ErrInvalidCredential.
func (m *CredentialManager) Validate(ctx context.Context, secret string) (*Principal, error) {
	if !LooksLikeSecret(secret) {
		return nil, ErrInvalidCredential
	}

	digest := m.hasher.Digest(secret)
	cred, err := m.db.Credentials().GetByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(cred.SecretDigest), []byte(digest)) != 1 {
		return nil, ErrInvalidCredential
	}
	if !cred.IsActive() {
		return nil, ErrInvalidCredential
	}

	return &Principal{AccountID: cred.AccountID, KeyID: cred.KeyID}, nil
}

// ActiveKey returns metadata of the account's live key, or nil when it has none
func (m *CredentialManager) ActiveKey(ctx context.Context, accountID string) (*models.Credential, error) {
	account, err := m.db.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.HasActiveKey() {
		return nil, nil
	}

	cred, err := m.db.Credentials().GetByID(ctx, *account.ActiveKeyID)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// ListKeys returns metadata for every key the account was issued, newest first
func (m *CredentialManager) ListKeys(ctx context.Context, accountID string) ([]*models.Credential, error) {
	if _, err := m.db.Accounts().Get(ctx, accountID); err != nil {
		return nil, err
	}
	return m.db.Credentials().ListByAccount(ctx, accountID)
}
