package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llm_access/internal/models"
)

const accountColumns = `account_id, email, active_key_id, free_calls_used_today,
	last_free_call_date, balance_micros, created_at`

// AccountRepository handles account persistence
type AccountRepository struct {
	q       querier
	dialect Dialect
}

// Ensure creates the account if it does not exist and returns the stored row.
// An existing account is returned unchanged.
func (r *AccountRepository) Ensure(ctx context.Context, accountID, email string, now time.Time) (*models.Account, bool, error) {
	query := r.q.Rebind(`
		INSERT INTO accounts (account_id, email, free_calls_used_today, balance_micros, created_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (account_id) DO NOTHING
	`)

	res, err := r.q.ExecContext(ctx, query, accountID, email, Truncate(now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure account: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	account, err := r.Get(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return account, affected == 1, nil
}

// Get retrieves an account by id
func (r *AccountRepository) Get(ctx context.Context, accountID string) (*models.Account, error) {
	return r.get(ctx, accountID, "")
}

// GetForUpdate retrieves an account and locks its row until the transaction ends
func (r *AccountRepository) GetForUpdate(ctx context.Context, accountID string) (*models.Account, error) {
	return r.get(ctx, accountID, r.dialect.forUpdate())
}

func (r *AccountRepository) get(ctx context.Context, accountID, suffix string) (*models.Account, error) {
	query := r.q.Rebind(`SELECT ` + accountColumns + ` FROM accounts WHERE account_id = ?` + suffix)

	var account models.Account
	if err := r.q.GetContext(ctx, &account, query, accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.CreatedAt = account.CreatedAt.UTC()
	return &account, nil
}

// SaveQuota writes the free-tier counter, its date and the balance
func (r *AccountRepository) SaveQuota(ctx context.Context, account *models.Account) error {
	query := r.q.Rebind(`
		UPDATE accounts
		SET free_calls_used_today = ?, last_free_call_date = ?, balance_micros = ?
		WHERE account_id = ?
	`)

	res, err := r.q.ExecContext(ctx, query,
		account.FreeCallsUsedToday,
		account.LastFreeCallDate,
		account.Balance,
		account.AccountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account quota: %w", err)
	}
	return expectOneRow(res, ErrAccountNotFound)
}

// SetActiveKey points the account at its live credential (nil clears it)
func (r *AccountRepository) SetActiveKey(ctx context.Context, accountID string, keyID *string) error {
	query := r.q.Rebind(`UPDATE accounts SET active_key_id = ? WHERE account_id = ?`)

	res, err := r.q.ExecContext(ctx, query, keyID, accountID)
	if err != nil {
		return fmt.Errorf("failed to set active key: %w", err)
	}
	return expectOneRow(res, ErrAccountNotFound)
}

// Credit adds a positive amount to the balance in one statement.
// It is the only way balance increases from outside the billing engine.
func (r *AccountRepository) Credit(ctx context.Context, accountID string, amount models.Money) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	query := r.q.Rebind(`UPDATE accounts SET balance_micros = balance_micros + ? WHERE account_id = ?`)

	res, err := r.q.ExecContext(ctx, query, amount, accountID)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	return expectOneRow(res, ErrAccountNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
