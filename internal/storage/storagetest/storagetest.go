// Package storagetest opens throwaway SQLite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llm_access/internal/models"
	"llm_access/internal/storage"
)

// NewSQLite returns a migrated store backed by a file in t.TempDir()
func NewSQLite(t testing.TB) *storage.DB {
	t.Helper()

	cfg := storage.DefaultDBConfig()
	cfg.Driver = string(storage.DialectSQLite)
	cfg.DSN = filepath.Join(t.TempDir(), "llm_access.db")
	cfg.Retry = storage.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// SeedAccount creates an account with the given balance
func SeedAccount(t testing.TB, db *storage.DB, accountID string, balance models.Money) *models.Account {
	t.Helper()
	ctx := context.Background()

	_, _, err := db.Accounts().Ensure(ctx, accountID, accountID+"@example.com", time.Now())
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, db.Accounts().Credit(ctx, accountID, balance))
	}

	acct, err := db.Accounts().Get(ctx, accountID)
	require.NoError(t, err)
	return acct
}
