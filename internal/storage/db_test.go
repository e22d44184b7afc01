package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_access/internal/models"
)

// setupTestDB opens a migrated SQLite database in a temp dir
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultDBConfig()
	cfg.Driver = string(DialectSQLite)
	cfg.DSN = filepath.Join(t.TempDir(), "store.db")
	cfg.Retry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	db, err := NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// skipIfNoDatabase skips Postgres tests when DATABASE_URL is not set
func skipIfNoDatabase(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping Postgres integration test")
	}
	return dsn
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Health(context.Background()))
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/x.db")
	assert.Contains(t, dsn, "?_pragma=busy_timeout(5000)")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_pragma=foreign_keys(1)")

	custom := sqliteDSN("file:/tmp/x.db?_txlock=deferred")
	assert.Contains(t, custom, "_txlock=deferred")
	assert.NotContains(t, custom, "_txlock=immediate")
	assert.Contains(t, custom, "&_pragma=busy_timeout(5000)")
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	_, err := NewDB(DBConfig{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
}

func TestInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := setupTestDB(t)
		err := db.InTx(ctx, func(tx *Tx) error {
			_, _, err := tx.Accounts().Ensure(ctx, "acct-commit", "a@example.com", time.Now())
			return err
		})
		require.NoError(t, err)

		_, err = db.Accounts().Get(ctx, "acct-commit")
		require.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := setupTestDB(t)
		boom := errors.New("boom")
		err := db.InTx(ctx, func(tx *Tx) error {
			if _, _, err := tx.Accounts().Ensure(ctx, "acct-rollback", "", time.Now()); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = db.Accounts().Get(ctx, "acct-rollback")
		require.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		db := setupTestDB(t)
		attempts := 0
		err := db.InTx(ctx, func(tx *Tx) error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("contention: %w", ErrTransientStore)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		db := setupTestDB(t)
		attempts := 0
		err := db.InTx(ctx, func(tx *Tx) error {
			attempts++
			return &pq.Error{Code: "40001"}
		})
		require.ErrorIs(t, err, ErrTransientStore)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry business errors", func(t *testing.T) {
		db := setupTestDB(t)
		attempts := 0
		err := db.InTx(ctx, func(tx *Tx) error {
			attempts++
			return ErrAccountNotFound
		})
		require.ErrorIs(t, err, ErrAccountNotFound)
		assert.Equal(t, 1, attempts)
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrTransientStore, true},
		{"wrapped sentinel", fmt.Errorf("x: %w", ErrTransientStore), true},
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("exec: %w", &pq.Error{Code: "40P01"}), true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"not found", ErrAccountNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := skipIfNoDatabase(t)
	ctx := context.Background()

	cfg := DefaultDBConfig()
	cfg.DSN = dsn
	db, err := NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	accountID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	err = db.InTx(ctx, func(tx *Tx) error {
		if _, _, err := tx.Accounts().Ensure(ctx, accountID, "it@example.com", time.Now()); err != nil {
			return err
		}
		acct, err := tx.Accounts().GetForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		acct.Balance = models.MustParseMoney("2.00")
		return tx.Accounts().SaveQuota(ctx, acct)
	})
	require.NoError(t, err)

	acct, err := db.Accounts().Get(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, models.MustParseMoney("2.00"), acct.Balance)
}
