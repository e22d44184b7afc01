package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"llm_access/internal/utils"
)

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func init() {
	sqlx.BindDriver(string(DialectSQLite), sqlx.QUESTION)
}

// forUpdate returns the row-lock suffix for SELECTs inside a transaction.
// SQLite serializes writers on the single connection and has no row locks.
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// DB wraps the database connection and owns transaction retries
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
	retry   RetryConfig
	logger  *utils.Logger
}

// RetryConfig bounds the retries InTx performs on transient errors
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DBConfig holds database configuration
type DBConfig struct {
	// Driver is "postgres" or "sqlite"
	Driver string
	DSN    string

	// Pool settings (ignored for SQLite, which uses one connection)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	Retry RetryConfig
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: string(DialectPostgres),
		DSN:    "postgres://postgres@localhost:5432/llm_access?sslmode=disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   25 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
		},
	}
}

// NewDB opens the database and configures the pool
func NewDB(cfg DBConfig) (*DB, error) {
	dialect := Dialect(strings.ToLower(cfg.Driver))
	if dialect == "" {
		dialect = DialectPostgres
	}

	dsn := cfg.DSN
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sqlx.Connect(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == DialectSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultDBConfig().Retry
	}

	return &DB{
		conn:    conn,
		dialect: dialect,
		retry:   retry,
		logger:  utils.NewLogger("storage"),
	}, nil
}

// sqliteDSN adds the pragmas the store relies on unless the caller set them
func sqliteDSN(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "journal_mode") && !strings.Contains(dsn, ":memory:") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Dialect returns the SQL backend in use
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats is a snapshot of connection pool statistics
type DBStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration_ns"`
}

// GetStats returns current connection pool statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}
}

// Tx is a running transaction. Every statement issued through its
// repositories runs on the transaction's connection.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
}

// InTx runs fn inside a transaction and commits when fn returns nil.
// Transient failures roll back and retry fn with exponential backoff.
// fn must be safe to re-run from scratch.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < db.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := utils.ExponentialBackoff(db.retry.BaseDelay, db.retry.MaxDelay, attempt-1)
			db.logger.Debug("Retrying transaction", "attempt", attempt, "backoff", delay, "error", lastErr)
			if err := utils.SleepContext(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = db.runTx(ctx, fn)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}

	db.logger.Warn("Transaction retries exhausted", "attempts", db.retry.MaxAttempts, "error", lastErr)
	if errors.Is(lastErr, ErrTransientStore) {
		return lastErr
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, lastErr)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: sqlTx, dialect: db.dialect}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Repository factory methods

// Accounts returns an account repository outside any transaction
func (db *DB) Accounts() *AccountRepository {
	return &AccountRepository{q: db.conn, dialect: db.dialect}
}

// Credentials returns a credential repository outside any transaction
func (db *DB) Credentials() *CredentialRepository {
	return &CredentialRepository{q: db.conn}
}

// Reservations returns a reservation repository outside any transaction
func (db *DB) Reservations() *ReservationRepository {
	return &ReservationRepository{q: db.conn, dialect: db.dialect}
}

// Usage returns a usage repository outside any transaction
func (db *DB) Usage() *UsageRepository {
	return &UsageRepository{q: db.conn}
}

// Accounts returns an account repository bound to the transaction
func (t *Tx) Accounts() *AccountRepository {
	return &AccountRepository{q: t.tx, dialect: t.dialect}
}

// Credentials returns a credential repository bound to the transaction
func (t *Tx) Credentials() *CredentialRepository {
	return &CredentialRepository{q: t.tx}
}

// Reservations returns a reservation repository bound to the transaction
func (t *Tx) Reservations() *ReservationRepository {
	return &ReservationRepository{q: t.tx, dialect: t.dialect}
}

// Usage returns a usage repository bound to the transaction
func (t *Tx) Usage() *UsageRepository {
	return &UsageRepository{q: t.tx}
}

// querier is satisfied by *sqlx.DB and *sqlx.Tx
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Now returns the current time in the precision the store keeps (microseconds, UTC)
func Now() time.Time {
	return Truncate(time.Now())
}

// Truncate normalizes t to UTC microseconds
func Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
