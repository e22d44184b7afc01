package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"llm_access/internal/auth"
	"llm_access/internal/billing"
	"llm_access/internal/queue"
	"llm_access/internal/storage"
)

// Config holds configuration for the service.
type Config struct {
	HTTPPort         string
	LogLevel         string
	CredentialPepper string
	Database         DatabaseConfig
	Redis            RedisConfig
	Identity         IdentityConfig
	Billing          BillingConfig
	Provider         ProviderConfig
	Queue            QueueConfig
	RateLimit        RateLimitConfig
	LoggingSink      LoggingSinkConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite; inferred from URL when empty
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
}

// RedisConfig holds Redis connection settings. An empty Address disables
// Redis: queues fall back to memory and rate limiting is off.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// IdentityConfig selects how identity tokens are verified
type IdentityConfig struct {
	JWTSecret     string
	PublicKeyFile string
	Issuer        string
	Audience      string
}

// BillingConfig holds quota and pricing settings
type BillingConfig struct {
	FreeTierDailyLimit int
	ReservationTTL     time.Duration
	Timezone           string
	PricingFile        string
	PricingMargin      float64
	SweepInterval      time.Duration
	// MaxOutputTokens caps max_tokens on forwarded requests and prices holds
	MaxOutputTokens int64
}

// ProviderConfig holds provider-related settings
type ProviderConfig struct {
	Type           string
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// QueueConfig holds retry queue settings shared by the workers
type QueueConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// RateLimitConfig holds per-key request limits
type RateLimitConfig struct {
	RequestsPerMinute int
}

// LoggingSinkConfig holds configuration for the ledger audit sink
type LoggingSinkConfig struct {
	Enabled          bool
	Type             string        // "s3" or "file"
	BufferSize       int           // File sink channel size
	FlushSize        int           // Upload to S3 after this many records
	FlushInterval    time.Duration // Flush after this duration
	MaxAttempts      int           // Upload attempts before an event is dropped
	S3Bucket         string
	S3Region         string
	S3Prefix         string // Prefix for S3 keys (e.g., "ledger/")
	S3Endpoint       string // S3-compatible endpoint such as MinIO
	PodName          string // Pod identifier for multi-pod deployments
	FilePathTemplate string
	FileMaxSize      int64
	FileMaxFiles     int
}

const minPepperLength = 16

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CREDENTIAL_PEPPER", "")

	v.SetDefault("DATABASE_DRIVER", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 25)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)
	v.SetDefault("DB_RETRY_ATTEMPTS", 4)
	v.SetDefault("DB_RETRY_BASE_DELAY", 25*time.Millisecond)
	v.SetDefault("DB_RETRY_MAX_DELAY", 500*time.Millisecond)

	v.SetDefault("REDIS_ADDRESS", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 2)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)

	v.SetDefault("IDENTITY_JWT_SECRET", "")
	v.SetDefault("IDENTITY_PUBLIC_KEY_FILE", "")
	v.SetDefault("IDENTITY_ISSUER", "")
	v.SetDefault("IDENTITY_AUDIENCE", "")

	v.SetDefault("FREE_TIER_DAILY_LIMIT", 5)
	v.SetDefault("RESERVATION_TTL", 10*time.Minute)
	v.SetDefault("BILLING_TIMEZONE", "UTC")
	v.SetDefault("PRICING_FILE", "")
	v.SetDefault("PRICING_MARGIN", billing.DefaultMargin)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("MAX_OUTPUT_TOKENS", 4096)

	v.SetDefault("PROVIDER_TYPE", "openai")
	v.SetDefault("PROVIDER_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("PROVIDER_API_KEY", "")
	v.SetDefault("PROVIDER_REQUEST_TIMEOUT", 60*time.Second)

	v.SetDefault("QUEUE_BATCH_SIZE", 100)
	v.SetDefault("QUEUE_BATCH_TIMEOUT", 5*time.Second)
	v.SetDefault("QUEUE_MAX_RETRIES", 3)
	v.SetDefault("QUEUE_RETRY_BACKOFF", 1*time.Second)
	v.SetDefault("QUEUE_MAX_BACKOFF", 30*time.Second)

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)

	v.SetDefault("LOGGING_SINK_ENABLED", false)
	v.SetDefault("LOGGING_SINK_TYPE", "s3")
	v.SetDefault("LOGGING_SINK_BUFFER_SIZE", 10000)
	v.SetDefault("LOGGING_SINK_FLUSH_SIZE", 1000)
	v.SetDefault("LOGGING_SINK_FLUSH_INTERVAL", 5*time.Minute)
	v.SetDefault("LOGGING_SINK_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGGING_SINK_S3_BUCKET", "")
	v.SetDefault("LOGGING_SINK_S3_REGION", "us-east-1")
	v.SetDefault("LOGGING_SINK_S3_PREFIX", "ledger/")
	v.SetDefault("LOGGING_SINK_S3_ENDPOINT", "")
	v.SetDefault("POD_NAME", "llm-access-0")
	v.SetDefault("LOGGING_SINK_FILE_PATH_TEMPLATE", "/var/log/llm-access/ledger-%s.jsonl")
	v.SetDefault("LOGGING_SINK_FILE_MAX_SIZE", 10_485_760) // 10 MB
	v.SetDefault("LOGGING_SINK_FILE_MAX_FILES", 5)
}

// Load reads configuration from environment variables, layered over an
// optional YAML file whose keys are the lower-cased variable names.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	// OPENAI_API_KEY is accepted as a fallback for the upstream key
	if err := v.BindEnv("PROVIDER_API_KEY", "PROVIDER_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		HTTPPort:         v.GetString("HTTP_PORT"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		CredentialPepper: v.GetString("CREDENTIAL_PEPPER"),
		Database: DatabaseConfig{
			Driver:          v.GetString("DATABASE_DRIVER"),
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
			RetryAttempts:   v.GetInt("DB_RETRY_ATTEMPTS"),
			RetryBaseDelay:  v.GetDuration("DB_RETRY_BASE_DELAY"),
			RetryMaxDelay:   v.GetDuration("DB_RETRY_MAX_DELAY"),
		},
		Redis: RedisConfig{
			Address:      v.GetString("REDIS_ADDRESS"),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		Identity: IdentityConfig{
			JWTSecret:     v.GetString("IDENTITY_JWT_SECRET"),
			PublicKeyFile: v.GetString("IDENTITY_PUBLIC_KEY_FILE"),
			Issuer:        v.GetString("IDENTITY_ISSUER"),
			Audience:      v.GetString("IDENTITY_AUDIENCE"),
		},
		Billing: BillingConfig{
			FreeTierDailyLimit: v.GetInt("FREE_TIER_DAILY_LIMIT"),
			ReservationTTL:     v.GetDuration("RESERVATION_TTL"),
			Timezone:           v.GetString("BILLING_TIMEZONE"),
			PricingFile:        v.GetString("PRICING_FILE"),
			PricingMargin:      v.GetFloat64("PRICING_MARGIN"),
			SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
			MaxOutputTokens:    v.GetInt64("MAX_OUTPUT_TOKENS"),
		},
		Provider: ProviderConfig{
			Type:           v.GetString("PROVIDER_TYPE"),
			BaseURL:        v.GetString("PROVIDER_BASE_URL"),
			APIKey:         v.GetString("PROVIDER_API_KEY"),
			RequestTimeout: v.GetDuration("PROVIDER_REQUEST_TIMEOUT"),
		},
		Queue: QueueConfig{
			BatchSize:    v.GetInt("QUEUE_BATCH_SIZE"),
			BatchTimeout: v.GetDuration("QUEUE_BATCH_TIMEOUT"),
			MaxRetries:   v.GetInt("QUEUE_MAX_RETRIES"),
			RetryBackoff: v.GetDuration("QUEUE_RETRY_BACKOFF"),
			MaxBackoff:   v.GetDuration("QUEUE_MAX_BACKOFF"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
		LoggingSink: LoggingSinkConfig{
			Enabled:          v.GetBool("LOGGING_SINK_ENABLED"),
			Type:             strings.ToLower(v.GetString("LOGGING_SINK_TYPE")),
			BufferSize:       v.GetInt("LOGGING_SINK_BUFFER_SIZE"),
			FlushSize:        v.GetInt("LOGGING_SINK_FLUSH_SIZE"),
			FlushInterval:    v.GetDuration("LOGGING_SINK_FLUSH_INTERVAL"),
			MaxAttempts:      v.GetInt("LOGGING_SINK_MAX_ATTEMPTS"),
			S3Bucket:         v.GetString("LOGGING_SINK_S3_BUCKET"),
			S3Region:         v.GetString("LOGGING_SINK_S3_REGION"),
			S3Prefix:         v.GetString("LOGGING_SINK_S3_PREFIX"),
			S3Endpoint:       v.GetString("LOGGING_SINK_S3_ENDPOINT"),
			PodName:          v.GetString("POD_NAME"),
			FilePathTemplate: v.GetString("LOGGING_SINK_FILE_PATH_TEMPLATE"),
			FileMaxSize:      v.GetInt64("LOGGING_SINK_FILE_MAX_SIZE"),
			FileMaxFiles:     v.GetInt("LOGGING_SINK_FILE_MAX_FILES"),
		},
	}

	return cfg, nil
}

// ValidateDatabase checks the settings every command needs
func (c *Config) ValidateDatabase() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	switch c.Database.driver() {
	case storage.DialectPostgres, storage.DialectSQLite:
		return nil
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}
}

// Validate checks the settings the server needs and reports every problem
func (c *Config) Validate() error {
	var errs []error

	if err := c.ValidateDatabase(); err != nil {
		errs = append(errs, err)
	}

	switch n := len(c.CredentialPepper); {
	case n == 0:
		errs = append(errs, errors.New("CREDENTIAL_PEPPER is required"))
	case n < minPepperLength:
		errs = append(errs, fmt.Errorf("CREDENTIAL_PEPPER must be at least %d bytes", minPepperLength))
	}

	if c.Identity.JWTSecret == "" && c.Identity.PublicKeyFile == "" {
		errs = append(errs, errors.New("IDENTITY_JWT_SECRET or IDENTITY_PUBLIC_KEY_FILE is required"))
	}

	if _, err := c.Billing.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Billing.FreeTierDailyLimit < 0 {
		errs = append(errs, errors.New("FREE_TIER_DAILY_LIMIT must not be negative"))
	}
	if c.Billing.MaxOutputTokens <= 0 {
		errs = append(errs, errors.New("MAX_OUTPUT_TOKENS must be positive"))
	}
	if c.Billing.PricingMargin < 0 {
		errs = append(errs, errors.New("PRICING_MARGIN must not be negative"))
	}

	if c.LoggingSink.Enabled {
		switch c.LoggingSink.Type {
		case "s3":
			if c.LoggingSink.S3Bucket == "" {
				errs = append(errs, errors.New("LOGGING_SINK_S3_BUCKET is required for the s3 sink"))
			}
		case "file":
			if !strings.Contains(c.LoggingSink.FilePathTemplate, "%s") {
				errs = append(errs, errors.New("LOGGING_SINK_FILE_PATH_TEMPLATE must contain %s"))
			}
		default:
			errs = append(errs, fmt.Errorf("LOGGING_SINK_TYPE must be s3 or file, got %q", c.LoggingSink.Type))
		}
	}

	return errors.Join(errs...)
}

func (d DatabaseConfig) driver() storage.Dialect {
	if d.Driver != "" {
		return storage.Dialect(strings.ToLower(d.Driver))
	}
	if strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://") {
		return storage.DialectPostgres
	}
	return storage.DialectSQLite
}

// StoreConfig converts the settings for storage.NewDB
func (d DatabaseConfig) StoreConfig() storage.DBConfig {
	return storage.DBConfig{
		Driver:          string(d.driver()),
		DSN:             d.URL,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
		Retry: storage.RetryConfig{
			MaxAttempts: d.RetryAttempts,
			BaseDelay:   d.RetryBaseDelay,
			MaxDelay:    d.RetryMaxDelay,
		},
	}
}

// Enabled reports whether a Redis server is configured
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

// VerifierConfig loads the identity key material
func (i IdentityConfig) VerifierConfig() (auth.JWTVerifierConfig, error) {
	cfg := auth.JWTVerifierConfig{Issuer: i.Issuer, Audience: i.Audience}
	if i.PublicKeyFile != "" {
		pem, err := os.ReadFile(i.PublicKeyFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to read identity public key: %w", err)
		}
		cfg.RSAPublicKeyPEM = string(pem)
		return cfg, nil
	}
	cfg.HMACSecret = []byte(i.JWTSecret)
	return cfg, nil
}

// Location resolves the billing calendar
func (b BillingConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid BILLING_TIMEZONE %q: %w", b.Timezone, err)
	}
	return loc, nil
}

// EngineConfig converts the settings for billing.NewEngine
func (b BillingConfig) EngineConfig() (billing.Config, error) {
	loc, err := b.Location()
	if err != nil {
		return billing.Config{}, err
	}
	return billing.Config{
		FreeTierDailyLimit: b.FreeTierDailyLimit,
		ReservationTTL:     b.ReservationTTL,
		Location:           loc,
	}, nil
}

// For returns the worker configuration of the named queue
func (q QueueConfig) For(name string) *queue.Config {
	cfg := queue.DefaultConfig(name)
	if q.BatchSize > 0 {
		cfg.BatchSize = q.BatchSize
	}
	if q.BatchTimeout > 0 {
		cfg.BatchTimeout = q.BatchTimeout
	}
	if q.MaxRetries >= 0 {
		cfg.MaxRetries = q.MaxRetries
	}
	if q.RetryBackoff > 0 {
		cfg.RetryBackoff = q.RetryBackoff
	}
	if q.MaxBackoff > 0 {
		cfg.MaxBackoff = q.MaxBackoff
	}
	return cfg
}
