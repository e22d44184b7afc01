package httpapi

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"llm_access/internal/auth"
	"llm_access/internal/authorizer"
	"llm_access/internal/billing"
	"llm_access/internal/config"
	"llm_access/internal/logging"
	"llm_access/internal/providers"
	"llm_access/internal/queue"
	"llm_access/internal/ratelimit"
	"llm_access/internal/storage"
	"llm_access/internal/usage"
)

// NewDependencies wires every service from configuration. The store is
// expected to be migrated already.
func NewDependencies(ctx context.Context, cfg *config.Config) (deps *Dependencies, err error) {
	deps = &Dependencies{MaxOutputTokens: cfg.Billing.MaxOutputTokens}
	defer func() {
		if err != nil {
			deps.Shutdown(context.WithoutCancel(ctx))
			deps = nil
		}
	}()

	// Initialize database
	deps.DB, err = storage.NewDB(cfg.Database.StoreConfig())
	if err != nil {
		return deps, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize Redis client
	if cfg.Redis.Enabled() {
		deps.Redis, err = NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return deps, err
		}
	}

	verifierCfg, err := cfg.Identity.VerifierConfig()
	if err != nil {
		return deps, err
	}
	deps.Identity, err = auth.NewJWTVerifier(verifierCfg)
	if err != nil {
		return deps, fmt.Errorf("failed to initialize identity verifier: %w", err)
	}

	pricing, err := loadPricing(cfg.Billing)
	if err != nil {
		return deps, err
	}
	deps.Pricing = pricing
	logger.Info("Pricing loaded", "models", len(pricing.Models()), "margin", pricing.Margin())

	engineCfg, err := cfg.Billing.EngineConfig()
	if err != nil {
		return deps, err
	}

	deps.Provider, err = providers.NewProvider(providers.ProviderConfig{
		Name:    cfg.Provider.Type,
		Type:    cfg.Provider.Type,
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.RequestTimeout,
	})
	if err != nil {
		return deps, fmt.Errorf("failed to initialize provider: %w", err)
	}

	deps.Ledger, err = NewLedgerSink(ctx, cfg.LoggingSink, deps.Redis)
	if err != nil {
		return deps, err
	}

	deps.Credentials = auth.NewCredentialManager(deps.DB, auth.NewSecretHasher([]byte(cfg.CredentialPepper)))
	deps.Engine = billing.NewEngine(deps.DB, engineCfg)
	deps.Usage = usage.NewRecorder(deps.DB, deps.Ledger)
	deps.Sweeper = billing.NewSweeper(deps.Engine, cfg.Billing.SweepInterval)

	// Retry queues
	usageQueue, usageDLQ, err := NewQueues(deps.Redis, cfg.Queue.For("usage"))
	if err != nil {
		return deps, err
	}
	deps.RecordWorker = usage.NewRecordWorker(usageQueue, usageDLQ, deps.Usage, cfg.Queue.For("usage"))

	settlementQueue, settlementDLQ, err := NewQueues(deps.Redis, cfg.Queue.For("settlement"))
	if err != nil {
		return deps, err
	}
	deps.SettlementWorker = billing.NewSettlementWorker(settlementQueue, settlementDLQ, deps.Engine, deps.RecordWorker, cfg.Queue.For("settlement"))

	// Rate limiting needs Redis
	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if deps.Redis != nil {
		limiter = ratelimit.NewRateLimiter(deps.Redis)
	}

	deps.Authorizer = authorizer.New(deps.Credentials, pricing, deps.Engine, deps.Usage,
		authorizer.WithRateLimit(limiter, cfg.RateLimit.RequestsPerMinute),
		authorizer.WithSettlementQueue(deps.SettlementWorker),
		authorizer.WithUsageRetry(deps.RecordWorker),
	)

	return deps, nil
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewQueues returns Redis-backed queues when a client is given and
// in-memory ones otherwise
func NewQueues(client *redis.Client, cfg *queue.Config) (queue.Queue, queue.DeadLetterQueue, error) {
	if client == nil {
		return queue.NewMemoryQueue(cfg), queue.NewMemoryDeadLetterQueue(), nil
	}

	q, err := queue.NewRedisQueue(client, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s queue: %w", cfg.QueueName, err)
	}
	dlq, err := queue.NewRedisDeadLetterQueue(client, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s DLQ: %w", cfg.QueueName, err)
	}
	return q, dlq, nil
}

// NewLedgerSink builds the audit sink selected by configuration
func NewLedgerSink(ctx context.Context, cfg config.LoggingSinkConfig, client *redis.Client) (logging.Sink, error) {
	if !cfg.Enabled {
		return logging.NewNoopSink(), nil
	}

	switch cfg.Type {
	case "file":
		sink, err := logging.NewFileSink(cfg.FilePathTemplate, cfg.FileMaxSize, cfg.FileMaxFiles, cfg.BufferSize, cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file ledger sink: %w", err)
		}
		return sink, nil

	case "s3":
		writer, err := logging.NewS3Writer(ctx, logging.S3WriterConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			PodName:  cfg.PodName,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 writer: %w", err)
		}

		// a Redis buffer keeps unflushed events across restarts
		var buffer queue.Queue = queue.NewMemoryQueue(queue.DefaultConfig("ledger"))
		if client != nil {
			buffer, err = queue.NewRedisQueue(client, queue.DefaultConfig("ledger"))
			if err != nil {
				return nil, fmt.Errorf("failed to create ledger buffer: %w", err)
			}
		}

		return logging.NewS3Sink(context.WithoutCancel(ctx), logging.S3SinkConfig{
			FlushSize:     cfg.FlushSize,
			FlushInterval: cfg.FlushInterval,
			MaxAttempts:   cfg.MaxAttempts,
		}, writer, buffer), nil

	default:
		return nil, fmt.Errorf("unknown ledger sink type %q", cfg.Type)
	}
}

func loadPricing(cfg config.BillingConfig) (*billing.Pricing, error) {
	if cfg.PricingFile != "" {
		pricing, err := billing.LoadPricing(cfg.PricingFile, cfg.PricingMargin)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing: %w", err)
		}
		return pricing, nil
	}

	pricing, err := billing.NewPricing(billing.DefaultListPrices(), cfg.PricingMargin)
	if err != nil {
		return nil, fmt.Errorf("failed to build default pricing: %w", err)
	}
	return pricing, nil
}
