package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_access/internal/auth"
	"llm_access/internal/authorizer"
	"llm_access/internal/billing"
	"llm_access/internal/logging"
	"llm_access/internal/middleware"
	"llm_access/internal/providers"
	"llm_access/internal/storage"
	"llm_access/internal/usage"
	"llm_access/internal/utils"
)

var logger = utils.NewLogger("httpapi")

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	DB          *storage.DB
	Credentials *auth.CredentialManager
	Identity    auth.IdentityVerifier
	Engine      *billing.Engine
	Authorizer  *authorizer.Authorizer
	Pricing     *billing.Pricing
	Usage       *usage.Recorder
	Provider    providers.Provider
	// MaxOutputTokens caps max_tokens on forwarded chat requests
	MaxOutputTokens int64

	// Optional; nil when Redis is not configured
	Redis *redis.Client

	// Background workers, started by Start and drained by Shutdown
	Sweeper          *billing.Sweeper
	SettlementWorker *billing.SettlementWorker
	RecordWorker     *usage.RecordWorker
	Ledger           logging.Sink
}

// NewRouter creates an HTTP handler with all routes registered
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return middleware.RecoverMiddleware(middleware.LoggingMiddleware(mux))
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	identity := middleware.IdentityMiddleware(deps.Identity, deps.DB.Accounts())
	account := middleware.AccountMiddleware(deps.Credentials, deps.Identity, deps.DB.Accounts())

	// Key management - identity token only; the first verified request creates the account
	mux.Handle("POST /v1/keys", identity(http.HandlerFunc(deps.handleIssueKey)))
	mux.Handle("GET /v1/keys", identity(http.HandlerFunc(deps.handleListKeys)))

	// Account views - identity token or API key
	mux.Handle("GET /v1/account", account(http.HandlerFunc(deps.handleAccount)))
	mux.Handle("GET /v1/usage", account(http.HandlerFunc(deps.handleUsage)))

	// OpenAI-compatible endpoints; the authorizer checks the API key itself
	mux.HandleFunc("POST /v1/chat/completions", deps.handleChat)
	mux.HandleFunc("GET /v1/models", deps.handleListModels)

	// Health check endpoint - public
	mux.HandleFunc("GET /health", deps.handleHealth)
}

// HealthResponse reports dependency status and connection pool usage
type HealthResponse struct {
	Database string          `json:"database"`
	Redis    string          `json:"redis,omitempty"`
	Pool     storage.DBStats `json:"pool"`
	// Queues reports the pending length of each retry queue
	Queues map[string]int `json:"queues,omitempty"`
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Database: "ok", Pool: d.DB.GetStats()}
	status := http.StatusOK

	if err := d.DB.Health(ctx); err != nil {
		logger.Warn("Database health check failed", "error", err)
		resp.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if d.Redis != nil {
		resp.Redis = "ok"
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis health check failed", "error", err)
			resp.Redis = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	resp.Queues = d.queueLengths(ctx)

	utils.RespondWithJSON(w, status, resp)
}

// queueLengths reads the backlog of the retry workers that are running
func (d *Dependencies) queueLengths(ctx context.Context) map[string]int {
	workers := map[string]interface {
		QueueLength(ctx context.Context) (int, error)
	}{}
	if d.SettlementWorker != nil {
		workers["settlement"] = d.SettlementWorker
	}
	if d.RecordWorker != nil {
		workers["usage"] = d.RecordWorker
	}
	if len(workers) == 0 {
		return nil
	}

	lengths := make(map[string]int, len(workers))
	for name, w := range workers {
		n, err := w.QueueLength(ctx)
		if err != nil {
			logger.Warn("Failed to read queue length", "queue", name, "error", err)
			continue
		}
		lengths[name] = n
	}
	return lengths
}

// Start launches the background workers
func (d *Dependencies) Start(ctx context.Context) {
	if d.SettlementWorker != nil {
		d.SettlementWorker.Start(ctx)
	}
	if d.RecordWorker != nil {
		d.RecordWorker.Start(ctx)
	}
	if d.Sweeper != nil {
		d.Sweeper.Start(ctx)
	}
}

// Shutdown drains the workers and the ledger sink, then closes the
// provider, Redis and finally the store
func (d *Dependencies) Shutdown(ctx context.Context) error {
	if d.Sweeper != nil {
		d.Sweeper.Stop()
	}
	// settlements feed the record worker, so they drain first
	if d.SettlementWorker != nil {
		if err := d.SettlementWorker.Stop(); err != nil {
			logger.Error("Failed to stop settlement worker", "error", err)
		}
	}
	if d.RecordWorker != nil {
		if err := d.RecordWorker.Stop(); err != nil {
			logger.Error("Failed to stop usage worker", "error", err)
		}
	}
	if d.Ledger != nil {
		if err := d.Ledger.Shutdown(ctx); err != nil {
			logger.Error("Failed to flush ledger sink", "error", err)
		}
	}
	if d.Provider != nil {
		d.Provider.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			logger.Error("Failed to close Redis client", "error", err)
		}
	}
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
