package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ChatRequest is an OpenAI-style chat completion request. Payload is sent
// as the JSON body; Model overrides payload["model"] when set.
type ChatRequest struct {
	Model   string
	Payload map[string]any
}

// ChatResponse is the provider's reply. Body is returned verbatim.
type ChatResponse struct {
	StatusCode      int
	Body            []byte
	ContentType     string
	ProviderLatency time.Duration
	InputTokens     int64
	OutputTokens    int64
}

// OK reports whether the provider returned a 2xx status
func (r *ChatResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Provider invokes a model
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Close() error
}

// ProviderConfig holds configuration for creating a provider instance
type ProviderConfig struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewProvider builds a provider for config.Type
func NewProvider(config ProviderConfig) (Provider, error) {
	switch config.Type {
	case "", "openai":
		p, err := NewOpenAIProvider(config)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", config.Type)
	}
}

// headerAuth sets an API key header on outgoing requests
type headerAuth struct {
	apiKey     string
	headerName string // e.g., "Authorization"
	prefix     string // e.g., "Bearer "
}

func newBearerAuth(apiKey string) *headerAuth {
	return &headerAuth{
		apiKey:     apiKey,
		headerName: "Authorization",
		prefix:     "Bearer ",
	}
}

func (a *headerAuth) apply(req *http.Request) {
	if a.apiKey == "" {
		return
	}
	req.Header.Set(a.headerName, a.prefix+a.apiKey)
}
