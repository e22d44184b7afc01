package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAITimeout        = 60 * time.Second

	// maxResponseBytes bounds how much of a provider reply is buffered
	maxResponseBytes = 16 << 20
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API
type OpenAIProvider struct {
	name    string
	auth    *headerAuth
	client  *http.Client
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI-compatible provider instance.
// An empty API key is allowed for local servers that do not check it.
func NewOpenAIProvider(config ProviderConfig) (*OpenAIProvider, error) {
	baseURL := openAIDefaultBaseURL
	if config.BaseURL != "" {
		baseURL = strings.TrimRight(config.BaseURL, "/")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid provider base URL %q", config.BaseURL)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = openAITimeout
	}

	name := config.Name
	if name == "" {
		name = "openai"
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &OpenAIProvider{
		name:    name,
		auth:    newBearerAuth(config.APIKey),
		client:  client,
		baseURL: baseURL,
	}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Chat sends a chat completion request
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	payload := make(map[string]any, len(req.Payload)+1)
	maps.Copy(payload, req.Payload)
	if req.Model != "" {
		payload["model"] = req.Model
	}
	// metering needs the usage block of a complete response
	delete(payload, "stream")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.auth.apply(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &ChatResponse{
		StatusCode:      resp.StatusCode,
		Body:            respBody,
		ContentType:     resp.Header.Get("Content-Type"),
		ProviderLatency: time.Since(start),
	}
	if out.OK() {
		usage := extractUsageFromResponse(respBody)
		out.InputTokens = usage.InputTokens
		out.OutputTokens = usage.OutputTokens
	}
	return out, nil
}

// Close cleans up resources
func (p *OpenAIProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// UsageInfo contains token usage reported by the provider
type UsageInfo struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// extractUsageFromResponse reads the usage block, accepting both the
// chat completions and the responses API field names
func extractUsageFromResponse(body []byte) *UsageInfo {
	var response struct {
		Usage struct {
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return &UsageInfo{}
	}

	usage := &UsageInfo{
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		TotalTokens:  response.Usage.TotalTokens,
	}
	if usage.InputTokens == 0 && response.Usage.PromptTokens > 0 {
		usage.InputTokens = response.Usage.PromptTokens
	}
	if usage.OutputTokens == 0 && response.Usage.CompletionTokens > 0 {
		usage.OutputTokens = response.Usage.CompletionTokens
	}
	return usage
}
