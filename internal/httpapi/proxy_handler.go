package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"llm_access/internal/authorizer"
	"llm_access/internal/billing"
	"llm_access/internal/middleware"
	"llm_access/internal/providers"
	"llm_access/internal/utils"
)

// maxChatBody bounds the request body of a chat completion
const maxChatBody = 4 << 20

// maxChoices bounds n; each choice is held for the full output ceiling
const maxChoices = 8

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens *int64        `json:"max_tokens,omitempty"`
	// newer clients send max_completion_tokens instead of max_tokens
	MaxCompletionTokens *int64 `json:"max_completion_tokens,omitempty"`
	N                   *int64 `json:"n,omitempty"`
}

// handleChat is the entry point for OpenAI-compatible chat completions.
//
// Flow:
//  1. Decode the body and estimate its token cost
//  2. Authorize: API key, model price, rate limit, quota hold
//  3. Call the provider with max_tokens capped at the estimate
//  4. Return the provider body verbatim
//  5. Finalize and record on success, release otherwise
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := newRequestID()
	w.Header().Set("X-Request-Id", reqID)
	ctx := r.Context()

	secret := middleware.BearerToken(r)
	if secret == "" {
		utils.RespondWithCode(w, http.StatusUnauthorized, string(authorizer.ReasonInvalidCredential), "Missing API key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBody))
	if err != nil {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Request body too large or unreadable")
		return
	}

	var req chatRequest
	var payload map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Invalid JSON body")
		return
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Invalid JSON body")
		return
	}
	if req.Model == "" {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Missing 'model' field")
		return
	}
	if len(req.Messages) == 0 {
		utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "Missing 'messages' field")
		return
	}

	maxOutput := d.MaxOutputTokens
	for _, limit := range []*int64{req.MaxTokens, req.MaxCompletionTokens} {
		if limit == nil {
			continue
		}
		if *limit <= 0 {
			utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, "'max_tokens' and 'max_completion_tokens' must be positive")
			return
		}
		maxOutput = min(maxOutput, *limit)
	}

	choices := int64(1)
	if req.N != nil {
		if *req.N < 1 || *req.N > maxChoices {
			utils.RespondWithCode(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("'n' must be between 1 and %d", maxChoices))
			return
		}
		choices = *req.N
	}

	est := billing.TokenEstimate{
		Input:     billing.EstimatePromptTokens(messageTexts(req.Messages)),
		MaxOutput: maxOutput * choices,
	}

	ar, err := d.Authorizer.Authorize(ctx, secret, req.Model, est)
	if err != nil {
		writeError(w, err)
		return
	}

	capOutput(payload, req, maxOutput)

	pResp, err := d.Provider.Chat(ctx, providers.ChatRequest{Model: req.Model, Payload: payload})
	if err != nil || !pResp.OK() {
		if abortErr := d.Authorizer.Abort(ctx, ar); abortErr != nil && !errors.Is(abortErr, authorizer.ErrSettlementDeferred) {
			logger.Error("Failed to release reservation", "request_id", reqID, "reservation_id", ar.Reservation.ReservationID, "error", abortErr)
		}

		if err != nil {
			logger.Warn("Provider call failed", "request_id", reqID, "model", req.Model, "error", err)
			utils.RespondWithCode(w, http.StatusBadGateway, codeProviderError, "Provider error")
			return
		}
		logger.Warn("Provider returned an error", "request_id", reqID, "model", req.Model, "status", pResp.StatusCode)
		utils.RespondWithCode(w, http.StatusBadGateway, codeProviderError, fmt.Sprintf("Provider returned status %d", pResp.StatusCode))
		return
	}

	contentType := pResp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(pResp.StatusCode)
	_, _ = w.Write(pResp.Body)

	used := authorizer.Usage{InputTokens: pResp.InputTokens, OutputTokens: pResp.OutputTokens}
	if used.InputTokens == 0 && used.OutputTokens == 0 {
		// no usage block in the response; bill the hold
		used = authorizer.Usage{InputTokens: est.Input, OutputTokens: est.MaxOutput}
	}

	rec, err := d.Authorizer.Complete(ctx, ar, used)
	switch {
	case errors.Is(err, authorizer.ErrSettlementDeferred):
		logger.Warn("Settlement deferred", "request_id", reqID, "reservation_id", ar.Reservation.ReservationID, "error", err)
	case err != nil:
		logger.Error("Failed to settle request", "request_id", reqID, "reservation_id", ar.Reservation.ReservationID, "error", err)
	default:
		logger.Debug("Request settled",
			"request_id", reqID,
			"account_id", rec.AccountID,
			"model", rec.Model,
			"cost", rec.Cost,
			"provider_ms", pResp.ProviderLatency.Milliseconds(),
			"gateway_ms", time.Since(start).Milliseconds(),
		)
	}
}

// capOutput rewrites the output limits of the forwarded payload so the
// provider cannot generate more than the hold covers. The field the client
// used is kept; max_tokens is set when neither was sent.
func capOutput(payload map[string]any, req chatRequest, maxOutput int64) {
	if req.MaxCompletionTokens != nil {
		payload["max_completion_tokens"] = maxOutput
	}
	if req.MaxTokens != nil || req.MaxCompletionTokens == nil {
		payload["max_tokens"] = maxOutput
	}
}

// messageTexts extracts the text of each message for token estimation.
// Content is either a string or a list of parts; unknown shapes are
// counted by their raw JSON.
func messageTexts(messages []chatMessage) []string {
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			texts = append(texts, s)
			continue
		}

		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Content, &parts); err == nil {
			for _, p := range parts {
				texts = append(texts, p.Text)
			}
			continue
		}

		texts = append(texts, string(m.Content))
	}
	return texts
}

// newRequestID returns a UUID request ID for tracing
func newRequestID() string {
	return uuid.New().String()
}
