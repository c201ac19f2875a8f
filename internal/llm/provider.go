package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kobopay/internal/telemetry"
	"kobopay/pkg/logger"

	"go.uber.org/zap"
)

// Message is one turn handed to or received from the model. For tool results
// the role is "tool" and ToolCallID links the result to the call it answers.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is the model asking for one function invocation. Arguments is the
// raw JSON object the model produced; the registry validates it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes one function exposed to the model. Parameters is a JSON
// Schema object.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is one round of the conversation loop.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolDef
}

// ChatResponse carries the model's reply: assistant text, tool calls, or both.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is the outbound model contract.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ErrProviderRejected marks a non-retryable refusal from the provider (4xx).
var ErrProviderRejected = errors.New("provider rejected the request")

type openai struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

const (
	openaiBaseURL = "https://api.openai.com"

	callDeadline = 30 * time.Second
	maxRetries   = 3
	backoffBase  = 1 * time.Second
	backoffCap   = 10 * time.Second
)

// NewProvider creates a model client by name. "openai" covers any
// OpenAI-compatible chat-completions endpoint; point baseURL at the
// compatible server.
//
// Parameters:
//   - providerName: Name of the provider (case-insensitive)
//   - baseURL: Base URL for the API (empty string uses the production URL)
//   - apiKey: Bearer token; may be empty for local compatible servers
//   - model: Model identifier passed through on every call
//   - httpClient: HTTP client to use (nil creates default with 30s timeout)
func NewProvider(providerName, baseURL, apiKey, model string, httpClient *http.Client) (Provider, error) {
	providerName = strings.ToLower(providerName)

	if httpClient == nil {
		httpClient = &http.Client{Timeout: callDeadline}
	}

	switch providerName {
	case "openai":
		if baseURL == "" {
			baseURL = openaiBaseURL
		}
		return &openai{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, model: model}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: openai)", providerName)
	}
}

// OpenAI chat-completions wire types. Only the fields the loop needs.

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Arguments   string          `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Chat sends one chat-completions round. Infrastructure failures (network
// errors, 429 and 5xx statuses) are retried up to 3 times with exponential
// backoff; 4xx refusals are returned immediately as ErrProviderRejected.
func (c *openai) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := openaiChatRequest{Model: c.model}
	for _, m := range req.Messages {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		body.Messages = append(body.Messages, om)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openaiTool{
			Type: "function",
			Function: openaiToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var response openaiChatResponse
	retried, err := c.postJSON(ctx, "/v1/chat/completions", body, &response)
	switch {
	case err != nil:
		telemetry.LLMCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("openai: %w", err)
	case retried:
		telemetry.LLMCalls.WithLabelValues("retried").Inc()
	default:
		telemetry.LLMCalls.WithLabelValues("ok").Inc()
	}

	if response.Error != nil {
		return nil, fmt.Errorf("openai: %w: %s", ErrProviderRejected, response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai: response contains no choices")
	}

	msg := response.Choices[0].Message
	out := &ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// postJSON POSTs the payload and decodes the JSON response into target. Each
// attempt carries a 30s deadline; the bool result reports whether any retry
// happened before success.
func (c *openai) postJSON(ctx context.Context, path string, payload, target interface{}) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode request: %w", err)
	}

	url := c.baseURL + path
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffBase << (attempt - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			logger.Warn("Retrying LLM call",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return attempt > 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		retryable, err := c.doOnce(ctx, url, data, target)
		if err == nil {
			return attempt > 0, nil
		}
		if !retryable {
			return attempt > 0, err
		}
		lastErr = err
	}

	return true, fmt.Errorf("gave up after %d retries: %w", maxRetries, lastErr)
}

// doOnce performs a single attempt. The bool result reports whether the
// failure is an infrastructure error worth retrying.
func (c *openai) doOnce(ctx context.Context, url string, data []byte, target interface{}) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("LLM call failed", zap.String("url", url), zap.Error(err))
		return true, fmt.Errorf("failed to reach provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		logger.Error("LLM provider unavailable", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return true, fmt.Errorf("provider error: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		logger.Error("LLM provider refused request", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return false, fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		logger.Error("Failed to decode LLM response", zap.String("url", url), zap.Error(err))
		return false, fmt.Errorf("failed to parse response: %w", err)
	}

	return false, nil
}
