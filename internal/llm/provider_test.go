package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"kobopay/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("development")
}

func chatCompletion(content string, toolCalls ...openaiToolCall) openaiChatResponse {
	var resp openaiChatResponse
	resp.Choices = []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	}{
		{
			Message: openaiMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: toolCalls,
			},
			FinishReason: "stop",
		},
	}
	return resp
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name        string
		provider    string
		expectError bool
	}{
		{"OpenAI lowercase", "openai", false},
		{"OpenAI uppercase", "OPENAI", false},
		{"Unknown provider", "unknown", true},
		{"Empty string", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.provider, "", "", "gpt-4o-mini", nil)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, provider)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, provider)
			}
		})
	}
}

func TestOpenAI_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletion("Your balance is ₦1,500.00"))
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "test-key", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "You are a wallet assistant."},
			{Role: "user", Content: "What is my balance?"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "Your balance is ₦1,500.00", resp.Content)
	assert.Empty(t, resp.ToolCalls)
}

func TestOpenAI_Chat_ToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// Tool definitions must travel in the function-calling envelope.
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "function", req.Tools[0].Type)
		assert.Equal(t, "transaction_query", req.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletion("", openaiToolCall{
			ID:   "call_1",
			Type: "function",
			Function: openaiToolFunction{
				Name:      "transaction_query",
				Arguments: `{"limit": 5}`,
			},
		}))
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "show my last transfers"}},
		Tools: []ToolDef{{
			Name:        "transaction_query",
			Description: "List recent transactions",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})

	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "transaction_query", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"limit": 5}`, resp.ToolCalls[0].Arguments)
}

func TestOpenAI_Chat_ToolResultRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// The assistant turn must carry its tool calls and the tool turn
		// must reference the call it answers.
		require.Len(t, req.Messages, 3)
		assert.Equal(t, "assistant", req.Messages[1].Role)
		require.Len(t, req.Messages[1].ToolCalls, 1)
		assert.Equal(t, "tool", req.Messages[2].Role)
		assert.Equal(t, "call_1", req.Messages[2].ToolCallID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletion("You sent ₦200.00 yesterday."))
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: "show my last transfers"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "transaction_query", Arguments: `{}`}}},
			{Role: "tool", ToolCallID: "call_1", Name: "transaction_query", Content: `[{"amount":"200.00"}]`},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "You sent ₦200.00 yesterday.", resp.Content)
}

func TestOpenAI_Chat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatCompletion("ok"))
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	start := time.Now()
	resp, err := provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 3, calls.Load())
	// Two failures mean two backoff sleeps: 1s + 2s.
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Second)
}

func TestOpenAI_Chat_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "bad-key", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	_, err = provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAI_Chat_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	_, err = provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 retries")
	// Initial attempt plus three retries.
	assert.EqualValues(t, 4, calls.Load())
}

func TestOpenAI_Chat_ContextCancellationStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err = provider.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenAI_Chat_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openaiChatResponse{})
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	_, err = provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestOpenAI_Chat_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("invalid json {{{"))
	}))
	defer server.Close()

	provider, err := NewProvider("openai", server.URL, "", "gpt-4o-mini", server.Client())
	require.NoError(t, err)

	_, err = provider.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hello"}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse response")
}
