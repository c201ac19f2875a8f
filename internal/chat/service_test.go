package chat

import (
	"context"
	"encoding/json"
	"testing"

	"kobopay/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays a scripted sequence of responses and records every
// request it saw.
type fakeProvider struct {
	script   []*llm.ChatResponse
	err      error
	requests []llm.ChatRequest
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) == 0 {
		return &llm.ChatResponse{Content: "out of script"}, nil
	}
	resp := f.script[0]
	f.script = f.script[1:]
	return resp, nil
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry([]Tool{
		{
			Name:        "echo",
			Description: "echoes its input",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Handler: func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
				return string(args), nil
			},
		},
		{
			Name:        "guarded",
			Description: "write tool",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Handler: func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
				return `{"status":"completed"}`, nil
			},
			Write: true,
		},
	})
}

func TestChat_DirectAnswer(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{{Content: "hello there"}}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "hi", false)
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Response)
	assert.Equal(t, 0, result.MessageCount)

	// system prompt + user message, tools attached
	require.Len(t, provider.requests, 1)
	require.Len(t, provider.requests[0].Messages, 2)
	assert.Equal(t, "system", provider.requests[0].Messages[0].Role)
	assert.Equal(t, "user", provider.requests[0].Messages[1].Role)
	assert.Len(t, provider.requests[0].Tools, 2)
}

func TestChat_EmptyMessage(t *testing.T) {
	svc := NewService(nil, echoRegistry(t), &fakeProvider{})
	_, err := svc.Chat(context.Background(), "user-1", "", false)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChat_ToolRoundTrip(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "echo", Arguments: `{"q":"balance"}`}}},
		{Content: "your balance is fine"},
	}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "check", false)
	require.NoError(t, err)
	assert.Equal(t, "your balance is fine", result.Response)

	// Second round must carry the assistant tool call and the tool result.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "assistant", second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	assert.Equal(t, "tool", second[3].Role)
	assert.Equal(t, "call_1", second[3].ToolCallID)
	assert.JSONEq(t, `{"q":"balance"}`, second[3].Content)
}

func TestChat_ToolErrorFedBackToModel(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "missing_tool", Arguments: `{}`}}},
		{Content: "I could not look that up"},
	}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "check", false)
	require.NoError(t, err, "a tool failure must not fail the user's turn")
	assert.Equal(t, "I could not look that up", result.Response)

	second := provider.requests[1].Messages
	toolMsg := second[len(second)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "error")
}

func TestChat_SpeculativeWriteRefusedAndReported(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "guarded", Arguments: `{"amount":"100.00"}`}}},
		{Content: "I need you to confirm before sending money"},
	}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "maybe send 100?", false)
	require.NoError(t, err)
	assert.Equal(t, "I need you to confirm before sending money", result.Response)

	second := provider.requests[1].Messages
	toolMsg := second[len(second)-1]
	assert.Contains(t, toolMsg.Content, "confirmation")
}

func TestChat_ConfirmedWriteRuns(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "guarded", Arguments: `{"amount":"100.00","confirm":true}`}}},
		{Content: "sent"},
	}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "yes, send it", false)
	require.NoError(t, err)
	assert.Equal(t, "sent", result.Response)

	second := provider.requests[1].Messages
	toolMsg := second[len(second)-1]
	assert.JSONEq(t, `{"status":"completed"}`, toolMsg.Content)
}

func TestChat_ToolLoopBounded(t *testing.T) {
	// The model keeps asking for tools; after the bound the loop closes the
	// turn with a tool-free call.
	var script []*llm.ChatResponse
	for i := 0; i < maxToolRounds; i++ {
		script = append(script, &llm.ChatResponse{
			ToolCalls: []llm.ToolCall{{ID: "call_n", Name: "echo", Arguments: `{}`}},
		})
	}
	script = append(script, &llm.ChatResponse{Content: "final answer"})

	provider := &fakeProvider{script: script}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "loop", false)
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Response)
	require.Len(t, provider.requests, maxToolRounds+1)
	assert.Empty(t, provider.requests[maxToolRounds].Tools, "closing call must not offer tools")
}

func TestChat_ProviderErrorFallsBackWithoutFailing(t *testing.T) {
	provider := &fakeProvider{err: assert.AnError}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "hi", false)
	require.NoError(t, err, "a provider outage must not fail the user's turn")
	assert.Equal(t, fallbackResponse, result.Response)
}

func TestChat_ParallelToolCallsAllAnswered(t *testing.T) {
	provider := &fakeProvider{script: []*llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "echo", Arguments: `{"a":1}`},
			{ID: "call_2", Name: "echo", Arguments: `{"b":2}`},
		}},
		{Content: "both done"},
	}}
	svc := NewService(nil, echoRegistry(t), provider)

	result, err := svc.Chat(context.Background(), "user-1", "do both", false)
	require.NoError(t, err)
	assert.Equal(t, "both done", result.Response)

	second := provider.requests[1].Messages
	// system, user, assistant, tool, tool
	require.Len(t, second, 5)
	assert.Equal(t, "call_1", second[3].ToolCallID)
	assert.Equal(t, "call_2", second[4].ToolCallID)
}
