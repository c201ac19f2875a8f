package chat

import (
	"context"
	"errors"
	"fmt"

	"kobopay/internal/database"
	"kobopay/internal/llm"
	"kobopay/pkg/logger"

	"go.uber.org/zap"
)

// maxToolRounds bounds how many tool round-trips one user turn may trigger.
const maxToolRounds = 4

const systemPrompt = `You are the KoboPay wallet assistant. You help users check
their balance and transactions, plan savings and budgets, send money, pay
bills, and understand the state of their offline transfers. Amounts are in
naira. Use the provided tools for anything touching real account data; never
invent balances or transactions. For send_money and pay_bill, set confirm=true
only when the user has explicitly asked for that exact action in this
conversation; otherwise describe what would happen and ask them to confirm.`

// ErrEmptyMessage is returned when the user message has no content.
var ErrEmptyMessage = errors.New("message is empty")

// fallbackResponse closes the turn when the model cannot be reached after
// retries. It is persisted like any assistant message so the dialogue keeps a
// record of the outage.
const fallbackResponse = "I'm having trouble reaching the assistant service right now. Your wallet is unaffected; please try again in a moment."

// Service runs the conversation loop: memory in, model call, tool dispatch,
// memory out.
type Service struct {
	memory   *Memory
	registry *Registry
	provider llm.Provider
}

// NewService creates a new chat service instance
func NewService(memory *Memory, registry *Registry, provider llm.Provider) *Service {
	return &Service{
		memory:   memory,
		registry: registry,
		provider: provider,
	}
}

// ChatResult is the reply returned to the HTTP boundary. Tool invocations are
// invisible to the client.
type ChatResult struct {
	Response     string `json:"response"`
	MessageCount int    `json:"message_count"`
}

// Chat handles one user turn. With useMemory the turn and the reply are
// persisted and recent history travels with the model call; without it the
// turn is stateless.
func (s *Service) Chat(ctx context.Context, userID, message string, useMemory bool) (*ChatResult, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}

	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	if useMemory {
		history, err := s.memory.Recent(ctx, userID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		for _, m := range history {
			msgs = append(msgs, llm.Message{Role: providerRole(m.Role), Content: m.Content})
		}
		if _, err := s.memory.Append(ctx, userID, database.RoleUser, message); err != nil {
			return nil, fmt.Errorf("failed to persist user message: %w", err)
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: message})

	response, err := s.runLoop(ctx, userID, msgs)
	if err != nil {
		// Provider outages never fail the caller; the turn closes with a
		// fallback note and the conversation still advances.
		logger.Error("Model unavailable, answering with fallback",
			logger.UserID(userID),
			zap.Error(err))
		response = fallbackResponse
	}

	count := 0
	if useMemory {
		if _, err := s.memory.Append(ctx, userID, database.RoleAssistant, response); err != nil {
			return nil, fmt.Errorf("failed to persist assistant message: %w", err)
		}
		count, err = s.memory.MessageCount(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to count messages: %w", err)
		}
	}

	return &ChatResult{Response: response, MessageCount: count}, nil
}

// runLoop calls the model, dispatches any tool calls it asks for, and repeats
// until the model answers in text. Tool failures are reported back to the
// model rather than failing the user's turn.
func (s *Service) runLoop(ctx context.Context, userID string, msgs []llm.Message) (string, error) {
	defs := s.registry.Defs()

	for round := 0; round < maxToolRounds; round++ {
		resp, err := s.provider.Chat(ctx, llm.ChatRequest{Messages: msgs, Tools: defs})
		if err != nil {
			return "", fmt.Errorf("model call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result, err := s.registry.Invoke(ctx, userID, call)
			if err != nil {
				logger.Warn("Tool invocation failed",
					logger.UserID(userID),
					zap.String("tool", call.Name),
					zap.Error(err))
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	// The model kept asking for tools; close the turn without them.
	resp, err := s.provider.Chat(ctx, llm.ChatRequest{Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	return resp.Content, nil
}

// providerRole maps stored roles onto the provider wire roles.
func providerRole(r database.MessageRole) string {
	switch r {
	case database.RoleSystem:
		return "system"
	case database.RoleAssistant:
		return "assistant"
	case database.RoleTool:
		return "tool"
	default:
		return "user"
	}
}
