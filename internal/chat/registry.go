package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kobopay/internal/llm"
	"kobopay/internal/telemetry"
	"kobopay/pkg/logger"

	"go.uber.org/zap"
)

// Custom errors for tool invocation
var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrNotConfirmed = errors.New("write tool called without explicit confirmation")
	ErrBadToolInput = errors.New("tool input does not match its schema")
)

// Handler executes one tool call for one user. args is the JSON object the
// model produced, already checked for well-formedness.
type Handler func(ctx context.Context, userID string, args json.RawMessage) (string, error)

// Tool is one function exposed to the model. Write tools move money; their
// schema carries a `confirm` flag the registry enforces before the handler
// ever runs.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     Handler
	Write       bool
}

// Registry is the fixed set of tools, assembled once at startup.
type Registry struct {
	tools []Tool
	index map[string]*Tool
}

// NewRegistry builds a registry over the given tools.
func NewRegistry(tools []Tool) *Registry {
	r := &Registry{tools: tools, index: make(map[string]*Tool, len(tools))}
	for i := range tools {
		r.index[tools[i].Name] = &r.tools[i]
	}
	return r
}

// Defs returns the tool definitions in the shape the provider expects.
func (r *Registry) Defs() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// confirmFlag is the explicit-intent marker write tools must carry.
type confirmFlag struct {
	Confirm bool `json:"confirm"`
}

// Invoke runs one tool call. Read tools are idempotent and run as-is; write
// tools refuse unless the arguments carry confirm=true, which the model is
// instructed to set only when the user explicitly asked for the action.
func (r *Registry) Invoke(ctx context.Context, userID string, call llm.ToolCall) (string, error) {
	tool, ok := r.index[call.Name]
	if !ok {
		telemetry.ToolCalls.WithLabelValues(call.Name, "error").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		telemetry.ToolCalls.WithLabelValues(tool.Name, "error").Inc()
		return "", fmt.Errorf("%w: arguments are not valid JSON", ErrBadToolInput)
	}

	if tool.Write {
		var flag confirmFlag
		if err := json.Unmarshal(args, &flag); err != nil || !flag.Confirm {
			telemetry.ToolCalls.WithLabelValues(tool.Name, "refused").Inc()
			logger.Warn("Write tool refused without confirmation",
				zap.String("tool", tool.Name),
				logger.UserID(userID))
			return "", ErrNotConfirmed
		}
	}

	result, err := tool.Handler(ctx, userID, args)
	if err != nil {
		telemetry.ToolCalls.WithLabelValues(tool.Name, "error").Inc()
		return "", err
	}

	telemetry.ToolCalls.WithLabelValues(tool.Name, "ok").Inc()
	return result, nil
}
