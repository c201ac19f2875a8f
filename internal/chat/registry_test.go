package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"kobopay/internal/llm"
	"kobopay/internal/money"
	"kobopay/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func testRegistry(handler Handler, write bool) *Registry {
	return NewRegistry([]Tool{
		{
			Name:        "test_tool",
			Description: "a tool",
			Parameters:  json.RawMessage(`{"type":"object"}`),
			Handler:     handler,
			Write:       write,
		},
	})
}

func TestRegistry_Defs(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		return "", nil
	}, false)

	defs := reg.Defs()
	require.Len(t, defs, 1)
	assert.Equal(t, "test_tool", defs[0].Name)
	assert.Equal(t, "a tool", defs[0].Description)
}

func TestRegistry_Invoke_UnknownTool(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		return "", nil
	}, false)

	_, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{Name: "nope", Arguments: "{}"})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_Invoke_ReadToolRunsWithoutConfirm(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		assert.Equal(t, "user-1", userID)
		return `{"ok":true}`, nil
	}, false)

	result, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{Name: "test_tool", Arguments: "{}"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, result)
}

func TestRegistry_Invoke_WriteToolRefusals(t *testing.T) {
	ran := false
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		ran = true
		return "done", nil
	}, true)

	tests := []struct {
		name string
		args string
	}{
		{"No confirm field", `{"amount":"100.00"}`},
		{"Confirm false", `{"amount":"100.00","confirm":false}`},
		{"Empty arguments", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{Name: "test_tool", Arguments: tt.args})
			assert.ErrorIs(t, err, ErrNotConfirmed)
			assert.False(t, ran, "handler must not run without confirmation")
		})
	}
}

func TestRegistry_Invoke_WriteToolRunsWithConfirm(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		return "done", nil
	}, true)

	result, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{Name: "test_tool", Arguments: `{"confirm":true}`})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestRegistry_Invoke_MalformedArguments(t *testing.T) {
	reg := testRegistry(func(ctx context.Context, userID string, args json.RawMessage) (string, error) {
		return "", nil
	}, false)

	_, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{Name: "test_tool", Arguments: `{"broken`})
	assert.ErrorIs(t, err, ErrBadToolInput)
}

func TestDefaultRegistry_HasAllTools(t *testing.T) {
	tools := NewTools(nil, nil, nil, nil, nil, clock.NewDefaultClock())
	reg := DefaultRegistry(tools)

	names := make(map[string]bool)
	for _, d := range reg.Defs() {
		names[d.Name] = true
	}

	for _, want := range []string{
		"transaction_query",
		"statement_generator",
		"savings_calculator",
		"budget_assistant",
		"send_money",
		"pay_bill",
		"offline_query",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
	assert.Len(t, reg.Defs(), 7)
}

func TestSavingsCalculator(t *testing.T) {
	clk := clock.NewTestClock(time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC))
	tools := NewTools(nil, nil, nil, nil, nil, clk)
	reg := DefaultRegistry(tools)

	tests := []struct {
		name        string
		args        string
		wantMonthly string
		expectError bool
	}{
		{
			name:        "Even split",
			args:        `{"target_amount":"60000.00","months":12}`,
			wantMonthly: "5000.00",
		},
		{
			name:        "Rounds up to cover target",
			args:        `{"target_amount":"100.00","months":3}`,
			wantMonthly: "33.34",
		},
		{
			name:        "Counts existing savings",
			args:        `{"target_amount":"50000.00","months":10,"current_saved":"20000.00"}`,
			wantMonthly: "3000.00",
		},
		{
			name:        "Target already reached",
			args:        `{"target_amount":"1000.00","months":5,"current_saved":"2000.00"}`,
			wantMonthly: "0.00",
		},
		{
			name:        "Zero months rejected",
			args:        `{"target_amount":"1000.00","months":0}`,
			expectError: true,
		},
		{
			name:        "Bad amount rejected",
			args:        `{"target_amount":"not-money","months":6}`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := reg.Invoke(context.Background(), "user-1", llm.ToolCall{
				Name:      "savings_calculator",
				Arguments: tt.args,
			})
			if tt.expectError {
				assert.ErrorIs(t, err, ErrBadToolInput)
				return
			}
			require.NoError(t, err)

			var out struct {
				MonthlyAmount string `json:"monthly_amount"`
			}
			require.NoError(t, json.Unmarshal([]byte(result), &out))
			assert.Equal(t, tt.wantMonthly, out.MonthlyAmount)
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("a"))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
	assert.Equal(t, 5, estimateTokens("a message of 20 chr."))
}

func TestSavingsCalculator_MatchesMoneyRounding(t *testing.T) {
	// 100.00 over 3 months: 3334 kobo monthly covers 10002 >= 10000.
	kobo, err := money.ParseKobo("33.34")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, kobo*3, int64(10000))
}
