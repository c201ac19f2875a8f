package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kobopay/internal/database"
	"kobopay/internal/money"
	"kobopay/internal/payment"
	offsync "kobopay/internal/sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// Tools holds the collaborators the tool handlers need. The registry built
// over it is fixed at startup.
type Tools struct {
	accounts *database.AccountRepository
	ledger   *database.LedgerRepository
	offline  *database.OfflineTxRepository
	payments transferService
	syncSvc  chainQueryService
	clk      clock.Clock
}

// transferService is the slice of the payment service the write tools use.
type transferService interface {
	Transfer(ctx context.Context, senderPhone, recipientPhone string, amountKobo int64, reference string) (*payment.TransferResult, error)
}

// chainQueryService is the slice of the sync service the offline tool uses.
type chainQueryService interface {
	ChainState(ctx context.Context, userID string) (*database.ChainState, error)
	UnresolvedConflicts(ctx context.Context, userID string) ([]*database.SyncConflict, error)
}

// NewTools wires the tool handlers to their collaborators.
func NewTools(
	accounts *database.AccountRepository,
	ledger *database.LedgerRepository,
	offline *database.OfflineTxRepository,
	payments transferService,
	syncSvc chainQueryService,
	clk clock.Clock,
) *Tools {
	return &Tools{
		accounts: accounts,
		ledger:   ledger,
		offline:  offline,
		payments: payments,
		syncSvc:  syncSvc,
		clk:      clk,
	}
}

// DefaultRegistry returns the fixed tool set exposed to the model.
func DefaultRegistry(t *Tools) *Registry {
	return NewRegistry([]Tool{
		{
			Name:        "transaction_query",
			Description: "List the user's recent wallet transactions, newest first.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "How many entries to return (default 10, max 50)"}
				}
			}`),
			Handler: t.transactionQuery,
		},
		{
			Name:        "statement_generator",
			Description: "Generate an account statement for a date range with totals.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"from": {"type": "string", "description": "Start date, YYYY-MM-DD (default 30 days ago)"},
					"to": {"type": "string", "description": "End date, YYYY-MM-DD (default today)"}
				}
			}`),
			Handler: t.statementGenerator,
		},
		{
			Name:        "savings_calculator",
			Description: "Work out the monthly amount needed to reach a savings target.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"target_amount": {"type": "string", "description": "Target in naira, e.g. \"50000.00\""},
					"months": {"type": "integer", "description": "Months to save over"},
					"current_saved": {"type": "string", "description": "Amount already saved (default 0)"}
				},
				"required": ["target_amount", "months"]
			}`),
			Handler: t.savingsCalculator,
		},
		{
			Name:        "budget_assistant",
			Description: "Summarise the user's spending by category over a recent period.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"days": {"type": "integer", "description": "Period length in days (default 30)"}
				}
			}`),
			Handler: t.budgetAssistant,
		},
		{
			Name:        "send_money",
			Description: "Send money from the user's wallet to another phone number. Set confirm=true only when the user has explicitly asked to send this exact amount to this recipient.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"recipient_phone": {"type": "string", "description": "Recipient phone number"},
					"amount": {"type": "string", "description": "Amount in naira, e.g. \"1500.00\""},
					"confirm": {"type": "boolean", "description": "Must be true; set only on explicit user instruction"}
				},
				"required": ["recipient_phone", "amount", "confirm"]
			}`),
			Handler: t.sendMoney,
			Write:   true,
		},
		{
			Name:        "pay_bill",
			Description: "Pay a bill to a registered biller code. Set confirm=true only when the user has explicitly asked to pay this exact bill.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"biller_code": {"type": "string", "description": "Registered biller code"},
					"amount": {"type": "string", "description": "Amount in naira, e.g. \"4500.00\""},
					"confirm": {"type": "boolean", "description": "Must be true; set only on explicit user instruction"}
				},
				"required": ["biller_code", "amount", "confirm"]
			}`),
			Handler: t.payBill,
			Write:   true,
		},
		{
			Name:        "offline_query",
			Description: "Report the state of the user's offline transactions: sync status and any unresolved conflicts, explained in plain language.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Handler:     t.offlineQuery,
		},
	})
}

type ledgerLine struct {
	Date         string `json:"date"`
	Type         string `json:"type"`
	Category     string `json:"category"`
	Amount       string `json:"amount"`
	Reference    string `json:"reference"`
	Counterparty string `json:"counterparty"`
}

func ledgerLineOf(e *database.LedgerTransaction) ledgerLine {
	counterparty := e.RecipientPhone
	if e.Type == database.Credit {
		counterparty = e.SenderPhone
	}
	return ledgerLine{
		Date:         e.CreatedAt.UTC().Format("2006-01-02"),
		Type:         e.Type.String(),
		Category:     e.Category,
		Amount:       money.FormatKobo(e.AmountKobo),
		Reference:    e.Reference,
		Counterparty: counterparty,
	}
}

func (t *Tools) transactionQuery(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}
	if in.Limit > 50 {
		in.Limit = 50
	}

	entries, err := t.ledger.ListByUserID(ctx, userID, in.Limit)
	if err != nil {
		return "", fmt.Errorf("failed to list transactions: %w", err)
	}

	lines := make([]ledgerLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, ledgerLineOf(e))
	}
	return toolJSON(map[string]interface{}{"transactions": lines, "count": len(lines)})
}

func (t *Tools) statementGenerator(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}

	now := t.clk.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now
	if in.From != "" {
		parsed, err := time.Parse("2006-01-02", in.From)
		if err != nil {
			return "", fmt.Errorf("%w: bad from date %q", ErrBadToolInput, in.From)
		}
		from = parsed
	}
	if in.To != "" {
		parsed, err := time.Parse("2006-01-02", in.To)
		if err != nil {
			return "", fmt.Errorf("%w: bad to date %q", ErrBadToolInput, in.To)
		}
		// Inclusive end date.
		to = parsed.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return "", fmt.Errorf("%w: from date is not before to date", ErrBadToolInput)
	}

	entries, err := t.ledger.ListByUserBetween(ctx, userID, from, to)
	if err != nil {
		return "", fmt.Errorf("failed to build statement: %w", err)
	}
	debits, credits, err := t.ledger.SumByUserBetween(ctx, userID, from, to)
	if err != nil {
		return "", fmt.Errorf("failed to total statement: %w", err)
	}

	lines := make([]ledgerLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, ledgerLineOf(e))
	}
	return toolJSON(map[string]interface{}{
		"from":          from.Format("2006-01-02"),
		"to":            to.AddDate(0, 0, -1).Format("2006-01-02"),
		"total_debits":  money.FormatKobo(debits),
		"total_credits": money.FormatKobo(credits),
		"net":           money.FormatKobo(credits - debits),
		"entries":       lines,
	})
}

func (t *Tools) savingsCalculator(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		TargetAmount string `json:"target_amount"`
		Months       int    `json:"months"`
		CurrentSaved string `json:"current_saved"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if in.Months <= 0 {
		return "", fmt.Errorf("%w: months must be positive", ErrBadToolInput)
	}

	target, err := money.ParseKobo(in.TargetAmount)
	if err != nil {
		return "", fmt.Errorf("%w: bad target amount: %v", ErrBadToolInput, err)
	}
	var saved int64
	if in.CurrentSaved != "" {
		saved, err = money.ParseKobo(in.CurrentSaved)
		if err != nil {
			return "", fmt.Errorf("%w: bad current saved amount: %v", ErrBadToolInput, err)
		}
	}

	remaining := target - saved
	if remaining < 0 {
		remaining = 0
	}
	// Round up so the plan never undershoots the target.
	months := int64(in.Months)
	monthly := (remaining + months - 1) / months

	return toolJSON(map[string]interface{}{
		"target":          money.FormatKobo(target),
		"already_saved":   money.FormatKobo(saved),
		"remaining":       money.FormatKobo(remaining),
		"months":          in.Months,
		"monthly_amount":  money.FormatKobo(monthly),
		"reached_already": remaining == 0,
	})
}

func (t *Tools) budgetAssistant(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		Days int `json:"days"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if in.Days <= 0 {
		in.Days = 30
	}
	if in.Days > 365 {
		in.Days = 365
	}

	now := t.clk.Now().UTC()
	from := now.AddDate(0, 0, -in.Days)

	entries, err := t.ledger.ListByUserBetween(ctx, userID, from, now)
	if err != nil {
		return "", fmt.Errorf("failed to read spending: %w", err)
	}

	byCategory := make(map[string]int64)
	var totalSpent int64
	for _, e := range entries {
		if e.Type != database.Debit {
			continue
		}
		byCategory[e.Category] += e.AmountKobo
		totalSpent += e.AmountKobo
	}

	formatted := make(map[string]string, len(byCategory))
	topCategory := ""
	var topAmount int64
	for category, amount := range byCategory {
		formatted[category] = money.FormatKobo(amount)
		if amount > topAmount {
			topAmount = amount
			topCategory = category
		}
	}

	return toolJSON(map[string]interface{}{
		"period_days":  in.Days,
		"total_spent":  money.FormatKobo(totalSpent),
		"by_category":  formatted,
		"top_category": topCategory,
	})
}

func (t *Tools) sendMoney(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		RecipientPhone string `json:"recipient_phone"`
		Amount         string `json:"amount"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if in.RecipientPhone == "" {
		return "", fmt.Errorf("%w: recipient_phone is required", ErrBadToolInput)
	}
	amountKobo, err := money.ParseKobo(in.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: bad amount: %v", ErrBadToolInput, err)
	}

	sender, err := t.accounts.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sender: %w", err)
	}

	transfer, err := t.payments.Transfer(ctx, sender.Phone, in.RecipientPhone, amountKobo, "")
	if err != nil {
		return "", err
	}

	return toolJSON(map[string]interface{}{
		"status":      "completed",
		"amount":      money.FormatKobo(amountKobo),
		"recipient":   in.RecipientPhone,
		"new_balance": money.FormatKobo(transfer.SenderBalanceKobo),
		"reference":   transfer.DebitEntryID,
	})
}

func (t *Tools) payBill(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	var in struct {
		BillerCode string `json:"biller_code"`
		Amount     string `json:"amount"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if in.BillerCode == "" {
		return "", fmt.Errorf("%w: biller_code is required", ErrBadToolInput)
	}
	amountKobo, err := money.ParseKobo(in.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: bad amount: %v", ErrBadToolInput, err)
	}

	sender, err := t.accounts.GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve payer: %w", err)
	}
	// Billers hold wallet accounts keyed by their code.
	biller, err := t.accounts.GetByPhone(ctx, in.BillerCode)
	if err != nil {
		if errors.Is(err, database.ErrAccountNotFound) {
			return "", fmt.Errorf("%w: unknown biller code %s", ErrBadToolInput, in.BillerCode)
		}
		return "", fmt.Errorf("failed to resolve biller: %w", err)
	}

	transfer, err := t.payments.Transfer(ctx, sender.Phone, biller.Phone, amountKobo, "BILL-"+uuid.New().String())
	if err != nil {
		return "", err
	}

	return toolJSON(map[string]interface{}{
		"status":      "completed",
		"amount":      money.FormatKobo(amountKobo),
		"biller":      in.BillerCode,
		"new_balance": money.FormatKobo(transfer.SenderBalanceKobo),
		"reference":   transfer.DebitEntryID,
	})
}

func (t *Tools) offlineQuery(ctx context.Context, userID string, args json.RawMessage) (string, error) {
	state, err := t.syncSvc.ChainState(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrChainStateNotFound) {
			return toolJSON(map[string]interface{}{
				"offline_transactions": 0,
				"summary":              "No offline transactions have been synced yet.",
			})
		}
		return "", fmt.Errorf("failed to read chain state: %w", err)
	}

	conflicts, err := t.syncSvc.UnresolvedConflicts(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to read conflicts: %w", err)
	}

	explanations := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		var amountKobo int64
		if entry, err := t.offline.GetByTxHash(ctx, c.TransactionID); err == nil {
			amountKobo = entry.AmountKobo
		}
		explanations = append(explanations, offsync.Explain(c, amountKobo))
	}

	return toolJSON(map[string]interface{}{
		"synced":               state.SyncedCount,
		"pending":              state.PendingCount,
		"failed":               state.FailedCount,
		"chain_healthy":        state.ChainValid,
		"unresolved_conflicts": explanations,
	})
}

func toolJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(data), nil
}
