package api

import (
	"errors"
	"fmt"
	"time"

	"kobopay/internal/database"
	"kobopay/internal/money"
	offsync "kobopay/internal/sync"

	"github.com/jinzhu/copier"
)

// ErrInvalidInput marks structurally bad request payloads; handlers translate
// it to a 400 without touching any state.
var ErrInvalidInput = errors.New("invalid input")

// OfflineTxWire is the wire layout of one offline transaction. Amounts travel
// as two-decimal strings and timestamps as RFC 3339; both feed the hash
// canonicalisation, so the server re-renders them rather than trusting the
// client's formatting.
type OfflineTxWire struct {
	Sender       string `json:"sender"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
	TxHash       string `json:"tx_hash"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Signature    string `json:"signature"`
}

// ToModel validates the wire fields and converts them to the storage model.
func (w *OfflineTxWire) ToModel() (*database.OfflineTx, error) {
	amountKobo, err := money.ParseKobo(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q: %v", ErrInvalidInput, w.Amount, err)
	}
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrInvalidInput, w.Timestamp)
	}
	switch {
	case w.Sender == "":
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidInput)
	case w.Recipient == "":
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	case len(w.TxHash) != 64:
		return nil, fmt.Errorf("%w: tx_hash must be 64 hex characters", ErrInvalidInput)
	case len(w.PreviousHash) != 64:
		return nil, fmt.Errorf("%w: previous_hash must be 64 hex characters", ErrInvalidInput)
	case w.Nonce == "":
		return nil, fmt.Errorf("%w: nonce is required", ErrInvalidInput)
	case w.Signature == "":
		return nil, fmt.Errorf("%w: signature is required", ErrInvalidInput)
	}

	return &database.OfflineTx{
		SenderPhone:    w.Sender,
		RecipientPhone: w.Recipient,
		AmountKobo:     amountKobo,
		Timestamp:      ts.UTC(),
		Nonce:          w.Nonce,
		Payload:        w.Payload,
		TxHash:         w.TxHash,
		PreviousHash:   w.PreviousHash,
		Signature:      w.Signature,
		Status:         database.TxPending,
	}, nil
}

// SyncRequest is the POST /sync/offline body.
type SyncRequest struct {
	UserID       string          `json:"user_id"`
	Transactions []OfflineTxWire `json:"transactions"`
}

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	UseMemory bool   `json:"use_memory"`
}

// AdminChatRequest is the POST /chat/admin body.
type AdminChatRequest struct {
	AdminID        string  `json:"admin_id"`
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id,omitempty"`
	IncludeCharts  bool    `json:"include_charts,omitempty"`
}

// ChainStateView is the GET /sync/chain/{userId} response.
type ChainStateView struct {
	UserID          string     `json:"user_id"`
	LastSyncedHash  string     `json:"last_synced_hash"`
	CurrentHeadHash string     `json:"current_head_hash"`
	GenesisHash     string     `json:"genesis_hash"`
	ChainValid      bool       `json:"chain_valid"`
	ValidationError *string    `json:"validation_error,omitempty"`
	TotalCount      int        `json:"total_count"`
	PendingCount    int        `json:"pending_count"`
	SyncedCount     int        `json:"synced_count"`
	FailedCount     int        `json:"failed_count"`
	ConflictCount   int        `json:"conflict_count"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
}

func chainStateView(state *database.ChainState) (*ChainStateView, error) {
	var view ChainStateView
	if err := copier.Copy(&view, state); err != nil {
		return nil, fmt.Errorf("failed to map chain state: %w", err)
	}
	return &view, nil
}

// ConflictView is one entry in the GET /sync/conflicts/{userId} response.
type ConflictView struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	ExpectedValue *string    `json:"expected_value,omitempty"`
	ActualValue   *string    `json:"actual_value,omitempty"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

func conflictViews(conflicts []*database.SyncConflict) ([]ConflictView, error) {
	views := make([]ConflictView, 0, len(conflicts))
	for _, c := range conflicts {
		var view ConflictView
		if err := copier.Copy(&view, c); err != nil {
			return nil, fmt.Errorf("failed to map conflict: %w", err)
		}
		// Enum fields render as their wire strings, not ordinals.
		view.Type = c.Type.String()
		view.Status = c.Status.String()
		views = append(views, view)
	}
	return views, nil
}

// FindingView is one validator finding in the POST /sync/validate response.
type FindingView struct {
	Index       int     `json:"index"`
	TxHash      string  `json:"tx_hash"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Expected    *string `json:"expected,omitempty"`
	Actual      *string `json:"actual,omitempty"`
}

// ReportView is the POST /sync/validate response: the validator's three passes
// plus the order the batch would be processed in.
type ReportView struct {
	Order       []int         `json:"order"`
	Chain       []FindingView `json:"chain"`
	Payload     []FindingView `json:"payload"`
	DoubleSpend []FindingView `json:"double_spend"`
	Fatal       bool          `json:"fatal"`
}

func reportView(report *offsync.Report) (*ReportView, error) {
	view := &ReportView{Order: report.Order, Fatal: report.Fatal()}

	mapFindings := func(findings []offsync.Finding) ([]FindingView, error) {
		out := make([]FindingView, 0, len(findings))
		for _, f := range findings {
			var fv FindingView
			if err := copier.Copy(&fv, &f); err != nil {
				return nil, fmt.Errorf("failed to map finding: %w", err)
			}
			fv.Type = f.Type.String()
			out = append(out, fv)
		}
		return out, nil
	}

	var err error
	if view.Chain, err = mapFindings(report.Chain); err != nil {
		return nil, err
	}
	if view.Payload, err = mapFindings(report.Payload); err != nil {
		return nil, err
	}
	if view.DoubleSpend, err = mapFindings(report.DoubleSpend); err != nil {
		return nil, err
	}
	return view, nil
}
