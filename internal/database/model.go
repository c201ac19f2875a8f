package database

import (
	"time"
)

// Enum types stored as strings in Postgres
type OfflineTxStatus int
type ConflictType int
type ConflictStatus int
type LedgerType int
type LedgerStatus int
type MessageRole int

const (
	TxPending OfflineTxStatus = iota
	TxSynced
	TxFailed
	TxConflict
)

const (
	DoubleSpend ConflictType = iota
	InsufficientFunds
	InvalidSignature
	NonceReused
	InvalidHash
	ChainBroken
	TimestampInvalid
)

const (
	Unresolved ConflictStatus = iota
	AutoResolved
	PendingUser
	ManualResolved
	Rejected
)

const (
	Debit LedgerType = iota
	Credit
)

const (
	LedgerCompleted LedgerStatus = iota
	LedgerReversed
)

const (
	RoleSystem MessageRole = iota
	RoleUser
	RoleAssistant
	RoleTool
)

func (s OfflineTxStatus) String() string {
	switch s {
	case TxPending:
		return "PENDING"
	case TxSynced:
		return "SYNCED"
	case TxFailed:
		return "FAILED"
	case TxConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

func ParseOfflineTxStatus(s string) OfflineTxStatus {
	switch s {
	case "SYNCED":
		return TxSynced
	case "FAILED":
		return TxFailed
	case "CONFLICT":
		return TxConflict
	default:
		return TxPending
	}
}

func (t ConflictType) String() string {
	switch t {
	case DoubleSpend:
		return "DOUBLE_SPEND"
	case InsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case InvalidSignature:
		return "INVALID_SIGNATURE"
	case NonceReused:
		return "NONCE_REUSED"
	case InvalidHash:
		return "INVALID_HASH"
	case ChainBroken:
		return "CHAIN_BROKEN"
	case TimestampInvalid:
		return "TIMESTAMP_INVALID"
	default:
		return "UNKNOWN"
	}
}

func ParseConflictType(s string) ConflictType {
	switch s {
	case "INSUFFICIENT_FUNDS":
		return InsufficientFunds
	case "INVALID_SIGNATURE":
		return InvalidSignature
	case "NONCE_REUSED":
		return NonceReused
	case "INVALID_HASH":
		return InvalidHash
	case "CHAIN_BROKEN":
		return ChainBroken
	case "TIMESTAMP_INVALID":
		return TimestampInvalid
	default:
		return DoubleSpend
	}
}

// Priority returns the triage priority for a conflict type, 1 (highest)
// through 4.
func (t ConflictType) Priority() int {
	switch t {
	case DoubleSpend, InvalidSignature, NonceReused:
		return 1
	case InsufficientFunds, InvalidHash:
		return 2
	case ChainBroken:
		return 3
	case TimestampInvalid:
		return 4
	default:
		return 5
	}
}

// Fatal reports whether the conflict type aborts the remainder of a batch.
func (t ConflictType) Fatal() bool {
	return t == ChainBroken || t == InvalidHash
}

func (s ConflictStatus) String() string {
	switch s {
	case Unresolved:
		return "UNRESOLVED"
	case AutoResolved:
		return "AUTO_RESOLVED"
	case PendingUser:
		return "PENDING_USER"
	case ManualResolved:
		return "MANUAL_RESOLVED"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func ParseConflictStatus(s string) ConflictStatus {
	switch s {
	case "AUTO_RESOLVED":
		return AutoResolved
	case "PENDING_USER":
		return PendingUser
	case "MANUAL_RESOLVED":
		return ManualResolved
	case "REJECTED":
		return Rejected
	default:
		return Unresolved
	}
}

func (t LedgerType) String() string {
	if t == Credit {
		return "CREDIT"
	}
	return "DEBIT"
}

func ParseLedgerType(s string) LedgerType {
	if s == "CREDIT" {
		return Credit
	}
	return Debit
}

func (s LedgerStatus) String() string {
	if s == LedgerReversed {
		return "REVERSED"
	}
	return "COMPLETED"
}

func ParseLedgerStatus(s string) LedgerStatus {
	if s == "REVERSED" {
		return LedgerReversed
	}
	return LedgerCompleted
}

func (r MessageRole) String() string {
	switch r {
	case RoleSystem:
		return "SYSTEM"
	case RoleUser:
		return "USER"
	case RoleAssistant:
		return "ASSISTANT"
	case RoleTool:
		return "TOOL"
	default:
		return "UNKNOWN"
	}
}

func ParseMessageRole(s string) MessageRole {
	switch s {
	case "SYSTEM":
		return RoleSystem
	case "ASSISTANT":
		return RoleAssistant
	case "TOOL":
		return RoleTool
	default:
		return RoleUser
	}
}

// Account is a wallet holder. Balances are int64 kobo. The PIN is stored only
// as a SHA-256 digest; the public key is PEM-encoded PKIX for the RSA profile.
type Account struct {
	ID           string    `json:"id" db:"id"`
	Phone        string    `json:"phone" db:"phone"`
	Name         string    `json:"name" db:"name"`
	BalanceKobo  int64     `json:"balance_kobo" db:"balance_kobo"`
	PinDigest    string    `json:"-" db:"pin_digest"`
	KeyProfile   string    `json:"key_profile" db:"key_profile"` // "hmac" or "rsa"
	PublicKeyPEM *string   `json:"-" db:"public_key_pem"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// OfflineTx is one transaction created on a device while offline. txHash and
// nonce are globally unique; previousHash links it into the sender's chain.
type OfflineTx struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	SenderPhone     string          `json:"sender_phone" db:"sender_phone"`
	RecipientPhone  string          `json:"recipient_phone" db:"recipient_phone"`
	AmountKobo      int64           `json:"amount_kobo" db:"amount_kobo"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Nonce           string          `json:"nonce" db:"nonce"`
	Payload         string          `json:"payload" db:"payload"` // base64 AES-GCM blob
	TxHash          string          `json:"tx_hash" db:"tx_hash"`
	PreviousHash    string          `json:"previous_hash" db:"previous_hash"`
	Signature       string          `json:"signature" db:"signature"`
	Status          OfflineTxStatus `json:"status" db:"status"`
	SyncAttempts    int             `json:"sync_attempts" db:"sync_attempts"`
	LastSyncAttempt *time.Time      `json:"last_sync_attempt,omitempty" db:"last_sync_attempt"`
	SyncError       *string         `json:"sync_error,omitempty" db:"sync_error"`
	OnlineTxID      *string         `json:"online_tx_id,omitempty" db:"online_tx_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// ChainState is the server-side view of one user's offline chain: exactly one
// row per user. LastSyncedHash only advances when the ledger accepts a
// transaction whose previousHash equals it at that moment. ChainValid=false
// is sticky until an operator clears it.
type ChainState struct {
	UserID          string     `json:"user_id" db:"user_id"`
	LastSyncedHash  string     `json:"last_synced_hash" db:"last_synced_hash"`
	CurrentHeadHash string     `json:"current_head_hash" db:"current_head_hash"`
	GenesisHash     string     `json:"genesis_hash" db:"genesis_hash"`
	ChainValid      bool       `json:"chain_valid" db:"chain_valid"`
	ValidationError *string    `json:"validation_error,omitempty" db:"validation_error"`
	TotalCount      int        `json:"total_count" db:"total_count"`
	PendingCount    int        `json:"pending_count" db:"pending_count"`
	SyncedCount     int        `json:"synced_count" db:"synced_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	ConflictCount   int        `json:"conflict_count" db:"conflict_count"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty" db:"last_validated_at"`
}

// UsedNonce records an admitted nonce for the 7-day replay window.
type UsedNonce struct {
	Nonce     string    `json:"nonce" db:"nonce"`
	UserID    string    `json:"user_id" db:"user_id"`
	TxHash    string    `json:"tx_hash" db:"tx_hash"`
	UsedAt    time.Time `json:"used_at" db:"used_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// LedgerTransaction is one side of a double-entry pair emitted when an
// offline transaction is applied. The debit and credit rows are written in
// the same database transaction.
type LedgerTransaction struct {
	ID               string       `json:"id" db:"id"`
	UserID           string       `json:"user_id" db:"user_id"`
	Type             LedgerType   `json:"type" db:"type"`
	Category         string       `json:"category" db:"category"`
	AmountKobo       int64        `json:"amount_kobo" db:"amount_kobo"`
	BalanceAfterKobo int64        `json:"balance_after_kobo" db:"balance_after_kobo"`
	Reference        string       `json:"reference" db:"reference"`
	Status           LedgerStatus `json:"status" db:"status"`
	IsOffline        bool         `json:"is_offline" db:"is_offline"`
	OfflineTxID      *string      `json:"offline_tx_id,omitempty" db:"offline_tx_id"`
	SenderPhone      string       `json:"sender_phone" db:"sender_phone"`
	RecipientPhone   string       `json:"recipient_phone" db:"recipient_phone"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
}

// SyncConflict explains why one offline transaction was rejected.
type SyncConflict struct {
	ID                      string         `json:"id" db:"id"`
	TransactionID           string         `json:"transaction_id" db:"transaction_id"` // offline tx hash
	UserID                  string         `json:"user_id" db:"user_id"`
	Type                    ConflictType   `json:"type" db:"type"`
	Description             string         `json:"description" db:"description"`
	ExpectedValue           *string        `json:"expected_value,omitempty" db:"expected_value"`
	ActualValue             *string        `json:"actual_value,omitempty" db:"actual_value"`
	ExpectedBalanceKobo     *int64         `json:"expected_balance_kobo,omitempty" db:"expected_balance_kobo"`
	ActualBalanceKobo       *int64         `json:"actual_balance_kobo,omitempty" db:"actual_balance_kobo"`
	Priority                int            `json:"priority" db:"priority"`
	Status                  ConflictStatus `json:"status" db:"status"`
	AutoResolutionAttempted bool           `json:"auto_resolution_attempted" db:"auto_resolution_attempted"`
	DetectedAt              time.Time      `json:"detected_at" db:"detected_at"`
	ResolvedAt              *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy              *string        `json:"resolved_by,omitempty" db:"resolved_by"`
	Notes                   *string        `json:"notes,omitempty" db:"notes"`
}

// Conversation is the one active dialogue per user; older dialogues are
// archived rather than deleted.
type Conversation struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	MessageCount  int        `json:"message_count" db:"message_count"`
	TotalTokens   int        `json:"total_tokens" db:"total_tokens"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	Archived      bool       `json:"archived" db:"archived"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Message is one turn in a conversation. SequenceNumber is dense and strictly
// increasing per conversation.
type Message struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole `json:"role" db:"role"`
	Content        string      `json:"content" db:"content"`
	SequenceNumber int         `json:"sequence_number" db:"sequence_number"`
	Tokens         int         `json:"tokens" db:"tokens"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	Metadata       *string     `json:"metadata,omitempty" db:"metadata"`
}

// AdminConversation mirrors Conversation for the admin insights surface and
// additionally carries a rolling summary.
type AdminConversation struct {
	ID            string     `json:"id" db:"id"`
	AdminID       string     `json:"admin_id" db:"admin_id"`
	Summary       *string    `json:"summary,omitempty" db:"summary"`
	MessageCount  int        `json:"message_count" db:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// AdminMessage additionally records the request origin for audit purposes.
type AdminMessage struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole `json:"role" db:"role"`
	Content        string      `json:"content" db:"content"`
	SequenceNumber int         `json:"sequence_number" db:"sequence_number"`
	Tokens         int         `json:"tokens" db:"tokens"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	IPAddress      *string     `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      *string     `json:"user_agent,omitempty" db:"user_agent"`
}

// AuditLog is an append-only record of admin actions and security events.
type AuditLog struct {
	ID        string    `json:"id" db:"id"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail" db:"detail"`
	IPAddress *string   `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent *string   `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
