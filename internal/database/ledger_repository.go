package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrLedgerTxNotFound is returned when a ledger entry is not found in the database
	ErrLedgerTxNotFound = errors.New("ledger transaction not found")
)

// LedgerRepository handles all database operations for ledger entries
type LedgerRepository struct {
	q Querier
}

// NewLedgerRepository creates a new ledger repository instance
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *LedgerRepository) WithTx(tx pgx.Tx) *LedgerRepository {
	return &LedgerRepository{q: tx}
}

const ledgerColumns = `id, user_id, type, category, amount_kobo, balance_after_kobo,
	reference, status, is_offline, offline_tx_id, sender_phone, recipient_phone, created_at`

// Create inserts a new ledger entry.
func (r *LedgerRepository) Create(ctx context.Context, entry *LedgerTransaction) error {
	query := `INSERT INTO ledger_transactions (
		id,
		user_id,
		type,
		category,
		amount_kobo,
		balance_after_kobo,
		reference,
		status,
		is_offline,
		offline_tx_id,
		sender_phone,
		recipient_phone,
		created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.q.Exec(
		ctx,
		query,
		entry.ID,
		entry.UserID,
		entry.Type.String(),
		entry.Category,
		entry.AmountKobo,
		entry.BalanceAfterKobo,
		entry.Reference,
		entry.Status.String(),
		entry.IsOffline,
		entry.OfflineTxID,
		entry.SenderPhone,
		entry.RecipientPhone,
		entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return nil
}

func scanLedgerRows(rows pgx.Rows) ([]*LedgerTransaction, error) {
	defer rows.Close()

	var entries []*LedgerTransaction
	for rows.Next() {
		var entry LedgerTransaction
		var typeStr string
		var statusStr string

		err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&typeStr,
			&entry.Category,
			&entry.AmountKobo,
			&entry.BalanceAfterKobo,
			&entry.Reference,
			&statusStr,
			&entry.IsOffline,
			&entry.OfflineTxID,
			&entry.SenderPhone,
			&entry.RecipientPhone,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}

		entry.Type = ParseLedgerType(typeStr)
		entry.Status = ParseLedgerStatus(statusStr)
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return entries, nil
}

// GetByID retrieves a ledger entry by its UUID.
// Returns ErrLedgerTxNotFound if the ID does not exist.
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*LedgerTransaction, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_transactions WHERE id = $1`

	var entry LedgerTransaction
	var typeStr string
	var statusStr string

	err := r.q.QueryRow(ctx, query, id).Scan(
		&entry.ID,
		&entry.UserID,
		&typeStr,
		&entry.Category,
		&entry.AmountKobo,
		&entry.BalanceAfterKobo,
		&entry.Reference,
		&statusStr,
		&entry.IsOffline,
		&entry.OfflineTxID,
		&entry.SenderPhone,
		&entry.RecipientPhone,
		&entry.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLedgerTxNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry with id %s: %w", id, err)
	}

	entry.Type = ParseLedgerType(typeStr)
	entry.Status = ParseLedgerStatus(statusStr)
	return &entry, nil
}

// ListByUserID retrieves the most recent ledger entries for a user, newest first.
func (r *LedgerRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]*LedgerTransaction, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %s: %w", userID, err)
	}
	return scanLedgerRows(rows)
}

// ListByUserBetween retrieves a user's ledger entries in [from, to), oldest
// first. Used by the statement tool.
func (r *LedgerRepository) ListByUserBetween(ctx context.Context, userID string, from, to time.Time) ([]*LedgerTransaction, error) {
	query := `SELECT ` + ledgerColumns + `
		FROM ledger_transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC`

	rows, err := r.q.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %s: %w", userID, err)
	}
	return scanLedgerRows(rows)
}

// SumByUserBetween returns total debits and credits for a user in [from, to).
func (r *LedgerRepository) SumByUserBetween(ctx context.Context, userID string, from, to time.Time) (debits, credits int64, err error) {
	query := `SELECT
		COALESCE(SUM(amount_kobo) FILTER (WHERE type = 'DEBIT'), 0),
		COALESCE(SUM(amount_kobo) FILTER (WHERE type = 'CREDIT'), 0)
		FROM ledger_transactions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3 AND status = 'COMPLETED'`

	err = r.q.QueryRow(ctx, query, userID, from, to).Scan(&debits, &credits)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger entries for user %s: %w", userID, err)
	}
	return debits, credits, nil
}
