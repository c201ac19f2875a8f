package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrOfflineTxNotFound is returned when an offline transaction is not found
	ErrOfflineTxNotFound = errors.New("offline transaction not found")
)

// OfflineTxRepository handles all database operations for offline transactions
type OfflineTxRepository struct {
	q Querier
}

// NewOfflineTxRepository creates a new offline transaction repository instance
func NewOfflineTxRepository(db *DB) *OfflineTxRepository {
	return &OfflineTxRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *OfflineTxRepository) WithTx(tx pgx.Tx) *OfflineTxRepository {
	return &OfflineTxRepository{q: tx}
}

const offlineTxColumns = `id, user_id, sender_phone, recipient_phone, amount_kobo, timestamp,
	nonce, payload, tx_hash, previous_hash, signature, status, sync_attempts,
	last_sync_attempt, sync_error, online_tx_id, created_at`

// Create inserts an offline transaction on admission. The tx_hash unique
// index makes re-submission of an already-admitted transaction a no-op;
// the returned bool reports whether a new row was written.
func (r *OfflineTxRepository) Create(ctx context.Context, tx *OfflineTx) (bool, error) {
	query := `INSERT INTO offline_transactions (
		id,
		user_id,
		sender_phone,
		recipient_phone,
		amount_kobo,
		timestamp,
		nonce,
		payload,
		tx_hash,
		previous_hash,
		signature,
		status,
		sync_attempts,
		last_sync_attempt,
		sync_error,
		online_tx_id,
		created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tx_hash) DO NOTHING`

	tag, err := r.q.Exec(
		ctx,
		query,
		tx.ID,
		tx.UserID,
		tx.SenderPhone,
		tx.RecipientPhone,
		tx.AmountKobo,
		tx.Timestamp,
		tx.Nonce,
		tx.Payload,
		tx.TxHash,
		tx.PreviousHash,
		tx.Signature,
		tx.Status.String(),
		tx.SyncAttempts,
		tx.LastSyncAttempt,
		tx.SyncError,
		tx.OnlineTxID,
		tx.CreatedAt,
	)

	if err != nil {
		return false, fmt.Errorf("failed to create offline transaction: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func scanOfflineTx(row pgx.Row) (*OfflineTx, error) {
	var tx OfflineTx
	var statusStr string

	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.SenderPhone,
		&tx.RecipientPhone,
		&tx.AmountKobo,
		&tx.Timestamp,
		&tx.Nonce,
		&tx.Payload,
		&tx.TxHash,
		&tx.PreviousHash,
		&tx.Signature,
		&statusStr,
		&tx.SyncAttempts,
		&tx.LastSyncAttempt,
		&tx.SyncError,
		&tx.OnlineTxID,
		&tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfflineTxNotFound
		}
		return nil, fmt.Errorf("failed to scan offline transaction row: %w", err)
	}

	tx.Status = ParseOfflineTxStatus(statusStr)
	return &tx, nil
}

// GetByTxHash retrieves an offline transaction by its chain hash.
// Returns ErrOfflineTxNotFound if no transaction with that hash exists.
func (r *OfflineTxRepository) GetByTxHash(ctx context.Context, txHash string) (*OfflineTx, error) {
	query := `SELECT ` + offlineTxColumns + ` FROM offline_transactions WHERE tx_hash = $1`
	return scanOfflineTx(r.q.QueryRow(ctx, query, txHash))
}

// IsSynced reports whether a transaction with this hash already committed.
// The sync orchestrator uses this to make batch replays idempotent.
func (r *OfflineTxRepository) IsSynced(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM offline_transactions WHERE tx_hash = $1 AND status = 'SYNCED')`
	if err := r.q.QueryRow(ctx, query, txHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check synced state of %s: %w", txHash, err)
	}
	return exists, nil
}

// MarkSynced finalises a transaction: status SYNCED, back-link to the ledger
// entry, attempt counters bumped. SYNCED is terminal.
func (r *OfflineTxRepository) MarkSynced(ctx context.Context, txHash, onlineTxID string, at time.Time) error {
	query := `UPDATE offline_transactions
		SET status = 'SYNCED',
			online_tx_id = $2,
			sync_error = NULL,
			sync_attempts = sync_attempts + 1,
			last_sync_attempt = $3
		WHERE tx_hash = $1 AND status <> 'SYNCED'`

	tag, err := r.q.Exec(ctx, query, txHash, onlineTxID, at)
	if err != nil {
		return fmt.Errorf("failed to mark transaction %s synced: %w", txHash, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfflineTxNotFound
	}
	return nil
}

// MarkFailed records a rejection with the conflict reason.
func (r *OfflineTxRepository) MarkFailed(ctx context.Context, txHash, reason string, at time.Time) error {
	query := `UPDATE offline_transactions
		SET status = 'FAILED',
			sync_error = $2,
			sync_attempts = sync_attempts + 1,
			last_sync_attempt = $3
		WHERE tx_hash = $1 AND status <> 'SYNCED'`

	tag, err := r.q.Exec(ctx, query, txHash, reason, at)
	if err != nil {
		return fmt.Errorf("failed to mark transaction %s failed: %w", txHash, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfflineTxNotFound
	}
	return nil
}

// ListByUser retrieves a user's offline transactions, oldest first.
func (r *OfflineTxRepository) ListByUser(ctx context.Context, userID string) ([]*OfflineTx, error) {
	query := `SELECT ` + offlineTxColumns + `
		FROM offline_transactions WHERE user_id = $1 ORDER BY timestamp ASC`
	return r.list(ctx, query, userID)
}

// ListFailedByUser retrieves a user's FAILED transactions, oldest first.
func (r *OfflineTxRepository) ListFailedByUser(ctx context.Context, userID string) ([]*OfflineTx, error) {
	query := `SELECT ` + offlineTxColumns + `
		FROM offline_transactions WHERE user_id = $1 AND status = 'FAILED' ORDER BY timestamp ASC`
	return r.list(ctx, query, userID)
}

func (r *OfflineTxRepository) list(ctx context.Context, query string, args ...any) ([]*OfflineTx, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline transactions: %w", err)
	}
	defer rows.Close()

	var txs []*OfflineTx
	for rows.Next() {
		var tx OfflineTx
		var statusStr string

		err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.SenderPhone,
			&tx.RecipientPhone,
			&tx.AmountKobo,
			&tx.Timestamp,
			&tx.Nonce,
			&tx.Payload,
			&tx.TxHash,
			&tx.PreviousHash,
			&tx.Signature,
			&statusStr,
			&tx.SyncAttempts,
			&tx.LastSyncAttempt,
			&tx.SyncError,
			&tx.OnlineTxID,
			&tx.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offline transaction row: %w", err)
		}

		tx.Status = ParseOfflineTxStatus(statusStr)
		txs = append(txs, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return txs, nil
}

// RequeueFailed moves a user's FAILED transactions back to PENDING for an
// operator-initiated retry. Returns the number of requeued rows.
func (r *OfflineTxRepository) RequeueFailed(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE offline_transactions
		SET status = 'PENDING', sync_error = NULL
		WHERE user_id = $1 AND status = 'FAILED'`

	tag, err := r.q.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed transactions for user %s: %w", userID, err)
	}
	return tag.RowsAffected(), nil
}
