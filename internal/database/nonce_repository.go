package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNonceReused is returned when a nonce was already admitted within its retention window
	ErrNonceReused = errors.New("nonce already used")
)

// NonceRepository is the at-most-once admission registry for transaction
// nonces. Admission rides on the nonce unique index with INSERT .. ON
// CONFLICT, never read-then-write, so concurrent writers cannot both win.
type NonceRepository struct {
	q Querier
}

// NewNonceRepository creates a new nonce repository instance
func NewNonceRepository(db *DB) *NonceRepository {
	return &NonceRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *NonceRepository) WithTx(tx pgx.Tx) *NonceRepository {
	return &NonceRepository{q: tx}
}

// Admit registers a nonce for retention days. Returns ErrNonceReused if a
// live record with the same nonce exists. A record past its expiry no longer
// blocks admission; the stale row is replaced in the same statement.
func (r *NonceRepository) Admit(ctx context.Context, nonce, userID, txHash string, now time.Time, retention time.Duration) error {
	query := `INSERT INTO used_nonces (nonce, user_id, tx_hash, used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (nonce) DO UPDATE
			SET user_id = EXCLUDED.user_id,
				tx_hash = EXCLUDED.tx_hash,
				used_at = EXCLUDED.used_at,
				expires_at = EXCLUDED.expires_at
			WHERE used_nonces.expires_at < $4`

	tag, err := r.q.Exec(ctx, query, nonce, userID, txHash, now, now.Add(retention))
	if err != nil {
		return fmt.Errorf("failed to admit nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNonceReused
	}
	return nil
}

// Exists reports whether a live record holds this nonce.
func (r *NonceRepository) Exists(ctx context.Context, nonce string, now time.Time) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM used_nonces WHERE nonce = $1 AND expires_at > $2)`
	if err := r.q.QueryRow(ctx, query, nonce, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return exists, nil
}

// Get retrieves the record for a nonce, live or expired.
func (r *NonceRepository) Get(ctx context.Context, nonce string) (*UsedNonce, error) {
	query := `SELECT nonce, user_id, tx_hash, used_at, expires_at FROM used_nonces WHERE nonce = $1`

	var record UsedNonce
	err := r.q.QueryRow(ctx, query, nonce).Scan(
		&record.Nonce,
		&record.UserID,
		&record.TxHash,
		&record.UsedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get nonce record: %w", err)
	}
	return &record, nil
}

// SweepExpired deletes records whose retention window has passed. Run daily
// by the retention scheduler; safe to run concurrently.
func (r *NonceRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM used_nonces WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
