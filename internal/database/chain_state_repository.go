package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrChainStateNotFound is returned when a user has no chain state row
	ErrChainStateNotFound = errors.New("chain state not found")
)

// GenesisHash mirrors chain.GenesisHash; duplicated here so the database
// package stays at the bottom of the import graph.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ChainStateRepository handles the one-row-per-user chain state table
type ChainStateRepository struct {
	q Querier
}

// NewChainStateRepository creates a new chain state repository instance
func NewChainStateRepository(db *DB) *ChainStateRepository {
	return &ChainStateRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ChainStateRepository) WithTx(tx pgx.Tx) *ChainStateRepository {
	return &ChainStateRepository{q: tx}
}

const chainStateColumns = `user_id, last_synced_hash, current_head_hash, genesis_hash,
	chain_valid, validation_error, total_count, pending_count, synced_count,
	failed_count, conflict_count, created_at, updated_at, last_synced_at, last_validated_at`

// LoadOrCreate returns the user's chain state, initialising a fresh row with
// both head fields at genesis on first contact. Chain states are created
// lazily on the first batch.
func (r *ChainStateRepository) LoadOrCreate(ctx context.Context, userID string, now time.Time) (*ChainState, error) {
	insert := `INSERT INTO chain_states (
		user_id, last_synced_hash, current_head_hash, genesis_hash, chain_valid, created_at, updated_at
		) VALUES ($1, $2, $2, $2, TRUE, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`

	if _, err := r.q.Exec(ctx, insert, userID, genesisHash, now); err != nil {
		return nil, fmt.Errorf("failed to initialise chain state for user %s: %w", userID, err)
	}

	return r.Get(ctx, userID)
}

// Get retrieves the user's chain state.
// Returns ErrChainStateNotFound if the user has never synced.
func (r *ChainStateRepository) Get(ctx context.Context, userID string) (*ChainState, error) {
	query := `SELECT ` + chainStateColumns + ` FROM chain_states WHERE user_id = $1`

	var state ChainState
	err := r.q.QueryRow(ctx, query, userID).Scan(
		&state.UserID,
		&state.LastSyncedHash,
		&state.CurrentHeadHash,
		&state.GenesisHash,
		&state.ChainValid,
		&state.ValidationError,
		&state.TotalCount,
		&state.PendingCount,
		&state.SyncedCount,
		&state.FailedCount,
		&state.ConflictCount,
		&state.CreatedAt,
		&state.UpdatedAt,
		&state.LastSyncedAt,
		&state.LastValidatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChainStateNotFound
		}
		return nil, fmt.Errorf("failed to get chain state for user %s: %w", userID, err)
	}

	return &state, nil
}

// Save persists the mutable fields of a chain state after a sync run.
func (r *ChainStateRepository) Save(ctx context.Context, state *ChainState) error {
	query := `UPDATE chain_states
		SET last_synced_hash = $2,
			current_head_hash = $3,
			chain_valid = $4,
			validation_error = $5,
			total_count = $6,
			pending_count = $7,
			synced_count = $8,
			failed_count = $9,
			conflict_count = $10,
			updated_at = $11,
			last_synced_at = $12,
			last_validated_at = $13
		WHERE user_id = $1`

	tag, err := r.q.Exec(
		ctx,
		query,
		state.UserID,
		state.LastSyncedHash,
		state.CurrentHeadHash,
		state.ChainValid,
		state.ValidationError,
		state.TotalCount,
		state.PendingCount,
		state.SyncedCount,
		state.FailedCount,
		state.ConflictCount,
		state.UpdatedAt,
		state.LastSyncedAt,
		state.LastValidatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save chain state for user %s: %w", state.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChainStateNotFound
	}
	return nil
}

// Invalidate sets the sticky invalid flag with the violation reason. Only
// Revalidate (an operator action) clears it.
func (r *ChainStateRepository) Invalidate(ctx context.Context, userID, reason string, at time.Time) error {
	query := `UPDATE chain_states
		SET chain_valid = FALSE, validation_error = $2, updated_at = $3, last_validated_at = $3
		WHERE user_id = $1`

	tag, err := r.q.Exec(ctx, query, userID, reason, at)
	if err != nil {
		return fmt.Errorf("failed to invalidate chain for user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChainStateNotFound
	}
	return nil
}

// Revalidate clears the invalid flag. Operator-only; never called from the
// sync path.
func (r *ChainStateRepository) Revalidate(ctx context.Context, userID string, at time.Time) error {
	query := `UPDATE chain_states
		SET chain_valid = TRUE, validation_error = NULL, updated_at = $2, last_validated_at = $2
		WHERE user_id = $1`

	tag, err := r.q.Exec(ctx, query, userID, at)
	if err != nil {
		return fmt.Errorf("failed to revalidate chain for user %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChainStateNotFound
	}
	return nil
}
