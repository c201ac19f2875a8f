package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrConflictNotFound is returned when a sync conflict is not found
	ErrConflictNotFound = errors.New("sync conflict not found")
	// ErrConflictTransition is returned on an illegal resolution transition
	ErrConflictTransition = errors.New("illegal conflict status transition")
)

// ConflictRepository handles all database operations for sync conflicts
type ConflictRepository struct {
	q Querier
}

// NewConflictRepository creates a new conflict repository instance
func NewConflictRepository(db *DB) *ConflictRepository {
	return &ConflictRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *ConflictRepository) WithTx(tx pgx.Tx) *ConflictRepository {
	return &ConflictRepository{q: tx}
}

const conflictColumns = `id, transaction_id, user_id, type, description,
	expected_value, actual_value, expected_balance_kobo, actual_balance_kobo,
	priority, status, auto_resolution_attempted, detected_at, resolved_at, resolved_by, notes`

// Create inserts a new conflict record. Priority is derived from the type.
func (r *ConflictRepository) Create(ctx context.Context, conflict *SyncConflict) error {
	conflict.Priority = conflict.Type.Priority()

	query := `INSERT INTO sync_conflicts (
		id,
		transaction_id,
		user_id,
		type,
		description,
		expected_value,
		actual_value,
		expected_balance_kobo,
		actual_balance_kobo,
		priority,
		status,
		auto_resolution_attempted,
		detected_at,
		resolved_at,
		resolved_by,
		notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.q.Exec(
		ctx,
		query,
		conflict.ID,
		conflict.TransactionID,
		conflict.UserID,
		conflict.Type.String(),
		conflict.Description,
		conflict.ExpectedValue,
		conflict.ActualValue,
		conflict.ExpectedBalanceKobo,
		conflict.ActualBalanceKobo,
		conflict.Priority,
		conflict.Status.String(),
		conflict.AutoResolutionAttempted,
		conflict.DetectedAt,
		conflict.ResolvedAt,
		conflict.ResolvedBy,
		conflict.Notes,
	)

	if err != nil {
		return fmt.Errorf("failed to create sync conflict: %w", err)
	}

	return nil
}

// ListUnresolvedByUser retrieves a user's open conflicts, highest priority
// first, oldest first within a priority.
func (r *ConflictRepository) ListUnresolvedByUser(ctx context.Context, userID string) ([]*SyncConflict, error) {
	query := `SELECT ` + conflictColumns + `
		FROM sync_conflicts
		WHERE user_id = $1 AND status IN ('UNRESOLVED', 'PENDING_USER')
		ORDER BY priority ASC, detected_at ASC`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for user %s: %w", userID, err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		var conflict SyncConflict
		var typeStr string
		var statusStr string

		err := rows.Scan(
			&conflict.ID,
			&conflict.TransactionID,
			&conflict.UserID,
			&typeStr,
			&conflict.Description,
			&conflict.ExpectedValue,
			&conflict.ActualValue,
			&conflict.ExpectedBalanceKobo,
			&conflict.ActualBalanceKobo,
			&conflict.Priority,
			&statusStr,
			&conflict.AutoResolutionAttempted,
			&conflict.DetectedAt,
			&conflict.ResolvedAt,
			&conflict.ResolvedBy,
			&conflict.Notes,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict row: %w", err)
		}

		conflict.Type = ParseConflictType(typeStr)
		conflict.Status = ParseConflictStatus(statusStr)
		conflicts = append(conflicts, &conflict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return conflicts, nil
}

// GetByID retrieves a conflict by its UUID.
func (r *ConflictRepository) GetByID(ctx context.Context, id string) (*SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = $1`

	var conflict SyncConflict
	var typeStr string
	var statusStr string

	err := r.q.QueryRow(ctx, query, id).Scan(
		&conflict.ID,
		&conflict.TransactionID,
		&conflict.UserID,
		&typeStr,
		&conflict.Description,
		&conflict.ExpectedValue,
		&conflict.ActualValue,
		&conflict.ExpectedBalanceKobo,
		&conflict.ActualBalanceKobo,
		&conflict.Priority,
		&statusStr,
		&conflict.AutoResolutionAttempted,
		&conflict.DetectedAt,
		&conflict.ResolvedAt,
		&conflict.ResolvedBy,
		&conflict.Notes,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflictNotFound
		}
		return nil, fmt.Errorf("failed to get conflict with id %s: %w", id, err)
	}

	conflict.Type = ParseConflictType(typeStr)
	conflict.Status = ParseConflictStatus(statusStr)
	return &conflict, nil
}

// Resolve transitions a conflict along the allowed lifecycle:
// UNRESOLVED -> {AUTO_RESOLVED, PENDING_USER}, PENDING_USER -> {MANUAL_RESOLVED, REJECTED}.
func (r *ConflictRepository) Resolve(ctx context.Context, id string, to ConflictStatus, resolvedBy string, notes *string, at time.Time) error {
	var allowedFrom string
	switch to {
	case AutoResolved, PendingUser:
		allowedFrom = Unresolved.String()
	case ManualResolved, Rejected:
		allowedFrom = PendingUser.String()
	default:
		return ErrConflictTransition
	}

	query := `UPDATE sync_conflicts
		SET status = $2, resolved_at = $3, resolved_by = $4, notes = COALESCE($5, notes)
		WHERE id = $1 AND status = $6`

	tag, err := r.q.Exec(ctx, query, id, to.String(), at, resolvedBy, notes, allowedFrom)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a bad transition from a missing row.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflictTransition
	}
	return nil
}

// DeleteResolvedBefore removes terminal conflicts older than cutoff. Run by
// the retention scheduler.
func (r *ConflictRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_conflicts
		WHERE status IN ('AUTO_RESOLVED', 'MANUAL_RESOLVED', 'REJECTED') AND resolved_at < $1`

	tag, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete resolved conflicts: %w", err)
	}
	return tag.RowsAffected(), nil
}
