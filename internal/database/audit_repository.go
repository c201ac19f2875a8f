package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AuditRepository is the append-only log of admin actions and security
// events. Rows are never updated or deleted by the application.
type AuditRepository struct {
	q Querier
}

// NewAuditRepository creates a new audit repository instance
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *AuditRepository) WithTx(tx pgx.Tx) *AuditRepository {
	return &AuditRepository{q: tx}
}

// Append writes one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditLog) error {
	query := `INSERT INTO audit_logs (id, actor_id, action, detail, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.q.Exec(
		ctx,
		query,
		entry.ID,
		entry.ActorID,
		entry.Action,
		entry.Detail,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByActor retrieves an actor's most recent audit entries, newest first.
func (r *AuditRepository) ListByActor(ctx context.Context, actorID string, limit int) ([]*AuditLog, error) {
	query := `SELECT id, actor_id, action, detail, ip_address, user_agent, created_at
		FROM audit_logs WHERE actor_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.q.Query(ctx, query, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for %s: %w", actorID, err)
	}
	defer rows.Close()

	var entries []*AuditLog
	for rows.Next() {
		var entry AuditLog
		err := rows.Scan(
			&entry.ID,
			&entry.ActorID,
			&entry.Action,
			&entry.Detail,
			&entry.IPAddress,
			&entry.UserAgent,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return entries, nil
}
