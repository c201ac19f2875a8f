package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PlatformStats is the aggregate snapshot the admin insights surface reasons
// over. Regenerated periodically; consumers treat it as read-only.
type PlatformStats struct {
	Accounts            int64     `json:"accounts"`
	TotalBalanceKobo    int64     `json:"total_balance_kobo"`
	OfflineSynced       int64     `json:"offline_synced"`
	OfflinePending      int64     `json:"offline_pending"`
	OfflineFailed       int64     `json:"offline_failed"`
	TransferCount24h    int64     `json:"transfer_count_24h"`
	VolumeKobo24h       int64     `json:"volume_kobo_24h"`
	UnresolvedConflicts int64     `json:"unresolved_conflicts"`
	InvalidChains       int64     `json:"invalid_chains"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// StatsRepository computes platform-wide aggregates.
type StatsRepository struct {
	q Querier
}

// NewStatsRepository creates a new stats repository instance
func NewStatsRepository(db *DB) *StatsRepository {
	return &StatsRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *StatsRepository) WithTx(tx pgx.Tx) *StatsRepository {
	return &StatsRepository{q: tx}
}

// Snapshot computes the current platform aggregates. The queries are cheap
// enough to run every few minutes on the poc dataset; a production deployment
// would move them to a materialised view.
func (r *StatsRepository) Snapshot(ctx context.Context, now time.Time) (*PlatformStats, error) {
	stats := &PlatformStats{GeneratedAt: now}

	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(balance_kobo), 0) FROM accounts`,
	).Scan(&stats.Accounts, &stats.TotalBalanceKobo)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate accounts: %w", err)
	}

	err = r.q.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'SYNCED'),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM offline_transactions`,
	).Scan(&stats.OfflineSynced, &stats.OfflinePending, &stats.OfflineFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate offline transactions: %w", err)
	}

	err = r.q.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount_kobo), 0)
		FROM ledger_transactions
		WHERE type = 'DEBIT' AND created_at >= $1`,
		now.Add(-24*time.Hour),
	).Scan(&stats.TransferCount24h, &stats.VolumeKobo24h)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transfer volume: %w", err)
	}

	err = r.q.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sync_conflicts WHERE status = 'UNRESOLVED'),
			(SELECT COUNT(*) FROM chain_states WHERE NOT chain_valid)`,
	).Scan(&stats.UnresolvedConflicts, &stats.InvalidChains)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conflicts: %w", err)
	}

	return stats, nil
}
