package retention

import (
	"context"
	"time"

	"kobopay/pkg/logger"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

// NonceSweeper deletes nonce records whose retention window has passed.
type NonceSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryPruner deletes old messages and archives idle conversations.
type MemoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (pruned, archived int64, err error)
}

// ConflictReaper deletes resolved conflicts older than a cutoff.
type ConflictReaper interface {
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config carries the retention policy knobs.
type Config struct {
	// MessageRetention is how long chat messages and idle conversations are
	// kept before pruning and archival.
	MessageRetention time.Duration
	// ConflictRetention is how long resolved conflicts are kept.
	ConflictRetention time.Duration
	// RunHour/RunMinute is the local time of the daily run, 02:00 by default.
	RunHour   int
	RunMinute int
}

// Scheduler runs the periodic cleanup jobs: nonce sweep, message prune, stale
// conversation archival and resolved-conflict cleanup. Every job is a bulk
// delete bounded by a cutoff, so re-running after a crash or overlapping with
// a second instance is harmless.
type Scheduler struct {
	nonces    NonceSweeper
	memory    MemoryPruner
	conflicts ConflictReaper
	clk       clock.Clock
	cfg       Config
}

// NewScheduler creates a retention scheduler over the given stores.
func NewScheduler(nonces NonceSweeper, memory MemoryPruner, conflicts ConflictReaper, clk clock.Clock, cfg Config) *Scheduler {
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = 30 * 24 * time.Hour
	}
	if cfg.ConflictRetention <= 0 {
		cfg.ConflictRetention = 90 * 24 * time.Hour
	}
	return &Scheduler{
		nonces:    nonces,
		memory:    memory,
		conflicts: conflicts,
		clk:       clk,
		cfg:       cfg,
	}
}

// RunOnce executes every cleanup job once. Jobs run independently; a failure
// in one does not stop the others, and the first error is returned.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.clk.Now().UTC()
	var firstErr error

	swept, err := s.nonces.SweepExpired(ctx, now)
	if err != nil {
		logger.Error("Nonce sweep failed", zap.Error(err))
		firstErr = err
	} else {
		logger.Info("Nonce sweep completed", zap.Int64("swept", swept))
	}

	if _, _, err := s.memory.Prune(ctx, now.Add(-s.cfg.MessageRetention)); err != nil {
		logger.Error("Message prune failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	reaped, err := s.conflicts.DeleteResolvedBefore(ctx, now.Add(-s.cfg.ConflictRetention))
	if err != nil {
		logger.Error("Resolved-conflict cleanup failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	} else {
		logger.Info("Resolved-conflict cleanup completed", zap.Int64("deleted", reaped))
	}

	return firstErr
}

// nextRun returns the next daily run time strictly after now, in now's
// location.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.RunHour, s.cfg.RunMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run executes the daily cleanup cycle until the context is cancelled. Job
// failures are logged and the loop keeps going; the next cycle retries them.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clk.Now()
		next := s.nextRun(now)
		logger.Info("Retention run scheduled", zap.Time("next", next))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clk.TickAfter(next.Sub(now)):
		}

		if err := s.RunOnce(ctx); err != nil {
			logger.Error("Retention run finished with errors", zap.Error(err))
		}
	}
}
