package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kobopay/internal/chain"
	"kobopay/internal/database"
	"kobopay/internal/payment"
	messages "kobopay/internal/queue"
	"kobopay/internal/telemetry"
	"kobopay/pkg/logger"
	streams "kobopay/pkg/queue"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

// Custom errors for sync operations
var (
	ErrEmptyBatch    = errors.New("batch contains no transactions")
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
	ErrChainInvalid  = errors.New("chain is invalidated; operator reset required")
)

// Config carries the sync policy knobs from the configuration surface.
type Config struct {
	MaxAge          time.Duration
	FutureTolerance time.Duration
	BatchMax        int
	MaxAmountKobo   int64
	NonceRetention  time.Duration
}

// Service is the sync orchestrator. One call to Sync processes one user's
// batch inside a single database transaction under a per-user advisory lock:
// either the whole run commits (including per-transaction failures recorded
// as conflicts) or an infrastructure error rolls everything back.
type Service struct {
	db           *database.DB
	accountRepo  *database.AccountRepository
	offlineRepo  *database.OfflineTxRepository
	chainRepo    *database.ChainStateRepository
	nonceRepo    *database.NonceRepository
	conflictRepo *database.ConflictRepository
	payments     *payment.Service
	queue        *streams.StreamQueue
	clk          clock.Clock
	cfg          Config
}

// NewService creates a new sync orchestrator instance
func NewService(
	db *database.DB,
	accountRepo *database.AccountRepository,
	offlineRepo *database.OfflineTxRepository,
	chainRepo *database.ChainStateRepository,
	nonceRepo *database.NonceRepository,
	conflictRepo *database.ConflictRepository,
	payments *payment.Service,
	queue *streams.StreamQueue,
	clk clock.Clock,
	cfg Config,
) *Service {
	return &Service{
		db:           db,
		accountRepo:  accountRepo,
		offlineRepo:  offlineRepo,
		chainRepo:    chainRepo,
		nonceRepo:    nonceRepo,
		conflictRepo: conflictRepo,
		payments:     payments,
		queue:        queue,
		clk:          clk,
		cfg:          cfg,
	}
}

// TxOutcome is the per-transaction line in a SyncResult.
type TxOutcome struct {
	TxHash     string `json:"tx_hash"`
	Status     string `json:"status"`
	Conflict   string `json:"conflict,omitempty"`
	Detail     string `json:"detail,omitempty"`
	OnlineTxID string `json:"online_tx_id,omitempty"`
}

// SyncResult summarises one orchestrator run.
type SyncResult struct {
	UserID           string      `json:"user_id"`
	Total            int         `json:"total"`
	Synced           int         `json:"synced"`
	Failed           int         `json:"failed"`
	Conflicts        int         `json:"conflicts"`
	LastSyncedHash   string      `json:"last_synced_hash"`
	FinalBalanceKobo int64       `json:"final_balance_kobo"`
	ChainValid       bool        `json:"chain_valid"`
	Outcomes         []TxOutcome `json:"transactions"`
}

// Sync processes a batch of offline transactions for one user.
func (s *Service) Sync(ctx context.Context, userID string, batch []*database.OfflineTx) (*SyncResult, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.cfg.BatchMax > 0 && len(batch) > s.cfg.BatchMax {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(batch), s.cfg.BatchMax)
	}

	var result *SyncResult
	err := s.db.WithinTx(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = s.syncInTx(ctx, tx, userID, batch)
		return err
	})
	if err != nil {
		telemetry.SyncBatches.WithLabelValues("error").Inc()
		return nil, err
	}

	if result.Synced > 0 || result.Failed > 0 {
		telemetry.SyncBatches.WithLabelValues("ok").Inc()
	} else {
		telemetry.SyncBatches.WithLabelValues("rejected").Inc()
	}

	s.publishCompleted(ctx, result)
	return result, nil
}

func (s *Service) syncInTx(ctx context.Context, tx pgx.Tx, userID string, batch []*database.OfflineTx) (*SyncResult, error) {
	now := s.clk.Now().UTC()

	if err := database.AcquireUserLock(ctx, tx, userID); err != nil {
		return nil, err
	}

	accounts := s.accountRepo.WithTx(tx)
	offline := s.offlineRepo.WithTx(tx)
	chains := s.chainRepo.WithTx(tx)
	nonces := s.nonceRepo.WithTx(tx)
	conflicts := s.conflictRepo.WithTx(tx)

	account, err := accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	state, err := chains.LoadOrCreate(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		UserID:         userID,
		Total:          len(batch),
		LastSyncedHash: state.LastSyncedHash,
		ChainValid:     state.ChainValid,
		Outcomes:       make([]TxOutcome, len(batch)),
	}
	for i, t := range batch {
		result.Outcomes[i] = TxOutcome{TxHash: t.TxHash, Status: database.TxPending.String()}
	}

	// A previously invalidated chain rejects the whole batch with one
	// summary conflict; nothing else is written.
	if !state.ChainValid {
		reason := "chain previously invalidated"
		if state.ValidationError != nil {
			reason = fmt.Sprintf("chain previously invalidated: %s", *state.ValidationError)
		}
		c := newConflict(userID, "BATCH", database.ChainBroken, reason, nil, nil, now)
		if err := conflicts.Create(ctx, c); err != nil {
			return nil, err
		}
		state.ConflictCount++
		state.UpdatedAt = now
		if err := chains.Save(ctx, state); err != nil {
			return nil, err
		}

		result.Conflicts = 1
		for i := range result.Outcomes {
			result.Outcomes[i].Status = database.TxFailed.String()
			result.Outcomes[i].Conflict = database.ChainBroken.String()
			result.Outcomes[i].Detail = reason
		}
		result.Failed = len(batch)
		result.FinalBalanceKobo = account.BalanceKobo
		telemetry.SyncConflicts.WithLabelValues(database.ChainBroken.String()).Inc()
		return result, nil
	}

	// Admit every row up front. Re-submission of an already-known hash is a
	// no-op thanks to the unique index.
	inserted := 0
	for _, t := range batch {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.UserID = userID
		t.Status = database.TxPending
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		isNew, err := offline.Create(ctx, t)
		if err != nil {
			return nil, err
		}
		if isNew {
			inserted++
		}
	}

	// Idempotent replay: entries already SYNCED are recorded as DOUBLE_SPEND
	// conflicts and removed before validation, so a resubmitted prefix does
	// not read as a broken link against the advanced head.
	var live []*database.OfflineTx
	var origIdx []int
	for i, t := range batch {
		synced, err := offline.IsSynced(ctx, t.TxHash)
		if err != nil {
			return nil, err
		}
		if synced {
			c := newConflict(userID, t.TxHash, database.DoubleSpend,
				"transaction already synced; not applied again", nil, nil, now)
			if err := conflicts.Create(ctx, c); err != nil {
				return nil, err
			}
			state.ConflictCount++
			result.Conflicts++
			result.Outcomes[i].Status = database.TxSynced.String()
			result.Outcomes[i].Conflict = database.DoubleSpend.String()
			result.Outcomes[i].Detail = c.Description
			telemetry.SyncConflicts.WithLabelValues(database.DoubleSpend.String()).Inc()
			continue
		}
		live = append(live, t)
		origIdx = append(origIdx, i)
	}

	validator := NewValidator(
		ValidatorConfig{
			MaxAge:          s.cfg.MaxAge,
			FutureTolerance: s.cfg.FutureTolerance,
			MaxAmountKobo:   s.cfg.MaxAmountKobo,
		},
		nonces,
		&accountKeys{accounts: accounts},
		&accountPayloads{accounts: accounts},
		s.clk,
	)

	report, err := validator.Validate(ctx, state, account.Phone, account.BalanceKobo, live)
	if err != nil {
		return nil, err
	}

	// Finding indices refer to the live slice; conflicts and outcomes are
	// recorded against the original batch position.
	recordFinding := func(f Finding) error {
		oi := origIdx[f.Index]
		c := newConflict(userID, live[f.Index].TxHash, f.Type, f.Description, f.Expected, f.Actual, now)
		if err := conflicts.Create(ctx, c); err != nil {
			return err
		}
		state.ConflictCount++
		result.Conflicts++
		result.Outcomes[oi].Conflict = f.Type.String()
		result.Outcomes[oi].Detail = f.Description
		telemetry.SyncConflicts.WithLabelValues(f.Type.String()).Inc()
		return nil
	}

	markFailed := func(index int, reason string) error {
		oi := origIdx[index]
		if err := offline.MarkFailed(ctx, live[index].TxHash, reason, now); err != nil {
			return err
		}
		if result.Outcomes[oi].Status != database.TxFailed.String() {
			result.Outcomes[oi].Status = database.TxFailed.String()
			result.Failed++
			state.FailedCount++
			telemetry.SyncTransactions.WithLabelValues("failed").Inc()
		}
		return nil
	}

	// A CHAIN_BROKEN or INVALID_HASH finding is batch-fatal: record every
	// finding, fail the flagged transactions, invalidate the chain, and stop
	// before any ledger write.
	if report.Fatal() {
		var fatalReason string
		findings := append(append([]Finding{}, report.Chain...), report.Payload...)
		for _, f := range findings {
			if err := recordFinding(f); err != nil {
				return nil, err
			}
			if err := markFailed(f.Index, f.Description); err != nil {
				return nil, err
			}
			if fatalReason == "" && f.Type.Fatal() {
				fatalReason = fmt.Sprintf("%s: %s", f.Type, f.Description)
			}
		}

		if err := chains.Invalidate(ctx, userID, fatalReason, now); err != nil {
			return nil, err
		}
		state.ChainValid = false
		result.ChainValid = false

		state.PendingCount = clampNonNegative(state.PendingCount + inserted - result.Failed)
		state.UpdatedAt = now
		state.LastValidatedAt = &now
		state.TotalCount += inserted
		state.ValidationError = &fatalReason
		if err := chains.Save(ctx, state); err != nil {
			return nil, err
		}

		result.FinalBalanceKobo = account.BalanceKobo
		logger.Warn("Sync batch rejected, chain invalidated",
			logger.UserID(userID),
			zap.String("reason", fatalReason),
		)
		return result, nil
	}

	// Per-transaction fatal findings (bad signature, reused nonce, stale
	// timestamp, in-batch duplicate) fail their entry but do not stop peers.
	excluded := make(map[int]bool)
	for _, f := range append(append([]Finding{}, report.Chain...), report.Payload...) {
		if err := recordFinding(f); err != nil {
			return nil, err
		}
		if !excluded[f.Index] {
			excluded[f.Index] = true
			if err := markFailed(f.Index, f.Description); err != nil {
				return nil, err
			}
		}
	}

	synced, stopped, err := s.applySurvivors(ctx, tx, account, state, live, origIdx, report.Order, excluded, result, now, recordFinding, markFailed)
	if err != nil {
		return nil, err
	}

	state.TotalCount += inserted
	state.SyncedCount += synced
	state.PendingCount = clampNonNegative(state.PendingCount + inserted - synced - result.Failed)
	state.UpdatedAt = now
	state.LastValidatedAt = &now
	if synced > 0 {
		state.LastSyncedAt = &now
	}
	if err := chains.Save(ctx, state); err != nil {
		return nil, err
	}

	finalBalance, err := accounts.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.FinalBalanceKobo = finalBalance
	result.LastSyncedHash = state.LastSyncedHash
	result.ChainValid = state.ChainValid
	result.Synced = synced

	logger.Info("Sync batch processed",
		logger.UserID(userID),
		zap.Int("total", result.Total),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Bool("stopped_early", stopped),
	)
	return result, nil
}

// applySurvivors walks the validated batch in processing order, asking the
// ledger to apply each entry and advancing the chain head on success. An
// INSUFFICIENT_FUNDS rejection stalls the head: the failed entry's hash never
// becomes the head, so the next entry in the device chain cannot link and is
// recorded as CHAIN_BROKEN, after which the chain is invalidated and the
// remainder abandoned. Returns the number of synced entries and whether the
// walk stopped early.
func (s *Service) applySurvivors(
	ctx context.Context,
	tx pgx.Tx,
	account *database.Account,
	state *database.ChainState,
	live []*database.OfflineTx,
	origIdx []int,
	order []int,
	excluded map[int]bool,
	result *SyncResult,
	now time.Time,
	recordFinding func(Finding) error,
	markFailed func(int, string) error,
) (int, bool, error) {
	accounts := s.accountRepo.WithTx(tx)
	offline := s.offlineRepo.WithTx(tx)
	chains := s.chainRepo.WithTx(tx)
	nonces := s.nonceRepo.WithTx(tx)

	liveHead := state.LastSyncedHash
	expectedPrev := state.LastSyncedHash
	stalled := false
	syncedCount := 0

	for _, idx := range order {
		if excluded[idx] {
			// A failed entry never becomes the head. A successor chaining
			// off it takes the broken-link branch below instead of reading
			// as a programmer error.
			stalled = true
			expectedPrev = live[idx].TxHash
			continue
		}
		t := live[idx]
		oi := origIdx[idx]

		if t.PreviousHash != liveHead {
			if stalled && t.PreviousHash == expectedPrev {
				// The device chain continues from an entry the ledger
				// rejected. The link is genuinely broken on the server
				// side; stop here and flag the chain for operator review.
				// Everything recorded so far still commits.
				if err := recordFinding(Finding{
					Index:       idx,
					TxHash:      t.TxHash,
					Type:        database.ChainBroken,
					Description: "previous transaction was rejected; chain head did not advance",
					Expected:    strPtr(liveHead),
					Actual:      strPtr(t.PreviousHash),
				}); err != nil {
					return 0, false, err
				}
				if err := markFailed(idx, "chain head stalled by earlier rejection"); err != nil {
					return 0, false, err
				}
				reason := fmt.Sprintf("CHAIN_BROKEN: head stalled at %s", liveHead)
				if err := chains.Invalidate(ctx, account.ID, reason, now); err != nil {
					return 0, false, err
				}
				state.ChainValid = false
				state.ValidationError = &reason
				return syncedCount, true, nil
			}
			// The validator accepted this linkage, so a mismatch here is a
			// programmer error; abort and roll back the whole batch.
			return 0, false, fmt.Errorf("chain head mismatch for %s: expected %s, live head %s", t.TxHash, t.PreviousHash, liveHead)
		}

		recipient, err := s.recipientAccount(ctx, accounts, t.RecipientPhone, now)
		if err != nil {
			return 0, false, err
		}

		sender := account
		if t.SenderPhone != account.Phone {
			// Incoming entry created on a peer device: the debit falls on
			// the peer's account.
			sender, err = accounts.GetByPhone(ctx, t.SenderPhone)
			if err != nil {
				return 0, false, err
			}
		}

		transfer, err := s.payments.TransferInTx(ctx, tx, payment.TransferRequest{
			SenderID:       sender.ID,
			RecipientID:    recipient.ID,
			SenderPhone:    t.SenderPhone,
			RecipientPhone: t.RecipientPhone,
			AmountKobo:     t.AmountKobo,
			Reference:      "OFFLINE-" + t.TxHash,
			Category:       "offline_transfer",
			IsOffline:      true,
			OfflineTxID:    &t.ID,
			Now:            now,
		})
		switch {
		case errors.Is(err, database.ErrInsufficientFunds):
			balance, balErr := accounts.Balance(ctx, sender.ID)
			if balErr != nil {
				return 0, false, balErr
			}
			c := newConflict(account.ID, t.TxHash, database.InsufficientFunds,
				fmt.Sprintf("balance %d kobo cannot cover %d kobo", balance, t.AmountKobo), nil, nil, now)
			c.ExpectedBalanceKobo = &t.AmountKobo
			c.ActualBalanceKobo = &balance
			if err := s.conflictRepo.WithTx(tx).Create(ctx, c); err != nil {
				return 0, false, err
			}
			state.ConflictCount++
			result.Conflicts++
			result.Outcomes[oi].Conflict = database.InsufficientFunds.String()
			result.Outcomes[oi].Detail = c.Description
			telemetry.SyncConflicts.WithLabelValues(database.InsufficientFunds.String()).Inc()
			if err := markFailed(idx, c.Description); err != nil {
				return 0, false, err
			}
			// Head does not advance; the next chained entry will fail its
			// link check above.
			stalled = true
			expectedPrev = t.TxHash
			continue

		case errors.Is(err, payment.ErrSelfTransfer):
			if err := recordFinding(Finding{
				Index:       idx,
				TxHash:      t.TxHash,
				Type:        database.InvalidHash,
				Description: "sender and recipient are the same account",
			}); err != nil {
				return 0, false, err
			}
			if err := markFailed(idx, "self transfer"); err != nil {
				return 0, false, err
			}
			stalled = true
			expectedPrev = t.TxHash
			continue

		case err != nil:
			return 0, false, err
		}

		if err := nonces.Admit(ctx, t.Nonce, account.ID, t.TxHash, now, s.cfg.NonceRetention); err != nil {
			// The validator saw this nonce as free moments ago inside the
			// same transaction, so a reuse here is a concurrent admission
			// by another user's batch. Rolling back is the safe answer.
			return 0, false, fmt.Errorf("nonce admission failed for %s: %w", t.TxHash, err)
		}

		if err := offline.MarkSynced(ctx, t.TxHash, transfer.DebitEntryID, now); err != nil {
			return 0, false, err
		}

		liveHead = t.TxHash
		expectedPrev = t.TxHash
		state.LastSyncedHash = t.TxHash
		state.CurrentHeadHash = t.TxHash
		syncedCount++
		result.Outcomes[oi].Status = database.TxSynced.String()
		result.Outcomes[oi].OnlineTxID = transfer.DebitEntryID
		telemetry.SyncTransactions.WithLabelValues("synced").Inc()
	}

	return syncedCount, false, nil
}

// recipientAccount resolves the recipient by phone, creating a provisional
// zero-balance account for recipients who have not registered yet. The value
// waits there until they do.
func (s *Service) recipientAccount(ctx context.Context, accounts *database.AccountRepository, phone string, now time.Time) (*database.Account, error) {
	account, err := accounts.GetByPhone(ctx, phone)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, database.ErrAccountNotFound) {
		return nil, err
	}

	account = &database.Account{
		ID:         uuid.New().String(),
		Phone:      phone,
		KeyProfile: chain.ProfileHMAC.String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := accounts.Create(ctx, account); err != nil {
		return nil, err
	}
	logger.Info("Provisional account created for unregistered recipient", zap.String("phone", phone))
	return account, nil
}

// ValidateOnly runs the validator without mutating anything. Used by the
// dry-run endpoint.
func (s *Service) ValidateOnly(ctx context.Context, userID string, batch []*database.OfflineTx) (*Report, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if s.cfg.BatchMax > 0 && len(batch) > s.cfg.BatchMax {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(batch), s.cfg.BatchMax)
	}

	account, err := s.accountRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	state, err := s.chainRepo.Get(ctx, userID)
	if errors.Is(err, database.ErrChainStateNotFound) {
		// First contact: validate against a fresh genesis head.
		state = &database.ChainState{
			UserID:          userID,
			LastSyncedHash:  chain.GenesisHash,
			CurrentHeadHash: chain.GenesisHash,
			GenesisHash:     chain.GenesisHash,
			ChainValid:      true,
		}
	} else if err != nil {
		return nil, err
	}

	validator := NewValidator(
		ValidatorConfig{
			MaxAge:          s.cfg.MaxAge,
			FutureTolerance: s.cfg.FutureTolerance,
			MaxAmountKobo:   s.cfg.MaxAmountKobo,
		},
		s.nonceRepo,
		&accountKeys{accounts: s.accountRepo},
		&accountPayloads{accounts: s.accountRepo},
		s.clk,
	)
	return validator.Validate(ctx, state, account.Phone, account.BalanceKobo, batch)
}

// Retry requeues a user's FAILED transactions and replays them through Sync.
// It refuses while the chain is invalidated; the sticky flag is an operator
// concern and is never cleared here.
func (s *Service) Retry(ctx context.Context, userID string) (*SyncResult, error) {
	state, err := s.chainRepo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !state.ChainValid {
		return nil, ErrChainInvalid
	}

	failed, err := s.offlineRepo.ListFailedByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		balance, err := s.accountRepo.Balance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &SyncResult{
			UserID:           userID,
			LastSyncedHash:   state.LastSyncedHash,
			ChainValid:       state.ChainValid,
			FinalBalanceKobo: balance,
		}, nil
	}

	if _, err := s.offlineRepo.RequeueFailed(ctx, userID); err != nil {
		return nil, err
	}
	for _, t := range failed {
		t.Status = database.TxPending
	}

	return s.Sync(ctx, userID, failed)
}

// ChainState returns the user's chain state snapshot.
func (s *Service) ChainState(ctx context.Context, userID string) (*database.ChainState, error) {
	return s.chainRepo.Get(ctx, userID)
}

// UnresolvedConflicts returns the user's open conflicts, priority-sorted.
func (s *Service) UnresolvedConflicts(ctx context.Context, userID string) ([]*database.SyncConflict, error) {
	return s.conflictRepo.ListUnresolvedByUser(ctx, userID)
}

// publishCompleted pushes a SyncCompletedMessage to the sync_events stream.
// Best effort: a queue outage never fails a committed sync.
func (s *Service) publishCompleted(ctx context.Context, result *SyncResult) {
	if s.queue == nil {
		return
	}

	msg := messages.SyncCompletedMessage{
		UserID:         result.UserID,
		Total:          result.Total,
		Synced:         result.Synced,
		Failed:         result.Failed,
		Conflicts:      result.Conflicts,
		LastSyncedHash: result.LastSyncedHash,
		CompletedAt:    s.clk.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.queue.PublishMessage(ctx, messages.SyncEventsStream, &msg); err != nil {
		logger.Error("Failed to publish SyncCompletedMessage", logger.UserID(result.UserID), zap.Error(err))
	}
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
