//go:build integration

package payment

import (
	"context"
	"testing"
	"time"

	"kobopay/internal/database"
	"kobopay/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (*Service, *database.DB, *database.AccountRepository, *database.LedgerRepository) {
	t.Helper()
	require.NoError(t, logger.Init("development"))

	db := database.SetupTestDB(t)
	t.Cleanup(func() {
		database.CleanupTestDB(t, db)
		db.Close()
	})

	accountRepo := database.NewAccountRepository(db)
	ledgerRepo := database.NewLedgerRepository(db)
	return NewService(db, accountRepo, ledgerRepo), db, accountRepo, ledgerRepo
}

func createAccount(t *testing.T, repo *database.AccountRepository, phone string, balanceKobo int64) *database.Account {
	t.Helper()
	now := time.Now().UTC()
	account := &database.Account{
		ID:          uuid.New().String(),
		Phone:       phone,
		Name:        "Test " + phone,
		BalanceKobo: balanceKobo,
		PinDigest:   "0000000000000000000000000000000000000000000000000000000000000000",
		KeyProfile:  "hmac",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Create(context.Background(), account))
	return account
}

func TestTransfer_MovesFundsAndWritesBothEntries(t *testing.T) {
	svc, _, accountRepo, ledgerRepo := setupService(t)
	ctx := context.Background()

	sender := createAccount(t, accountRepo, "+2348012345001", 50_000)
	recipient := createAccount(t, accountRepo, "+2348012345002", 10_000)

	result, err := svc.Transfer(ctx, sender.Phone, recipient.Phone, 20_000, "TEST-REF-1")
	require.NoError(t, err)

	assert.Equal(t, int64(30_000), result.SenderBalanceKobo)
	assert.Equal(t, int64(30_000), result.RecipientBalanceKobo)

	senderBalance, err := accountRepo.Balance(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), senderBalance)

	debit, err := ledgerRepo.GetByID(ctx, result.DebitEntryID)
	require.NoError(t, err)
	assert.Equal(t, database.Debit, debit.Type)
	assert.Equal(t, int64(20_000), debit.AmountKobo)
	assert.Equal(t, int64(30_000), debit.BalanceAfterKobo)
	assert.Equal(t, "TEST-REF-1", debit.Reference)

	credit, err := ledgerRepo.GetByID(ctx, result.CreditEntryID)
	require.NoError(t, err)
	assert.Equal(t, database.Credit, credit.Type)
	assert.Equal(t, recipient.ID, credit.UserID)
}

func TestTransfer_InsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	svc, _, accountRepo, _ := setupService(t)
	ctx := context.Background()

	sender := createAccount(t, accountRepo, "+2348012345003", 5_000)
	recipient := createAccount(t, accountRepo, "+2348012345004", 0)

	_, err := svc.Transfer(ctx, sender.Phone, recipient.Phone, 20_000, "")
	require.ErrorIs(t, err, database.ErrInsufficientFunds)

	senderBalance, err := accountRepo.Balance(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), senderBalance)

	recipientBalance, err := accountRepo.Balance(ctx, recipient.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), recipientBalance)
}

func TestTransferInTx_RollsBackWithCallerTransaction(t *testing.T) {
	svc, db, accountRepo, _ := setupService(t)
	ctx := context.Background()

	sender := createAccount(t, accountRepo, "+2348012345005", 40_000)
	recipient := createAccount(t, accountRepo, "+2348012345006", 0)

	forced := assert.AnError
	err := db.WithinTx(ctx, func(tx pgx.Tx) error {
		_, err := svc.TransferInTx(ctx, tx, TransferRequest{
			SenderID:       sender.ID,
			RecipientID:    recipient.ID,
			SenderPhone:    sender.Phone,
			RecipientPhone: recipient.Phone,
			AmountKobo:     15_000,
			Reference:      "ROLLBACK-1",
			Now:            time.Now().UTC(),
		})
		require.NoError(t, err)
		return forced
	})
	require.ErrorIs(t, err, forced)

	// The debit inside the rolled-back transaction must not stick.
	senderBalance, err := accountRepo.Balance(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), senderBalance)
}

func TestTransfer_Validation(t *testing.T) {
	svc, _, accountRepo, _ := setupService(t)
	ctx := context.Background()

	sender := createAccount(t, accountRepo, "+2348012345007", 100_000)

	_, err := svc.Transfer(ctx, sender.Phone, sender.Phone, 1_000, "")
	assert.ErrorIs(t, err, ErrSelfTransfer)

	recipient := createAccount(t, accountRepo, "+2348012345008", 0)

	_, err = svc.Transfer(ctx, sender.Phone, recipient.Phone, 0, "")
	assert.Error(t, err)

	_, err = svc.Transfer(ctx, sender.Phone, recipient.Phone, 2_000_000_000_000, "")
	assert.ErrorIs(t, err, ErrAmountTooLarge)
}
