package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kobopay/internal/database"
	"kobopay/internal/money"
	"kobopay/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Custom errors for transfer operations
var (
	ErrSelfTransfer   = errors.New("sender and recipient are the same account")
	ErrAmountTooLarge = errors.New("amount exceeds per-transaction limit")
)

// Service applies value movements to the ledger. Every transfer writes a
// debit row and a credit row in the same database transaction as the balance
// updates, so the books can always be reconciled against account balances.
type Service struct {
	db          *database.DB
	accountRepo *database.AccountRepository
	ledgerRepo  *database.LedgerRepository
}

// NewService creates a new payment service instance
func NewService(db *database.DB, accountRepo *database.AccountRepository, ledgerRepo *database.LedgerRepository) *Service {
	return &Service{
		db:          db,
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
	}
}

// TransferRequest contains the parameters for a ledger transfer.
type TransferRequest struct {
	SenderID       string
	RecipientID    string
	SenderPhone    string
	RecipientPhone string
	AmountKobo     int64
	Reference      string
	Category       string
	IsOffline      bool
	OfflineTxID    *string
	Now            time.Time
}

// TransferResult contains the ledger entries and resulting balances.
type TransferResult struct {
	DebitEntryID         string
	CreditEntryID        string
	SenderBalanceKobo    int64
	RecipientBalanceKobo int64
}

// TransferInTx applies a transfer inside the caller's transaction. The debit
// runs first: if the sender cannot cover the amount, nothing is written and
// database.ErrInsufficientFunds comes back for the caller to translate into
// a conflict. Callers that need their own transaction use Transfer instead.
func (s *Service) TransferInTx(ctx context.Context, tx pgx.Tx, req TransferRequest) (*TransferResult, error) {
	if req.AmountKobo <= 0 {
		return nil, money.ErrNegativeAmount
	}
	if req.AmountKobo > money.MaxTransferKobo {
		return nil, ErrAmountTooLarge
	}
	if req.SenderID == req.RecipientID {
		return nil, ErrSelfTransfer
	}

	accounts := s.accountRepo.WithTx(tx)
	ledger := s.ledgerRepo.WithTx(tx)

	senderBalance, err := accounts.Debit(ctx, req.SenderID, req.AmountKobo)
	if err != nil {
		return nil, err
	}

	recipientBalance, err := accounts.Credit(ctx, req.RecipientID, req.AmountKobo)
	if err != nil {
		return nil, err
	}

	category := req.Category
	if category == "" {
		category = "transfer"
	}

	debitEntry := &database.LedgerTransaction{
		ID:               uuid.New().String(),
		UserID:           req.SenderID,
		Type:             database.Debit,
		Category:         category,
		AmountKobo:       req.AmountKobo,
		BalanceAfterKobo: senderBalance,
		Reference:        req.Reference,
		Status:           database.LedgerCompleted,
		IsOffline:        req.IsOffline,
		OfflineTxID:      req.OfflineTxID,
		SenderPhone:      req.SenderPhone,
		RecipientPhone:   req.RecipientPhone,
		CreatedAt:        req.Now,
	}
	if err := ledger.Create(ctx, debitEntry); err != nil {
		return nil, fmt.Errorf("failed to write debit entry: %w", err)
	}

	creditEntry := &database.LedgerTransaction{
		ID:               uuid.New().String(),
		UserID:           req.RecipientID,
		Type:             database.Credit,
		Category:         category,
		AmountKobo:       req.AmountKobo,
		BalanceAfterKobo: recipientBalance,
		Reference:        req.Reference,
		Status:           database.LedgerCompleted,
		IsOffline:        req.IsOffline,
		OfflineTxID:      req.OfflineTxID,
		SenderPhone:      req.SenderPhone,
		RecipientPhone:   req.RecipientPhone,
		CreatedAt:        req.Now,
	}
	if err := ledger.Create(ctx, creditEntry); err != nil {
		return nil, fmt.Errorf("failed to write credit entry: %w", err)
	}

	return &TransferResult{
		DebitEntryID:         debitEntry.ID,
		CreditEntryID:        creditEntry.ID,
		SenderBalanceKobo:    senderBalance,
		RecipientBalanceKobo: recipientBalance,
	}, nil
}

// Transfer resolves both parties by phone number and applies the transfer in
// its own transaction. Used by the online send-money path.
func (s *Service) Transfer(ctx context.Context, senderPhone, recipientPhone string, amountKobo int64, reference string) (*TransferResult, error) {
	sender, err := s.accountRepo.GetByPhone(ctx, senderPhone)
	if err != nil {
		return nil, err
	}
	recipient, err := s.accountRepo.GetByPhone(ctx, recipientPhone)
	if err != nil {
		return nil, err
	}

	if reference == "" {
		reference = "ONLINE-" + uuid.New().String()
	}

	var result *TransferResult
	err = s.db.WithinTx(ctx, func(tx pgx.Tx) error {
		result, err = s.TransferInTx(ctx, tx, TransferRequest{
			SenderID:       sender.ID,
			RecipientID:    recipient.ID,
			SenderPhone:    sender.Phone,
			RecipientPhone: recipient.Phone,
			AmountKobo:     amountKobo,
			Reference:      reference,
			Now:            time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Transfer applied",
		zap.String("sender", sender.ID),
		zap.String("recipient", recipient.ID),
		zap.Int64("amount_kobo", amountKobo),
		zap.String("reference", reference),
	)
	return result, nil
}
