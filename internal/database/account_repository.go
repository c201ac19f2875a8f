package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAccountNotFound is returned when an account is not found in the database
	ErrAccountNotFound = errors.New("account not found")
	// ErrPhoneExists is returned when trying to create an account with an existing phone
	ErrPhoneExists = errors.New("phone number already registered")
	// ErrInsufficientFunds is returned when a debit would take a balance below zero
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// AccountRepository handles all database operations for wallet accounts
type AccountRepository struct {
	q Querier
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{q: db.pool}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *AccountRepository) WithTx(tx pgx.Tx) *AccountRepository {
	return &AccountRepository{q: tx}
}

// Create inserts a new account. Returns ErrPhoneExists if the phone number is taken.
func (r *AccountRepository) Create(ctx context.Context, account *Account) error {
	query := `INSERT INTO accounts (
		id, phone, name, balance_kobo, pin_digest, key_profile, public_key_pem, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.q.Exec(
		ctx,
		query,
		account.ID,
		account.Phone,
		account.Name,
		account.BalanceKobo,
		account.PinDigest,
		account.KeyProfile,
		account.PublicKeyPEM,
		account.CreatedAt,
		account.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPhoneExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

const accountColumns = `id, phone, name, balance_kobo, pin_digest, key_profile, public_key_pem, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var account Account
	err := row.Scan(
		&account.ID,
		&account.Phone,
		&account.Name,
		&account.BalanceKobo,
		&account.PinDigest,
		&account.KeyProfile,
		&account.PublicKeyPEM,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account row: %w", err)
	}
	return &account, nil
}

// GetByID retrieves an account by its UUID.
// Returns ErrAccountNotFound if the ID does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.q.QueryRow(ctx, query, id))
}

// GetByPhone retrieves an account by its E.164 phone number.
// Returns ErrAccountNotFound if no account has that number.
func (r *AccountRepository) GetByPhone(ctx context.Context, phone string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE phone = $1`
	return scanAccount(r.q.QueryRow(ctx, query, phone))
}

// Balance returns the current balance in kobo.
func (r *AccountRepository) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := r.q.QueryRow(ctx, `SELECT balance_kobo FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance for account %s: %w", id, err)
	}
	return balance, nil
}

// Debit atomically subtracts amountKobo and returns the new balance. The
// conditional update is the overdraft guard: it matches zero rows when the
// balance is too low, so concurrent writers cannot drive a balance negative.
func (r *AccountRepository) Debit(ctx context.Context, id string, amountKobo int64) (int64, error) {
	query := `UPDATE accounts
		SET balance_kobo = balance_kobo - $2, updated_at = NOW()
		WHERE id = $1 AND balance_kobo >= $2
		RETURNING balance_kobo`

	var newBalance int64
	err := r.q.QueryRow(ctx, query, id, amountKobo).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either no such account or not enough funds; disambiguate.
			if _, getErr := r.Balance(ctx, id); getErr != nil {
				return 0, getErr
			}
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("failed to debit account %s: %w", id, err)
	}
	return newBalance, nil
}

// Credit atomically adds amountKobo and returns the new balance.
func (r *AccountRepository) Credit(ctx context.Context, id string, amountKobo int64) (int64, error) {
	query := `UPDATE accounts
		SET balance_kobo = balance_kobo + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance_kobo`

	var newBalance int64
	err := r.q.QueryRow(ctx, query, id, amountKobo).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to credit account %s: %w", id, err)
	}
	return newBalance, nil
}
