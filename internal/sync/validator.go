package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kobopay/internal/chain"
	"kobopay/internal/database"
	"kobopay/internal/money"

	"github.com/lightningnetwork/lnd/clock"
)

// NonceChecker is the validator's read-only view of the nonce registry.
type NonceChecker interface {
	Exists(ctx context.Context, nonce string, now time.Time) (bool, error)
}

// KeyResolver produces the verifying key descriptor for a sender.
type KeyResolver interface {
	DescriptorFor(ctx context.Context, senderPhone string) (chain.KeyDescriptor, error)
}

// PayloadOpener decrypts an offline transaction payload under the sender's
// key. Open returns the plaintext or an error on authentication failure.
type PayloadOpener interface {
	Open(ctx context.Context, senderPhone, payload string) (string, error)
}

// ValidatorConfig carries the policy knobs for batch validation.
type ValidatorConfig struct {
	MaxAge          time.Duration // reject timestamps older than now - MaxAge
	FutureTolerance time.Duration // reject timestamps later than now + FutureTolerance
	MaxAmountKobo   int64
}

// Finding is one validation failure attributed to a batch entry.
type Finding struct {
	Index       int // position in the submitted batch
	TxHash      string
	Type        database.ConflictType
	Description string
	Expected    *string
	Actual      *string
}

// Report is the validator's output: three independent passes over the batch
// plus the processing order. The passes do not suppress each other, so one
// entry can appear in more than one list.
type Report struct {
	Order       []int // batch indices sorted by timestamp, submission order on ties
	Chain       []Finding
	Payload     []Finding
	DoubleSpend []Finding
}

// Fatal reports whether any chain or payload finding aborts the batch.
func (r *Report) Fatal() bool {
	for _, f := range r.Chain {
		if f.Type.Fatal() {
			return true
		}
	}
	for _, f := range r.Payload {
		if f.Type.Fatal() {
			return true
		}
	}
	return false
}

// FindingsFor returns every chain and payload finding against one batch index.
func (r *Report) FindingsFor(index int) []Finding {
	var out []Finding
	for _, f := range r.Chain {
		if f.Index == index {
			out = append(out, f)
		}
	}
	for _, f := range r.Payload {
		if f.Index == index {
			out = append(out, f)
		}
	}
	return out
}

// Validator runs the three validation passes over a submitted batch. It is
// pure over its inputs plus read-only access to the nonce registry and the
// sender's balance; it never mutates anything.
type Validator struct {
	cfg      ValidatorConfig
	nonces   NonceChecker
	keys     KeyResolver
	payloads PayloadOpener
	clk      clock.Clock
}

// NewValidator creates a validator with the given policy and collaborators.
func NewValidator(cfg ValidatorConfig, nonces NonceChecker, keys KeyResolver, payloads PayloadOpener, clk clock.Clock) *Validator {
	return &Validator{
		cfg:      cfg,
		nonces:   nonces,
		keys:     keys,
		payloads: payloads,
		clk:      clk,
	}
}

func strPtr(s string) *string { return &s }

// Validate checks a batch against the sender's chain state and balance.
// senderPhone is the phone on the account owning the chain; balanceKobo is
// the authoritative balance at validation time.
func (v *Validator) Validate(ctx context.Context, state *database.ChainState, senderPhone string, balanceKobo int64, batch []*database.OfflineTx) (*Report, error) {
	report := &Report{Order: processingOrder(batch)}

	v.chainPass(state, batch, report)
	if err := v.payloadPass(ctx, batch, report); err != nil {
		return nil, err
	}
	v.doubleSpendPass(senderPhone, balanceKobo, batch, report)

	return report, nil
}

// processingOrder returns batch indices sorted by timestamp ascending. The
// sort is stable, so entries with equal timestamps keep submission order.
func processingOrder(batch []*database.OfflineTx) []int {
	order := make([]int, len(batch))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return batch[order[a]].Timestamp.Before(batch[order[b]].Timestamp)
	})
	return order
}

// chainPass checks linkage: duplicates within the batch, previous-hash links
// against the server head, recomputed hashes, and timestamp monotonicity in
// submission order.
func (v *Validator) chainPass(state *database.ChainState, batch []*database.OfflineTx, report *Report) {
	seenHash := make(map[string]int, len(batch))
	seenNonce := make(map[string]int, len(batch))

	for i, tx := range batch {
		if first, dup := seenHash[tx.TxHash]; dup {
			report.Chain = append(report.Chain, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.DoubleSpend,
				Description: fmt.Sprintf("transaction hash repeated within batch (first at position %d)", first),
			})
		} else {
			seenHash[tx.TxHash] = i
		}

		if first, dup := seenNonce[tx.Nonce]; dup {
			report.Chain = append(report.Chain, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.NonceReused,
				Description: fmt.Sprintf("nonce repeated within batch (first at position %d)", first),
			})
		} else {
			seenNonce[tx.Nonce] = i
		}

		// Timestamps must be non-decreasing in submission order; equal
		// timestamps are allowed and keep submission order.
		if i > 0 && tx.Timestamp.Before(batch[i-1].Timestamp) {
			report.Chain = append(report.Chain, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.ChainBroken,
				Description: "timestamps are not monotonically non-decreasing",
				Expected:    strPtr(batch[i-1].Timestamp.UTC().Format(time.RFC3339)),
				Actual:      strPtr(tx.Timestamp.UTC().Format(time.RFC3339)),
			})
		}
	}

	// Walk the links in processing order. The first entry must continue from
	// the server head; a genesis previous-hash is only acceptable when the
	// head itself is still genesis.
	expected := state.LastSyncedHash
	for _, idx := range report.Order {
		tx := batch[idx]

		if tx.PreviousHash != expected {
			report.Chain = append(report.Chain, Finding{
				Index:       idx,
				TxHash:      tx.TxHash,
				Type:        database.ChainBroken,
				Description: "previous hash does not continue the chain",
				Expected:    strPtr(expected),
				Actual:      strPtr(tx.PreviousHash),
			})
		}

		if !chain.VerifyTxHash(tx.TxHash, tx.SenderPhone, tx.RecipientPhone, tx.AmountKobo, tx.Timestamp, tx.Nonce, tx.PreviousHash) {
			computed := chain.TxHash(tx.SenderPhone, tx.RecipientPhone, tx.AmountKobo, tx.Timestamp, tx.Nonce, tx.PreviousHash)
			report.Chain = append(report.Chain, Finding{
				Index:       idx,
				TxHash:      tx.TxHash,
				Type:        database.InvalidHash,
				Description: "transaction hash does not match its fields",
				Expected:    strPtr(computed),
				Actual:      strPtr(tx.TxHash),
			})
		}

		// Continue from this entry's claimed hash so one break does not
		// cascade a finding onto every following entry.
		expected = tx.TxHash
	}
}

// payloadPass checks each entry in isolation: amount bounds, timestamp
// window, nonce admission state, signature, payload authenticity.
func (v *Validator) payloadPass(ctx context.Context, batch []*database.OfflineTx, report *Report) error {
	now := v.clk.Now().UTC()
	oldest := now.Add(-v.cfg.MaxAge)
	newest := now.Add(v.cfg.FutureTolerance)

	for i, tx := range batch {
		if tx.AmountKobo <= 0 || tx.AmountKobo > v.cfg.MaxAmountKobo {
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.InvalidHash,
				Description: "amount outside allowed range",
				Expected:    strPtr(fmt.Sprintf("0 < amount <= %s", money.FormatKobo(v.cfg.MaxAmountKobo))),
				Actual:      strPtr(money.FormatKobo(tx.AmountKobo)),
			})
		}

		if tx.Timestamp.Before(oldest) || tx.Timestamp.After(newest) {
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.TimestampInvalid,
				Description: "timestamp outside acceptance window",
				Expected:    strPtr(fmt.Sprintf("[%s, %s]", oldest.Format(time.RFC3339), newest.Format(time.RFC3339))),
				Actual:      strPtr(tx.Timestamp.UTC().Format(time.RFC3339)),
			})
		}

		if !chain.IsValidNonce(tx.Nonce) {
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.InvalidHash,
				Description: "nonce is not 32-64 hex characters",
			})
		} else {
			used, err := v.nonces.Exists(ctx, tx.Nonce, now)
			if err != nil {
				return fmt.Errorf("failed to check nonce registry: %w", err)
			}
			if used {
				report.Payload = append(report.Payload, Finding{
					Index:       i,
					TxHash:      tx.TxHash,
					Type:        database.NonceReused,
					Description: "nonce already admitted within its retention window",
				})
			}
		}

		desc, err := v.keys.DescriptorFor(ctx, tx.SenderPhone)
		switch {
		case errors.Is(err, database.ErrAccountNotFound), errors.Is(err, chain.ErrNoVerifyingKey):
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.InvalidSignature,
				Description: "no verifying key registered for sender " + tx.SenderPhone,
			})
			continue
		case err != nil:
			return fmt.Errorf("failed to resolve signing key for %s: %w", tx.SenderPhone, err)
		}
		if err := chain.Verify(desc, tx.TxHash, tx.Signature); err != nil {
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.InvalidSignature,
				Description: "signature does not verify under the sender's key",
			})
		}

		if _, err := v.payloads.Open(ctx, tx.SenderPhone, tx.Payload); err != nil {
			report.Payload = append(report.Payload, Finding{
				Index:       i,
				TxHash:      tx.TxHash,
				Type:        database.InvalidHash,
				Description: "payload failed authenticated decryption",
			})
		}
	}

	return nil
}

// doubleSpendPass projects the sender's balance through the batch in
// processing order. The direction of each entry comes from the phone fields:
// entries sent by the chain owner debit the projection, entries received
// credit it. Any entry that takes the projection negative is flagged; the
// flag escalates to DOUBLE_SPEND when the batch as a whole debits more than
// on-hand funds plus all batch credits.
func (v *Validator) doubleSpendPass(senderPhone string, balanceKobo int64, batch []*database.OfflineTx, report *Report) {
	var debits, credits int64
	for _, tx := range batch {
		if tx.SenderPhone == senderPhone {
			debits += tx.AmountKobo
		}
		if tx.RecipientPhone == senderPhone {
			credits += tx.AmountKobo
		}
	}
	overdrawnOverall := balanceKobo+credits-debits < 0

	kind := database.InsufficientFunds
	if overdrawnOverall {
		kind = database.DoubleSpend
	}

	projected := balanceKobo
	for _, idx := range report.Order {
		tx := batch[idx]
		if tx.SenderPhone == senderPhone {
			projected -= tx.AmountKobo
		}
		if tx.RecipientPhone == senderPhone {
			projected += tx.AmountKobo
		}

		if projected < 0 {
			shortfall := -projected
			report.DoubleSpend = append(report.DoubleSpend, Finding{
				Index:       idx,
				TxHash:      tx.TxHash,
				Type:        kind,
				Description: fmt.Sprintf("projected balance goes negative by %s", money.FormatKobo(shortfall)),
				Expected:    strPtr(money.FormatKobo(tx.AmountKobo)),
				Actual:      strPtr(money.FormatKobo(projected + tx.AmountKobo)),
			})
		}
	}
}
