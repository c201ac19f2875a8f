package sync

import (
	"context"
	"fmt"

	"kobopay/internal/chain"
	"kobopay/internal/crypto"
	"kobopay/internal/database"
)

// accountKeys resolves a sender's verifying key from the accounts table.
type accountKeys struct {
	accounts *database.AccountRepository
}

func (a *accountKeys) DescriptorFor(ctx context.Context, senderPhone string) (chain.KeyDescriptor, error) {
	account, err := a.accounts.GetByPhone(ctx, senderPhone)
	if err != nil {
		return chain.KeyDescriptor{}, err
	}

	desc := chain.KeyDescriptor{
		Profile:   chain.ParseKeyProfile(account.KeyProfile),
		Phone:     account.Phone,
		PinDigest: account.PinDigest,
	}

	if desc.Profile == chain.ProfileRSA {
		if account.PublicKeyPEM == nil {
			return chain.KeyDescriptor{}, chain.ErrNoVerifyingKey
		}
		pub, err := chain.ParseRSAPublicKey(*account.PublicKeyPEM)
		if err != nil {
			return chain.KeyDescriptor{}, fmt.Errorf("bad stored public key for %s: %w", senderPhone, err)
		}
		desc.PublicKey = pub
	}

	return desc, nil
}

// accountPayloads opens offline payloads with the key derived from the
// sender's stored credentials. The server never holds the raw PIN; the
// derivation input is the PIN digest, matching what the device uses when
// preparing payloads for server verification.
type accountPayloads struct {
	accounts *database.AccountRepository
}

func (a *accountPayloads) Open(ctx context.Context, senderPhone, payload string) (string, error) {
	account, err := a.accounts.GetByPhone(ctx, senderPhone)
	if err != nil {
		return "", err
	}
	key := crypto.DeriveKey(account.Phone, account.PinDigest)
	return crypto.Decrypt(payload, key)
}
