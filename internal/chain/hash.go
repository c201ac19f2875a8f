package chain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"time"

	"kobopay/internal/money"
)

// GenesisHash is the previous-hash of the first transaction in any user's
// chain: 64 zero hex characters.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var nonceRe = regexp.MustCompile(`^[0-9a-f]{32,64}$`)

// TxHash computes the canonical hash of an offline transaction:
// SHA256(sender || recipient || amount || timestamp || nonce || prev),
// where amount is the two-decimal string and timestamp is RFC 3339 UTC.
// The device computes the same concatenation, so the rendering here is
// part of the wire protocol.
func TxHash(senderPhone, recipientPhone string, amountKobo int64, timestamp time.Time, nonce, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(senderPhone))
	h.Write([]byte(recipientPhone))
	h.Write([]byte(money.FormatKobo(amountKobo)))
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339)))
	h.Write([]byte(nonce))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyTxHash recomputes the transaction hash and compares it to the claimed
// one in constant time.
func VerifyTxHash(claimed, senderPhone, recipientPhone string, amountKobo int64, timestamp time.Time, nonce, previousHash string) bool {
	expected := TxHash(senderPhone, recipientPhone, amountKobo, timestamp, nonce, previousHash)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(claimed)) == 1
}

// IsValidHash reports whether s looks like a 64-character lowercase hex hash.
func IsValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// IsValidNonce reports whether s is 32-64 lowercase hex characters.
func IsValidNonce(s string) bool {
	return nonceRe.MatchString(s)
}
