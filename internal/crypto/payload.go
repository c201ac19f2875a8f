package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// The offline payload codec: AES-256-GCM over the transaction's description
// and metadata blob. Output layout is base64(IV || ciphertext || tag) with a
// fresh 12-byte IV per message and a 128-bit tag. Decryption fails closed on
// tag mismatch so a corrupted payload never reaches the ledger.

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard IV size

	pbkdf2Iterations = 100_000
)

var ErrDecryptFailed = errors.New("payload decryption failed: wrong key or corrupted data")

// Encrypt seals plaintext under the user's payload key.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("payload key must be 32 bytes long")
	}

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	// Seal appends the 16-byte tag to the ciphertext.
	ciphertext := aesGcm.Seal(nil, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...)), nil
}

// Decrypt opens a payload produced by Encrypt.
func Decrypt(payload string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("payload key must be 32 bytes long")
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(decoded) < NonceSize {
		return "", ErrDecryptFailed
	}

	iv := decoded[:NonceSize]
	cipherData := decoded[NonceSize:]

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	plaintext, err := aesGcm.Open(nil, iv, cipherData, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// DeriveKey derives the per-user payload key in the PoC profile:
// SHA256(phone || ":" || pin), which is already 32 bytes.
func DeriveKey(phone, pin string) []byte {
	sum := sha256.Sum256([]byte(phone + ":" + pin))
	return sum[:]
}

// DeriveKeyHardened is the stretched variant for deployments without a KMS:
// PBKDF2-SHA256 with the phone number as salt.
func DeriveKeyHardened(phone, pin string) []byte {
	return pbkdf2.Key([]byte(pin), []byte(phone), pbkdf2Iterations, KeySize, sha256.New)
}

// GenerateKey generates a random 32-byte key, used by tests and by the
// KMS-less development profile.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
