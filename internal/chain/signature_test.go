package chain

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pinDigest(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

func TestSignVerifyHMAC(t *testing.T) {
	desc := KeyDescriptor{
		Profile:   ProfileHMAC,
		Phone:     "+2348012345678",
		PinDigest: pinDigest("1234"),
	}
	txHash := strings.Repeat("ab", 32)

	sig, err := Sign(desc, txHash)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	require.NoError(t, Verify(desc, txHash, sig))

	// Signing is deterministic so both endpoints can agree.
	sig2, err := Sign(desc, txHash)
	require.NoError(t, err)
	assert.Equal(t, sig, sig2)
}

func TestVerifyHMACRejectsWrongKey(t *testing.T) {
	desc := KeyDescriptor{Profile: ProfileHMAC, Phone: "+2348012345678", PinDigest: pinDigest("1234")}
	txHash := strings.Repeat("cd", 32)

	sig, err := Sign(desc, txHash)
	require.NoError(t, err)

	testCases := []struct {
		name string
		desc KeyDescriptor
	}{
		{"Wrong pin", KeyDescriptor{Profile: ProfileHMAC, Phone: "+2348012345678", PinDigest: pinDigest("9999")}},
		{"Wrong phone", KeyDescriptor{Profile: ProfileHMAC, Phone: "+2348000000000", PinDigest: pinDigest("1234")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, Verify(tc.desc, txHash, sig), ErrInvalidSignature)
		})
	}
}

func TestVerifyHMACRejectsTamperedHash(t *testing.T) {
	desc := KeyDescriptor{Profile: ProfileHMAC, Phone: "+2348012345678", PinDigest: pinDigest("1234")}
	sig, err := Sign(desc, strings.Repeat("ab", 32))
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(desc, strings.Repeat("ba", 32), sig), ErrInvalidSignature)
}

func TestVerifyRejectsBadBase64(t *testing.T) {
	desc := KeyDescriptor{Profile: ProfileHMAC, Phone: "x", PinDigest: "y"}
	assert.ErrorIs(t, Verify(desc, strings.Repeat("ab", 32), "not-base64!!!"), ErrInvalidSignature)
}

func TestSignRSAProfileRefused(t *testing.T) {
	_, err := Sign(KeyDescriptor{Profile: ProfileRSA}, strings.Repeat("ab", 32))
	require.Error(t, err, "RSA private keys live on the device, the server must not sign")
}

func TestVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	txHash := strings.Repeat("ef", 32)
	digest := sha256.Sum256([]byte(txHash))
	raw, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	sig := base64.StdEncoding.EncodeToString(raw)

	desc := KeyDescriptor{Profile: ProfileRSA, PublicKey: &key.PublicKey}
	require.NoError(t, Verify(desc, txHash, sig))

	assert.ErrorIs(t, Verify(desc, strings.Repeat("aa", 32), sig), ErrInvalidSignature)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(KeyDescriptor{Profile: ProfileRSA, PublicKey: &other.PublicKey}, txHash, sig), ErrInvalidSignature)
}

func TestVerifyRSAMissingKey(t *testing.T) {
	err := Verify(KeyDescriptor{Profile: ProfileRSA}, strings.Repeat("ab", 32), base64.StdEncoding.EncodeToString([]byte("sig")))
	assert.ErrorIs(t, err, ErrNoVerifyingKey)
}

func TestParseKeyProfile(t *testing.T) {
	assert.Equal(t, ProfileRSA, ParseKeyProfile("rsa"))
	assert.Equal(t, ProfileHMAC, ParseKeyProfile("hmac"))
	assert.Equal(t, ProfileHMAC, ParseKeyProfile(""))
}
