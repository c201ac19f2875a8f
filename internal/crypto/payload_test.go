package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"Transfer description", `{"description":"lunch money","category":"food"}`},
		{"Empty string", ""},
		{"Long metadata", strings.Repeat("a", 1000)},
		{"Special chars", "!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/"},
		{"Unicode", "Sanwo fun mama 🙏"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encrypted, err := Encrypt(tc.plaintext, key)
			require.NoError(t, err)
			assert.NotEmpty(t, encrypted)
			assert.NotEqual(t, tc.plaintext, encrypted)

			decrypted, err := Decrypt(encrypted, key)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptFreshIV(t *testing.T) {
	key := make([]byte, KeySize)
	plaintext := "same plaintext"

	enc1, _ := Encrypt(plaintext, key)
	enc2, _ := Encrypt(plaintext, key)
	assert.NotEqual(t, enc1, enc2, "fresh IV per message must change the ciphertext")

	dec1, _ := Decrypt(enc1, key)
	dec2, _ := Decrypt(enc2, key)
	assert.Equal(t, plaintext, dec1)
	assert.Equal(t, plaintext, dec2)
}

func TestDecryptWrongKeyFailsClosed(t *testing.T) {
	key1 := make([]byte, KeySize)
	key2 := make([]byte, KeySize)
	key2[0] = 1

	encrypted, err := Encrypt("secret payload", key1)
	require.NoError(t, err)

	_, err = Decrypt(encrypted, key2)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptTamperedPayload(t *testing.T) {
	key := make([]byte, KeySize)
	encrypted, err := Encrypt("original message", key)
	require.NoError(t, err)

	tampered := []byte(encrypted)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	_, err = Decrypt(string(tampered), key)
	assert.ErrorIs(t, err, ErrDecryptFailed, "GCM tag must catch tampering")
}

func TestDecryptGarbage(t *testing.T) {
	key := make([]byte, KeySize)

	for _, payload := range []string{"not-valid-base64!!!", "YWJj", ""} {
		_, err := Decrypt(payload, key)
		assert.ErrorIs(t, err, ErrDecryptFailed, "payload %q", payload)
	}
}

func TestInvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 64} {
		_, err := Encrypt("x", make([]byte, size))
		require.Error(t, err)
		_, err = Decrypt("x", make([]byte, size))
		require.Error(t, err)
	}
}

func TestDeriveKey(t *testing.T) {
	key1 := DeriveKey("+2348012345678", "1234")
	key2 := DeriveKey("+2348012345678", "1234")
	assert.Equal(t, key1, key2, "derivation must be deterministic")
	assert.Len(t, key1, KeySize)

	assert.NotEqual(t, key1, DeriveKey("+2348012345678", "9999"))
	assert.NotEqual(t, key1, DeriveKey("+2348000000000", "1234"))
}

func TestDeriveKeyHardened(t *testing.T) {
	key1 := DeriveKeyHardened("+2348012345678", "1234")
	key2 := DeriveKeyHardened("+2348012345678", "1234")
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, KeySize)
	assert.NotEqual(t, DeriveKey("+2348012345678", "1234"), key1)
}

func TestDerivedKeyEndToEnd(t *testing.T) {
	key := DeriveKey("+2348012345678", "1234")

	encrypted, err := Encrypt(`{"description":"airtime top-up"}`, key)
	require.NoError(t, err)

	decrypted, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, `{"description":"airtime top-up"}`, decrypted)
}
