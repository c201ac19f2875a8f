package chain

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
)

// Signatures cover the hex-encoded transaction hash. The PoC profile uses
// HMAC-SHA256 with a key derived from the user's phone and PIN digest; the
// production profile verifies RSA-PKCS1v1.5-SHA256 against a public key
// registered for the user. Either way the wire format is base64.

type KeyProfile int

const (
	ProfileHMAC KeyProfile = iota
	ProfileRSA
)

func (p KeyProfile) String() string {
	switch p {
	case ProfileHMAC:
		return "hmac"
	case ProfileRSA:
		return "rsa"
	default:
		return "unknown"
	}
}

func ParseKeyProfile(s string) KeyProfile {
	if s == "rsa" {
		return ProfileRSA
	}
	return ProfileHMAC
}

var (
	ErrNoVerifyingKey   = errors.New("no verifying key for profile")
	ErrInvalidSignature = errors.New("signature verification failed")
)

// KeyDescriptor selects the signing scheme for one user.
type KeyDescriptor struct {
	Profile   KeyProfile
	Phone     string
	PinDigest string         // hex SHA-256 of the PIN, never the PIN itself
	PublicKey *rsa.PublicKey // set for ProfileRSA
}

// hmacKey derives the per-user MAC key: SHA256(phone || ":" || pinDigest).
func (d KeyDescriptor) hmacKey() []byte {
	sum := sha256.Sum256([]byte(d.Phone + ":" + d.PinDigest))
	return sum[:]
}

// Sign produces a base64 signature over the hex transaction hash. Only the
// HMAC profile can sign server-side; RSA private keys never leave the device.
func Sign(desc KeyDescriptor, txHash string) (string, error) {
	if desc.Profile != ProfileHMAC {
		return "", fmt.Errorf("profile %s cannot sign server-side", desc.Profile)
	}
	mac := hmac.New(sha256.New, desc.hmacKey())
	mac.Write([]byte(txHash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a base64 signature over the hex transaction hash under the
// user's key descriptor.
func Verify(desc KeyDescriptor, txHash, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad base64", ErrInvalidSignature)
	}

	switch desc.Profile {
	case ProfileHMAC:
		mac := hmac.New(sha256.New, desc.hmacKey())
		mac.Write([]byte(txHash))
		if !hmac.Equal(mac.Sum(nil), sig) {
			return ErrInvalidSignature
		}
		return nil

	case ProfileRSA:
		if desc.PublicKey == nil {
			return ErrNoVerifyingKey
		}
		digest := sha256.Sum256([]byte(txHash))
		if err := rsa.VerifyPKCS1v15(desc.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
			return ErrInvalidSignature
		}
		return nil

	default:
		return ErrNoVerifyingKey
	}
}

// ParseRSAPublicKey decodes a PEM-encoded PKIX RSA public key as stored in
// the accounts table.
func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}
