package wg

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyLen is the byte length of WireGuard Curve25519 keys.
const KeyLen = 32

// PrivateKey is a WireGuard Curve25519 private key. It is never serialized
// into log or error text.
type PrivateKey [KeyLen]byte

// PublicKey is a WireGuard Curve25519 public key.
type PublicKey [KeyLen]byte

// NewPrivateKey generates a fresh clamped private key.
func NewPrivateKey() (PrivateKey, error) {
	var k PrivateKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate private key: %w", err)
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return k, nil
}

// PrivateKeyFromBase64 decodes a base64 private key.
func PrivateKeyFromBase64(s string) (PrivateKey, error) {
	var k PrivateKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != KeyLen {
		return k, fmt.Errorf("private key: expected %d bytes, got %d", KeyLen, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// PublicKeyFromBase64 decodes a base64 public key.
func PublicKeyFromBase64(s string) (PublicKey, error) {
	var k PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode public key %q: %w", s, err)
	}
	if len(raw) != KeyLen {
		return k, fmt.Errorf("public key %q: expected %d bytes, got %d", s, KeyLen, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Public derives the matching public key.
func (k PrivateKey) Public() PublicKey {
	var pub PublicKey
	priv := k
	pubSlice, _ := curve25519.X25519(priv[:], curve25519.Basepoint)
	copy(pub[:], pubSlice)
	return pub
}

// Hex returns the lowercase hex form used by the UAPI.
func (k PrivateKey) Hex() string { return hex.EncodeToString(k[:]) }

// Base64 returns the standard base64 form.
func (k PrivateKey) Base64() string { return base64.StdEncoding.EncodeToString(k[:]) }

// String redacts the key.
func (k PrivateKey) String() string { return "(hidden)" }

// Hex returns the lowercase hex form used by the UAPI.
func (k PublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// Base64 returns the standard base64 form.
func (k PublicKey) Base64() string { return base64.StdEncoding.EncodeToString(k[:]) }

func (k PublicKey) String() string { return k.Base64() }
