// Package hashlock implements the secret/hashlock commitment pair used by
// every HTLC in a swap. A secret is 32 random bytes; its hashlock is the
// SHA-256 digest published at HTLC creation. Both legs of a paired swap must
// carry the identical hashlock.
package hashlock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the byte length of secrets and hashlocks.
const Size = 32

// Secret is the 32-byte preimage kept private until claim time.
type Secret [Size]byte

// Hashlock is the SHA-256 digest of a secret.
type Hashlock [Size]byte

// GenerateSecret returns a cryptographically random secret.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return s, nil
}

// Of computes the hashlock for a secret. Deterministic.
func Of(secret Secret) Hashlock {
	return Hashlock(sha256.Sum256(secret[:]))
}

// Verify reports whether the secret is the preimage of the hashlock.
// The comparison runs in constant time.
func Verify(secret Secret, lock Hashlock) bool {
	computed := sha256.Sum256(secret[:])
	return subtle.ConstantTimeCompare(computed[:], lock[:]) == 1
}

// Hex returns the lowercase hex encoding without prefix.
func (s Secret) Hex() string { return hex.EncodeToString(s[:]) }

// Hex returns the lowercase hex encoding without prefix.
func (h Hashlock) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether the secret is unset.
func (s Secret) IsZero() bool {
	var zero Secret
	return s == zero
}

// IsZero reports whether the hashlock is unset.
func (h Hashlock) IsZero() bool {
	var zero Hashlock
	return h == zero
}

// SecretFromHex parses a hex-encoded secret (with or without 0x prefix).
func SecretFromHex(s string) (Secret, error) {
	raw, err := decode32(s)
	if err != nil {
		return Secret{}, err
	}
	var out Secret
	copy(out[:], raw)
	return out, nil
}

// FromHex parses a hex-encoded hashlock (with or without 0x prefix).
func FromHex(s string) (Hashlock, error) {
	raw, err := decode32(s)
	if err != nil {
		return Hashlock{}, err
	}
	var out Hashlock
	copy(out[:], raw)
	return out, nil
}

func decode32(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != Size {
		return nil, fmt.Errorf("invalid length: got %d bytes, want %d", len(raw), Size)
	}
	return raw, nil
}
