package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// KeyLength is the number of characters in a generated key.
	KeyLength = 64

	fingerprintPart = 5
	keyAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// SymmetricKey is the per-installation obfuscation key.
type SymmetricKey string

// KeyFingerprint is a short, non-secret identifier of a SymmetricKey.
type KeyFingerprint string

// Bytes returns the key material.
func (k SymmetricKey) Bytes() []byte {
	return []byte(k)
}

// String hides the key material from accidental formatting.
func (k SymmetricKey) String() string {
	return "[REDACTED]"
}

// Fingerprint returns the first five characters followed by the last five.
// Keys shorter than ten characters repeat the overlapping characters; the
// empty key has an empty fingerprint.
func (k SymmetricKey) Fingerprint() KeyFingerprint {
	return Fingerprint(string(k))
}

// Fingerprint computes the fingerprint of a raw key string.
func Fingerprint(key string) KeyFingerprint {
	n := len(key)
	head := key[:min(fingerprintPart, n)]
	tail := key[max(0, n-fingerprintPart):]
	return KeyFingerprint(head + tail)
}

// GenerateKey returns a KeyLength-character key drawn uniformly from the
// 62-symbol alphanumeric alphabet.
func GenerateKey() (SymmetricKey, error) {
	limit := big.NewInt(int64(len(keyAlphabet)))
	buf := make([]byte, KeyLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return SymmetricKey(buf), nil
}

// IsValidKey reports whether s has the shape of a generated key.
func IsValidKey(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
