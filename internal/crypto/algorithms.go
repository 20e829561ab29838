package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// AlgorithmXOR is the symmetric obfuscation used by envelope version 1.0.
	AlgorithmXOR = "XOR"
	// AlgorithmAES256GCM is the AES-256-GCM authenticated cipher.
	AlgorithmAES256GCM = "AES256-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 authenticated cipher.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	// VersionXOR is the envelope version written for AlgorithmXOR.
	VersionXOR = "1.0"
	// VersionAEAD is the envelope version written for the AEAD algorithms.
	VersionAEAD = "2.0"

	pbkdf2Iterations = 100000
	saltSize         = 16
	dataKeySize      = 32
)

var (
	// ErrUnsupportedAlgorithm is returned for unknown cipher names.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrAuthentication is returned when an AEAD payload fails verification.
	ErrAuthentication = errors.New("message authentication failed")
)

// Cipher seals and opens payloads with a symmetric key.
type Cipher interface {
	Algorithm() string
	// Version is the envelope version this cipher produces.
	Version() string
	Seal(plaintext, key []byte) ([]byte, error)
	Open(ciphertext, key []byte) ([]byte, error)
}

// NewCipher returns the cipher registered under algorithm. An empty name
// selects AlgorithmXOR.
func NewCipher(algorithm string) (Cipher, error) {
	switch algorithm {
	case "", AlgorithmXOR:
		return xorCipher{}, nil
	case AlgorithmAES256GCM, AlgorithmChaCha20Poly1305:
		return &aeadCipher{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// CipherForVersion resolves the cipher that reads an envelope. Version 1.0
// envelopes carry no algorithm name and always use XOR.
func CipherForVersion(version, algorithm string) (Cipher, error) {
	switch version {
	case "", VersionXOR:
		return xorCipher{}, nil
	case VersionAEAD:
		if algorithm == "" {
			return nil, fmt.Errorf("%w: envelope version %s requires an algorithm", ErrUnsupportedAlgorithm, version)
		}
		return NewCipher(algorithm)
	default:
		return nil, fmt.Errorf("%w: envelope version %s", ErrUnsupportedAlgorithm, version)
	}
}

// SupportedAlgorithms lists every name accepted by NewCipher.
func SupportedAlgorithms() []string {
	return []string{AlgorithmXOR, AlgorithmAES256GCM, AlgorithmChaCha20Poly1305}
}

// aeadCipher derives a per-payload data key from the symmetric key with
// PBKDF2 and writes salt || nonce || ciphertext.
type aeadCipher struct {
	algorithm string
}

func (c *aeadCipher) Algorithm() string { return c.algorithm }

func (c *aeadCipher) Version() string { return VersionAEAD }

func (c *aeadCipher) Seal(plaintext, key []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := createAEAD(c.algorithm, deriveKey(key, salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(c.algorithm)), nil
}

func (c *aeadCipher) Open(ciphertext, key []byte) ([]byte, error) {
	if len(ciphertext) < saltSize {
		return nil, fmt.Errorf("%w: payload too short", ErrAuthentication)
	}
	salt := ciphertext[:saltSize]

	aead, err := createAEAD(c.algorithm, deriveKey(key, salt))
	if err != nil {
		return nil, err
	}

	rest := ciphertext[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", ErrAuthentication)
	}
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(c.algorithm))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

func deriveKey(key, salt []byte) []byte {
	return pbkdf2.Key(key, salt, pbkdf2Iterations, dataKeySize, sha256.New)
}

// createAEAD creates an AEAD cipher for the given algorithm and data key.
func createAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return gcm, nil
	case AlgorithmChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}
