// Package secure turns source files into encrypted upload envelopes and
// decodes envelopes back into files.
package secure

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEncryption is returned when a file cannot be prepared for upload.
	ErrEncryption = errors.New("failed to encrypt/prepare file")
	// ErrDecryption is returned when no decode strategy produced a result.
	ErrDecryption = errors.New("failed to decrypt file")
	// ErrFingerprintMismatch is returned by a strict decoder when the
	// envelope was produced with a different key.
	ErrFingerprintMismatch = fmt.Errorf("%w: key fingerprint mismatch", ErrDecryption)
)

// Envelope is the JSON document written to disk and uploaded.
//
//	{"content":"<base64>","version":"1.0"}
//
// Version 2.0 envelopes additionally carry the AEAD algorithm name.
type Envelope struct {
	Content   string `json:"content"`
	Version   string `json:"version"`
	Algorithm string `json:"algorithm,omitempty"`
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope decodes an envelope. A document without content and version
// fields is rejected so that arbitrary JSON does not pass for an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if _, ok := raw["content"]; !ok {
		return nil, errors.New("envelope has no content field")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.Version == "" {
		return nil, errors.New("envelope has no version field")
	}
	return &env, nil
}
