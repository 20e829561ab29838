package secure

import (
	"errors"
	"fmt"

	"github.com/kenneth/secure-ocr-client/internal/codec"
	"github.com/kenneth/secure-ocr-client/internal/crypto"
)

// Strategy names.
const (
	StrategyEnvelope      = "envelope-json"
	StrategyRawBase64     = "raw-base64"
	StrategyRawBytes      = "raw-bytes"
	StrategyDoubleDecoded = "double-decoded"
)

// Candidate is a sealed payload extracted from a file, together with the
// envelope parameters needed to open it.
type Candidate struct {
	Sealed    []byte
	Version   string
	Algorithm string
}

// Strategy extracts a Candidate from raw file bytes.
type Strategy struct {
	Name    string
	Extract func(raw []byte) (*Candidate, error)
}

// DefaultStrategies returns the decode order: JSON envelope, then the whole
// file as Base64 text, then the whole file as sealed bytes.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyEnvelope, Extract: extractEnvelope},
		{Name: StrategyRawBase64, Extract: extractRawBase64},
		{Name: StrategyRawBytes, Extract: extractRawBytes},
	}
}

func extractEnvelope(raw []byte) (*Candidate, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	sealed, err := codec.Decode(env.Content)
	if err != nil {
		return nil, fmt.Errorf("envelope content: %w", err)
	}
	return &Candidate{Sealed: sealed, Version: env.Version, Algorithm: env.Algorithm}, nil
}

func extractRawBase64(raw []byte) (*Candidate, error) {
	sealed, err := codec.Decode(string(raw))
	if err != nil {
		return nil, err
	}
	return &Candidate{Sealed: sealed, Version: crypto.VersionXOR}, nil
}

func extractRawBytes(raw []byte) (*Candidate, error) {
	if raw == nil {
		return nil, errors.New("no data")
	}
	return &Candidate{Sealed: raw, Version: crypto.VersionXOR}, nil
}
