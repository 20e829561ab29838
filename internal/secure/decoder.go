package secure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/codec"
	"github.com/kenneth/secure-ocr-client/internal/crypto"
)

// FingerprintPolicy controls how a decoder treats an envelope produced with
// a different key.
type FingerprintPolicy string

const (
	// FingerprintStrict fails with ErrFingerprintMismatch.
	FingerprintStrict FingerprintPolicy = "strict"
	// FingerprintLenient logs a warning and attempts the decode anyway.
	FingerprintLenient FingerprintPolicy = "lenient"

	// preferDecodedOver is the size a lenient-decoded fallback must exceed to
	// be preferred over the raw text fallback.
	preferDecodedOver = 100
)

// DecodedFile describes the output of a decode. The caller owns the files
// and must call Release once they are no longer needed.
type DecodedFile struct {
	// URI is the preferred output file.
	URI string
	// TextURI is set when the result was not plausible Base64 and the raw
	// decrypted text was saved alongside.
	TextURI   string
	Strategy  string
	Algorithm string
	// Plausible reports whether the decrypted payload passed the Base64
	// plausibility check.
	Plausible bool
	Size      int64
}

// Release deletes the output files.
func (d *DecodedFile) Release() error {
	if d == nil {
		return nil
	}
	return errors.Join(removeFile(d.URI), removeFile(d.TextURI))
}

// Decoder turns envelopes back into files.
type Decoder struct {
	keys       crypto.KeyStore
	opts       Options
	policy     FingerprintPolicy
	strategies []Strategy
}

// NewDecoder creates a Decoder with DefaultStrategies.
func NewDecoder(keys crypto.KeyStore, policy FingerprintPolicy, opts Options) *Decoder {
	opts.applyDefaults()
	if policy == "" {
		policy = FingerprintStrict
	}
	return &Decoder{
		keys:       keys,
		opts:       opts,
		policy:     policy,
		strategies: DefaultStrategies(),
	}
}

// WithStrategies replaces the ordered strategy list.
func (d *Decoder) WithStrategies(strategies ...Strategy) *Decoder {
	d.strategies = strategies
	return d
}

// Decrypt decodes the file at encryptedPath. expectedFingerprint may be
// empty to skip the key check.
func (d *Decoder) Decrypt(ctx context.Context, encryptedPath, expectedFingerprint string) (*DecodedFile, error) {
	start := time.Now()

	result, fingerprint, err := d.decrypt(ctx, encryptedPath, expectedFingerprint)
	duration := time.Since(start)

	var algorithm string
	var meta map[string]interface{}
	if result != nil {
		algorithm = result.Algorithm
		meta = map[string]interface{}{"strategy": result.Strategy, "plausible": result.Plausible}
	}
	d.opts.Audit.LogDecrypt(filepath.Base(encryptedPath), string(fingerprint), algorithm, err == nil, err, duration, meta)

	if err != nil {
		d.opts.Metrics.RecordEncryptionError("decrypt", errorType(err))
		d.opts.Logger.WithError(err).WithField("source", encryptedPath).Error("Failed to decrypt file")
		return nil, err
	}

	d.opts.Metrics.RecordEncryptionOperation("decrypt", duration, result.Size)
	d.opts.Metrics.RecordDecodeStrategy(result.Strategy, result.Plausible)
	d.opts.Logger.WithFields(logrus.Fields{
		"output":    result.URI,
		"strategy":  result.Strategy,
		"plausible": result.Plausible,
		"size":      result.Size,
	}).Debug("Decrypted file")
	return result, nil
}

func (d *Decoder) decrypt(ctx context.Context, path, expected string) (*DecodedFile, crypto.KeyFingerprint, error) {
	key, err := d.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	fingerprint := key.Fingerprint()

	if expected != "" && expected != string(fingerprint) {
		if d.policy == FingerprintStrict {
			return nil, fingerprint, fmt.Errorf("%w (envelope %s, local key %s)", ErrFingerprintMismatch, expected, fingerprint)
		}
		d.opts.Logger.WithFields(logrus.Fields{
			"expected": expected,
			"actual":   string(fingerprint),
		}).Warn("Key fingerprint mismatch, attempting decode anyway")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fingerprint, fmt.Errorf("%w: failed to read file: %w", ErrDecryption, err)
	}

	var fallback *attempt
	retried := false
	for _, s := range d.strategies {
		if err := ctx.Err(); err != nil {
			return nil, fingerprint, fmt.Errorf("%w: %w", ErrDecryption, err)
		}

		cand, err := s.Extract(raw)
		if err != nil {
			d.opts.Logger.WithError(err).WithField("strategy", s.Name).Debug("Decode strategy not applicable")
			continue
		}

		c, err := crypto.CipherForVersion(cand.Version, cand.Algorithm)
		if err != nil {
			d.opts.Logger.WithError(err).WithField("strategy", s.Name).Debug("No cipher for candidate")
			continue
		}

		plain, err := c.Open(cand.Sealed, key.Bytes())
		if err != nil {
			// An authenticated envelope that fails verification is not
			// something a heuristic can recover.
			return nil, fingerprint, fmt.Errorf("%w: %w", ErrDecryption, err)
		}

		text := string(plain)
		if isPlausible(text) {
			out, err := d.writeDecoded(text)
			if err != nil {
				return nil, fingerprint, err
			}
			out.Strategy, out.Algorithm = s.Name, c.Algorithm()
			return out, fingerprint, nil
		}

		if cand.Version == crypto.VersionXOR && s.Name != StrategyEnvelope && !retried {
			// The payload may have been Base64-encoded once more in transit.
			retried = true
			alt := string(crypto.XOR(codec.DecodeLenient(string(raw)), key.Bytes()))
			if alt != "" && isPlausible(alt) {
				out, err := d.writeDecoded(alt)
				if err != nil {
					return nil, fingerprint, err
				}
				out.Strategy, out.Algorithm = StrategyDoubleDecoded, c.Algorithm()
				return out, fingerprint, nil
			}
		}

		if fallback == nil {
			fallback = &attempt{strategy: s.Name, algorithm: c.Algorithm(), text: text}
		}
	}

	if fallback == nil {
		return nil, fingerprint, ErrDecryption
	}

	d.opts.Logger.WithField("strategy", fallback.strategy).Warn("Decrypted payload is not valid Base64, saving best-effort output")
	out, err := d.writeFallback(fallback.text)
	if err != nil {
		return nil, fingerprint, err
	}
	out.Strategy, out.Algorithm = fallback.strategy, fallback.algorithm
	return out, fingerprint, nil
}

type attempt struct {
	strategy  string
	algorithm string
	text      string
}

// isPlausible reports whether text looks like the Base64 of the original
// file. The empty string is the encoding of an empty file.
func isPlausible(text string) bool {
	return text == "" || codec.LooksLikeBase64(text)
}

func (d *Decoder) writeDecoded(text string) (*DecodedFile, error) {
	data, err := codec.Decode(text)
	if err != nil {
		// The probe only covers the leading characters.
		data = codec.DecodeLenient(text)
	}

	dir, err := ensureSubDir(d.opts.CacheDir, DecryptedDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	path, err := writeUnique(dir, "decrypted_", ".jpg", d.opts.Now(), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return &DecodedFile{URI: path, Plausible: true, Size: int64(len(data))}, nil
}

func (d *Decoder) writeFallback(text string) (*DecodedFile, error) {
	dir, err := ensureSubDir(d.opts.CacheDir, DecryptedDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	now := d.opts.Now()

	textPath, err := writeUnique(dir, "decrypted_", ".txt", now, []byte(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}

	out := &DecodedFile{URI: textPath, TextURI: textPath, Size: int64(len(text))}

	decoded := codec.DecodeLenient(text)
	binPath, err := writeUnique(dir, "decrypted_", ".jpg", now, decoded)
	if err != nil {
		d.opts.Logger.WithError(err).Warn("Failed to write decoded fallback, keeping text output")
		return out, nil
	}

	if len(decoded) > preferDecodedOver {
		out.URI = binPath
		out.Size = int64(len(decoded))
		return out, nil
	}
	removeFile(binPath)
	out.TextURI = ""
	return out, nil
}

func errorType(err error) string {
	switch {
	case errors.Is(err, crypto.ErrKeyAccess):
		return "key_access"
	case errors.Is(err, ErrFingerprintMismatch):
		return "fingerprint_mismatch"
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, os.ErrNotExist):
		return "not_found"
	default:
		return "io"
	}
}
