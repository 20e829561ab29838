package secure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/audit"
	"github.com/kenneth/secure-ocr-client/internal/codec"
	"github.com/kenneth/secure-ocr-client/internal/crypto"
	"github.com/kenneth/secure-ocr-client/internal/metrics"
)

// Options configures a Preparer or Decoder. Zero values fall back to XOR,
// the standard logger, no metrics and a discarding audit log.
type Options struct {
	CacheDir string
	Cipher   crypto.Cipher
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Audit    audit.Logger
	// Now is used for file names; tests pin it.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Cipher == nil {
		o.Cipher, _ = crypto.NewCipher(crypto.AlgorithmXOR)
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Audit == nil {
		o.Audit = audit.NewNopLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.CacheDir == "" {
		o.CacheDir = filepath.Join(os.TempDir(), "secure-ocr-client")
	}
}

// PreparedFile describes an envelope written by Prepare. The caller owns the
// file and must call Release once it is no longer needed.
type PreparedFile struct {
	URI               string
	FileSize          int64
	KeyFingerprint    crypto.KeyFingerprint
	EncryptionVersion string
	Algorithm         string
	CreatedAt         time.Time
}

// Release deletes the envelope file.
func (p *PreparedFile) Release() error {
	if p == nil {
		return nil
	}
	return removeFile(p.URI)
}

// Preparer produces encrypted envelopes from source files.
type Preparer struct {
	keys crypto.KeyStore
	opts Options
}

// NewPreparer creates a Preparer using keys for key material.
func NewPreparer(keys crypto.KeyStore, opts Options) *Preparer {
	opts.applyDefaults()
	return &Preparer{keys: keys, opts: opts}
}

// Prepare reads sourcePath and writes <cache>/encrypted/<millis>.enc holding
// Base64(Seal(Base64(file))) inside a JSON envelope.
func (p *Preparer) Prepare(ctx context.Context, sourcePath string) (*PreparedFile, error) {
	start := time.Now()
	algorithm := p.opts.Cipher.Algorithm()

	prepared, size, err := p.prepare(ctx, sourcePath)
	duration := time.Since(start)

	fingerprint := ""
	if prepared != nil {
		fingerprint = string(prepared.KeyFingerprint)
	}
	p.opts.Audit.LogEncrypt(filepath.Base(sourcePath), fingerprint, algorithm, err == nil, err, duration, nil)

	if err != nil {
		p.opts.Metrics.RecordEncryptionError("encrypt", errorType(err))
		p.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"source":    sourcePath,
			"algorithm": algorithm,
		}).Error("Failed to prepare secure upload")
		return nil, err
	}

	p.opts.Metrics.RecordEncryptionOperation("encrypt", duration, size)
	p.opts.Logger.WithFields(logrus.Fields{
		"envelope":    prepared.URI,
		"size":        prepared.FileSize,
		"fingerprint": fingerprint,
		"version":     prepared.EncryptionVersion,
		"duration_ms": duration.Milliseconds(),
	}).Debug("Prepared secure upload")
	return prepared, nil
}

func (p *Preparer) prepare(ctx context.Context, sourcePath string) (*PreparedFile, int64, error) {
	key, err := p.keys.GetOrCreateKey(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	fingerprint := key.Fingerprint()

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read source: %w", ErrEncryption, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	sealed, err := p.opts.Cipher.Seal([]byte(codec.Encode(data)), key.Bytes())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	env := &Envelope{
		Content: codec.Encode(sealed),
		Version: p.opts.Cipher.Version(),
	}
	if env.Version != crypto.VersionXOR {
		env.Algorithm = p.opts.Cipher.Algorithm()
	}
	body, err := env.Marshal()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	dir, err := ensureSubDir(p.opts.CacheDir, EncryptedDir)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	now := p.opts.Now()
	path, err := writeUnique(dir, "", ".enc", now, body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		removeFile(path)
		return nil, 0, fmt.Errorf("%w: failed to stat envelope: %w", ErrEncryption, err)
	}

	return &PreparedFile{
		URI:               path,
		FileSize:          info.Size(),
		KeyFingerprint:    fingerprint,
		EncryptionVersion: env.Version,
		Algorithm:         p.opts.Cipher.Algorithm(),
		CreatedAt:         now,
	}, int64(len(data)), nil
}
