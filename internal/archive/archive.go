// Package archive keeps uploaded envelopes in an S3-compatible bucket so a
// document can be re-opened later. Only encrypted envelopes are stored.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/config"
)

const envelopeExt = ".enc"

// ErrNotFound is returned when no envelope is archived for a document.
var ErrNotFound = errors.New("archived envelope not found")

// ObjectAPI is the subset of the S3 client used by Archive.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Archive stores envelopes under <prefix><documentId>.enc.
type Archive struct {
	api    ObjectAPI
	bucket string
	prefix string
	logger *logrus.Logger
}

// Envelope is an archived envelope downloaded to local disk.
type Envelope struct {
	Path     string
	Metadata map[string]string
}

// New creates an Archive backed by AWS S3 or a compatible endpoint.
func New(ctx context.Context, cfg *config.ArchiveConfig, logger *logrus.Logger) (*Archive, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithAPI(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithAPI creates an Archive over an existing S3 API implementation.
func NewWithAPI(api ObjectAPI, bucket, prefix string, logger *logrus.Logger) *Archive {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Archive{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

// Key returns the object key for a document.
func (a *Archive) Key(documentID string) string {
	return a.prefix + sanitizeID(documentID) + envelopeExt
}

// Put uploads the envelope at path for documentID with the given metadata.
func (a *Archive) Put(ctx context.Context, documentID, path string, metadata map[string]string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}

	key := a.Key(documentID)
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", a.bucket, key, translateError(err))
	}

	a.logger.WithFields(logrus.Fields{
		"bucket":      a.bucket,
		"key":         key,
		"document_id": documentID,
		"size":        len(body),
	}).Debug("Archived envelope")
	return nil
}

// Fetch downloads the envelope of documentID into dir.
func (a *Archive) Fetch(ctx context.Context, documentID, dir string) (*Envelope, error) {
	key := a.Key(documentID)
	result, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s/%s: %w", a.bucket, key, translateError(err))
	}
	defer result.Body.Close()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, sanitizeID(documentID)+envelopeExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := io.Copy(f, result.Body); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}

	metadata := result.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &Envelope{Path: path, Metadata: metadata}, nil
}

// Delete removes the archived envelope of documentID.
func (a *Archive) Delete(ctx context.Context, documentID string) error {
	key := a.Key(documentID)
	_, err := a.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", a.bucket, key, translateError(err))
	}
	return nil
}

// translateError maps S3 API errors onto package sentinels.
func translateError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.ErrorMessage())
		}
	}
	return err
}

// sanitizeID keeps object keys and local file names inside their prefix.
func sanitizeID(documentID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(documentID)
}
