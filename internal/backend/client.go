package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/metrics"
)

const (
	requestIDHeader = "X-Request-ID"
	maxErrorBody    = 64 * 1024
	maxResponseBody = 1 << 20
)

// RetryConfig holds retry/backoff configuration.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL    string
	UploadPath string
	// StatusPath may contain the {documentId} placeholder.
	StatusPath string
	Token      TokenSource
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// HTTPClient implements Client over the backend's REST API.
type HTTPClient struct {
	base    *url.URL
	opts    Options
	http    *http.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHTTPClient validates opts and creates a client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", opts.BaseURL)
	}
	if opts.UploadPath == "" {
		opts.UploadPath = "/api/documents/upload"
	}
	if opts.StatusPath == "" {
		opts.StatusPath = "/api/documents/{documentId}/status"
	}
	if opts.Token == nil {
		opts.Token = StaticToken("")
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &HTTPClient{
		base:    base,
		opts:    opts,
		http:    httpClient,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Upload sends the envelope as a multipart form with a "file" part and a
// "metadata" JSON field.
func (c *HTTPClient) Upload(ctx context.Context, file UploadFile) (*UploadResult, error) {
	start := time.Now()

	content, err := os.ReadFile(file.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload file: %w", err)
	}

	body, contentType, err := buildMultipart(file, content)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	resp, err := c.do(ctx, "upload", requestID, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.opts.UploadPath), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		c.metrics.RecordUpload("failure", time.Since(start), 0)
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		DocumentID    string `json:"documentId"`
		DocumentIDAlt string `json:"document_id"`
		ID            string `json:"id"`
		JobID         string `json:"jobId"`
		JobIDAlt      string `json:"job_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&payload); err != nil {
		c.metrics.RecordUpload("failure", time.Since(start), 0)
		return nil, fmt.Errorf("%w: failed to decode upload response: %v", ErrInvalidResponse, err)
	}

	result := &UploadResult{
		DocumentID: firstNonEmpty(payload.DocumentID, payload.DocumentIDAlt, payload.ID),
		JobID:      firstNonEmpty(payload.JobID, payload.JobIDAlt),
		RequestID:  requestID,
	}
	if result.DocumentID == "" {
		c.metrics.RecordUpload("failure", time.Since(start), 0)
		return nil, fmt.Errorf("%w: upload response has no document id", ErrInvalidResponse)
	}

	c.metrics.RecordUpload("success", time.Since(start), int64(len(content)))
	c.logger.WithFields(logrus.Fields{
		"document_id": result.DocumentID,
		"job_id":      result.JobID,
		"request_id":  requestID,
		"bytes":       len(content),
	}).Info("Uploaded document")
	return result, nil
}

// JobStatus fetches the processing status of a document.
func (c *HTTPClient) JobStatus(ctx context.Context, documentID string) (*ProcessingJob, error) {
	if documentID == "" {
		return nil, errors.New("document id is required")
	}
	path := strings.ReplaceAll(c.opts.StatusPath, "{documentId}", url.PathEscape(documentID))

	resp, err := c.do(ctx, "status", uuid.NewString(), func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		ID           string   `json:"id"`
		DocumentID   string   `json:"documentId"`
		Status       string   `json:"status"`
		Progress     *float64 `json:"progress"`
		ErrorDetails string   `json:"errorDetails"`
		Error        string   `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: failed to decode status response: %v", ErrInvalidResponse, err)
	}
	if payload.Status == "" {
		return nil, fmt.Errorf("%w: status response has no status", ErrInvalidResponse)
	}

	job := &ProcessingJob{
		ID:           payload.ID,
		DocumentID:   firstNonEmpty(payload.DocumentID, documentID),
		Status:       ParseJobStatus(payload.Status),
		ErrorDetails: firstNonEmpty(payload.ErrorDetails, payload.Error),
	}
	if payload.Progress != nil {
		job.Progress = clampProgress(*payload.Progress)
	} else if job.Status == JobCompleted {
		job.Progress = 100
	}
	return job, nil
}

// do executes the request built by build, retrying transport errors and
// retryable status codes with exponential backoff. The request is rebuilt
// for every attempt.
func (c *HTTPClient) do(ctx context.Context, operation, requestID string, build func() (*http.Request, error)) (*http.Response, error) {
	token, err := c.opts.Token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get session token: %v", ErrUnauthorized, err)
	}

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		req, err := build()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build %s request: %w", operation, err))
		}
		req.Header.Set(requestIDHeader, requestID)
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: %s canceled: %w", ErrNetwork, operation, ctx.Err()))
			}
			return nil, fmt.Errorf("%w: %s request failed: %v", ErrNetwork, operation, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		apiErr := TranslateStatus(resp.StatusCode, errBody, firstNonEmpty(resp.Header.Get(requestIDHeader), requestID))

		if !apiErr.Retryable() {
			return nil, backoff.Permanent(apiErr)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, apiErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Retry.InitialBackoff
	b.MaxInterval = c.opts.Retry.MaxBackoff
	if c.opts.Retry.Multiplier > 0 {
		b.Multiplier = c.opts.Retry.Multiplier
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WithFields(logrus.Fields{
				"operation":  operation,
				"attempt":    attempt,
				"backoff":    next.String(),
				"request_id": requestID,
			}).WithError(err).Warn("Backend request failed, will retry")
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrNetwork) {
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base.String() + path
}

func buildMultipart(file UploadFile, content []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	header.Set("Content-Type", file.Type)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	meta, err := json.Marshal(file.Metadata)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := w.WriteField("metadata", string(meta)); err != nil {
		return nil, "", fmt.Errorf("failed to write metadata field: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// NewUploadFile builds the cloaked upload description for an envelope.
func NewUploadFile(envelopePath string, meta UploadMetadata, now time.Time) UploadFile {
	return UploadFile{
		URI:      envelopePath,
		Name:     UploadFilePrefix + strconv.FormatInt(now.UnixMilli(), 10) + ".jpg",
		Type:     UploadContentType,
		Metadata: meta,
	}
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
