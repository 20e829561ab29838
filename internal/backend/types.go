// Package backend is the REST client for the OCR processing service: it
// submits encrypted envelopes and reads processing job status.
package backend

import (
	"context"
	"strings"
)

const (
	// UploadContentType is the MIME type the envelope is cloaked as.
	UploadContentType = "image/jpeg"
	// UploadFilePrefix prefixes the cloaked upload file name.
	UploadFilePrefix = "encrypted_"
)

// JobStatus is the processing state reported by the backend.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ParseJobStatus normalises a status string from the backend. Unknown values
// are returned as-is and are not terminal.
func ParseJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued", "pending", "waiting":
		return JobQueued
	case "processing", "running", "in_progress":
		return JobProcessing
	case "completed", "complete", "done", "succeeded":
		return JobCompleted
	case "failed", "error":
		return JobFailed
	}
	return JobStatus(s)
}

// IsTerminal reports whether no further status changes are expected.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// UploadMetadata is sent alongside the file as the "metadata" form field.
type UploadMetadata struct {
	IsEncrypted       bool   `json:"isEncrypted"`
	KeyFingerprint    string `json:"keyFingerprint"`
	EncryptionVersion string `json:"encryptionVersion"`
}

// UploadFile describes one multipart upload.
type UploadFile struct {
	// URI is the local path of the envelope.
	URI string
	// Name is the file name presented to the server.
	Name string
	// Type is the MIME type presented to the server.
	Type     string
	Metadata UploadMetadata
}

// UploadResult is the backend's answer to an upload.
type UploadResult struct {
	DocumentID string
	JobID      string
	RequestID  string
}

// ProcessingJob is a snapshot of server-side processing.
type ProcessingJob struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
}

// Client is the backend contract used by the upload lifecycle.
type Client interface {
	Upload(ctx context.Context, file UploadFile) (*UploadResult, error)
	JobStatus(ctx context.Context, documentID string) (*ProcessingJob, error)
}

// TokenSource supplies the bearer token for backend requests. An empty
// token sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// SettingGetter reads a value from the local settings store.
type SettingGetter interface {
	GetString(ctx context.Context, key string) (string, error)
}

// StoredToken reads the session token from the settings store on every
// request so that a re-login is picked up without a restart.
type StoredToken struct {
	Settings SettingGetter
	Key      string
	Fallback string
}

func (t StoredToken) Token(ctx context.Context) (string, error) {
	v, err := t.Settings.GetString(ctx, t.Key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return t.Fallback, nil
	}
	return v, nil
}
