package api

import (
	"time"

	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

type uploadResponse struct {
	DocumentID        string    `json:"documentId"`
	JobID             string    `json:"jobId,omitempty"`
	SourceName        string    `json:"sourceName,omitempty"`
	KeyFingerprint    string    `json:"keyFingerprint"`
	EncryptionVersion string    `json:"encryptionVersion"`
	Status            string    `json:"status"`
	ErrorDetails      string    `json:"errorDetails,omitempty"`
	Archived          bool      `json:"archived"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func newUploadResponse(rec *store.UploadRecord) uploadResponse {
	return uploadResponse{
		DocumentID:        rec.DocumentID,
		JobID:             rec.JobID,
		SourceName:        rec.SourceName,
		KeyFingerprint:    rec.KeyFingerprint,
		EncryptionVersion: rec.EncryptionVersion,
		Status:            rec.Status,
		ErrorDetails:      rec.ErrorDetails,
		Archived:          rec.Archived,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

type jobResponse struct {
	DocumentID   string `json:"documentId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// snapshotResponse leaves out local paths.
type snapshotResponse struct {
	State          string `json:"state"`
	DocumentID     string `json:"documentId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	KeyFingerprint string `json:"keyFingerprint,omitempty"`
	Progress       int    `json:"progress"`
	LastError      string `json:"lastError,omitempty"`
}

func newSnapshotResponse(s lifecycle.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		State:          string(s.State),
		DocumentID:     s.DocumentID,
		JobID:          s.JobID,
		KeyFingerprint: s.KeyFingerprint,
		Progress:       s.Progress,
	}
	if s.LastError != nil {
		resp.LastError = s.LastError.Error()
	}
	return resp
}
