package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUploadNotFound is returned when no history row exists for a document.
var ErrUploadNotFound = errors.New("upload not found")

// UploadRecord is one entry of the local upload history.
type UploadRecord struct {
	DocumentID        string
	JobID             string
	SourceName        string
	KeyFingerprint    string
	EncryptionVersion string
	Status            string
	ErrorDetails      string
	Archived          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UploadRepository persists UploadRecords.
type UploadRepository struct {
	db *sql.DB
}

func NewUploadRepository(db *sql.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Save inserts rec or replaces the mutable columns of an existing row.
func (r *UploadRepository) Save(ctx context.Context, rec *UploadRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO uploads (document_id, job_id, source_name, key_fingerprint, encryption_version, status, error_details, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			error_details = excluded.error_details,
			archived = excluded.archived,
			updated_at = CURRENT_TIMESTAMP
	`, rec.DocumentID, rec.JobID, rec.SourceName, rec.KeyFingerprint, rec.EncryptionVersion, rec.Status, rec.ErrorDetails, rec.Archived)
	if err != nil {
		return fmt.Errorf("failed to save upload[%s]: %w", rec.DocumentID, err)
	}
	return nil
}

// UpdateStatus records the latest job status for a document.
func (r *UploadRepository) UpdateStatus(ctx context.Context, documentID, status, errorDetails string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET status = ?, error_details = ?, updated_at = CURRENT_TIMESTAMP
		WHERE document_id = ?
	`, status, errorDetails, documentID)
	if err != nil {
		return fmt.Errorf("failed to update upload[%s]: %w", documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUploadNotFound, documentID)
	}
	return nil
}

// MarkArchived flags a document whose envelope was copied to the archive.
func (r *UploadRepository) MarkArchived(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE uploads SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE document_id = ?
	`, documentID)
	if err != nil {
		return fmt.Errorf("failed to mark upload[%s] archived: %w", documentID, err)
	}
	return nil
}

// Get returns the history row for documentID.
func (r *UploadRepository) Get(ctx context.Context, documentID string) (*UploadRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT document_id, job_id, source_name, key_fingerprint, encryption_version, status, error_details, archived, created_at, updated_at
		FROM uploads WHERE document_id = ?
	`, documentID)

	rec, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload[%s]: %w", documentID, err)
	}
	return rec, nil
}

// List returns the most recent uploads first, at most limit rows (0 = all).
func (r *UploadRepository) List(ctx context.Context, limit int) ([]*UploadRecord, error) {
	query := `
		SELECT document_id, job_id, source_name, key_fingerprint, encryption_version, status, error_details, archived, created_at, updated_at
		FROM uploads ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var result []*UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate upload rows: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUpload(s rowScanner) (*UploadRecord, error) {
	var rec UploadRecord
	err := s.Scan(&rec.DocumentID, &rec.JobID, &rec.SourceName, &rec.KeyFingerprint,
		&rec.EncryptionVersion, &rec.Status, &rec.ErrorDetails, &rec.Archived,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
