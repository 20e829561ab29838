// Package store is the local SQLite persistence of the client: a key-value
// settings table (encryption key, session token, preferences) and the upload
// history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kenneth/secure-ocr-client/internal/store/migrations"
)

// Well-known settings keys.
const (
	SessionTokenKey = "session_token"
	LanguageKey     = "language"
)

// DB bundles the repositories over one database handle.
type DB struct {
	db       *sql.DB
	Settings *SettingsRepository
	Uploads  *UploadRepository
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the database at dsn and migrates it.
// A dsn of ":memory:" yields a private in-memory database.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers; a single connection also keeps an
	// in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{
		db:       db,
		Settings: NewSettingsRepository(db),
		Uploads:  NewUploadRepository(db),
	}, nil
}

// PingContext checks the database connection.
func (d *DB) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}
