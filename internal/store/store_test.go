package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, d *DB, name string) bool {
	t.Helper()
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestOpen_RunsMigrations(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.PingContext(context.Background()))
	assert.True(t, tableExists(t, db, "goose_db_version"))
	assert.True(t, tableExists(t, db, "settings"))
	assert.True(t, tableExists(t, db, "uploads"))
}

func TestOpen_FileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "nested", "client.db")

	first, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, first.Settings.Set(ctx, "k", []byte("v")))
	require.NoError(t, first.Close())

	second, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer second.Close()

	v, err := second.Settings.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSettings_SetGetOverwrite(t *testing.T) {
	db := openTestDB(t)
	r := db.Settings
	ctx := context.Background()

	v, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, r.Set(ctx, "k1", []byte{0x01, 0x02}))
	v, err = r.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, v)

	require.NoError(t, r.Set(ctx, "k1", []byte("new")))
	s, err := r.GetString(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "new", s)
}

func TestSettings_ListDeleteClear(t *testing.T) {
	db := openTestDB(t)
	r := db.Settings
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, SessionTokenKey, []byte("token")))
	require.NoError(t, r.Set(ctx, LanguageKey, []byte("de")))

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, []byte("de"), all[LanguageKey])

	require.NoError(t, r.Delete(ctx, LanguageKey))
	v, err := r.Get(ctx, LanguageKey)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, r.Clear(ctx))
	all, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUploads_SaveUpdateList(t *testing.T) {
	db := openTestDB(t)
	r := db.Uploads
	ctx := context.Background()

	require.NoError(t, r.Save(ctx, &UploadRecord{
		DocumentID:        "doc-1",
		JobID:             "job-1",
		SourceName:        "receipt.jpg",
		KeyFingerprint:    "ABCDEvwxyz",
		EncryptionVersion: "1.0",
		Status:            "queued",
	}))
	require.NoError(t, r.Save(ctx, &UploadRecord{
		DocumentID:        "doc-2",
		KeyFingerprint:    "ABCDEvwxyz",
		EncryptionVersion: "1.0",
		Status:            "processing",
	}))

	require.NoError(t, r.UpdateStatus(ctx, "doc-1", "failed", "unreadable"))
	require.NoError(t, r.MarkArchived(ctx, "doc-1"))

	rec, err := r.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "unreadable", rec.ErrorDetails)
	assert.Equal(t, "receipt.jpg", rec.SourceName)
	assert.True(t, rec.Archived)
	assert.False(t, rec.CreatedAt.IsZero())

	list, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "doc-2", list[0].DocumentID)

	list, err = r.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUploads_NotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Uploads.Get(ctx, "nope")
	assert.True(t, errors.Is(err, ErrUploadNotFound))

	err = db.Uploads.UpdateStatus(ctx, "nope", "completed", "")
	assert.True(t, errors.Is(err, ErrUploadNotFound))
}
