package secure

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EncryptedDir is the cache subdirectory holding prepared envelopes.
	EncryptedDir = "encrypted"
	// DecryptedDir is the cache subdirectory holding decoded output.
	DecryptedDir = "decrypted"
	// CroppedDir is the cache subdirectory holding cropped source images.
	CroppedDir = "cropped"
)

// ensureSubDir creates root/name if needed and returns its path.
func ensureSubDir(root, name string) (string, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return dir, nil
}

// createUnique creates dir/<prefix><millis><ext>, appending -1, -2, ... when a
// file of that name already exists.
func createUnique(dir, prefix, ext string, now time.Time) (*os.File, error) {
	base := prefix + strconv.FormatInt(now.UnixMilli(), 10)
	for i := 0; i < 1000; i++ {
		name := base
		if i > 0 {
			name = base + "-" + strconv.Itoa(i)
		}
		f, err := os.OpenFile(filepath.Join(dir, name+ext), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free file name for %s%s in %s", base, ext, dir)
}

// writeUnique writes data to a new unique file and returns its path.
func writeUnique(dir, prefix, ext string, now time.Time, data []byte) (string, error) {
	f, err := createUnique(dir, prefix, ext, now)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}

// removeFile deletes path, treating a missing file as success.
func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Prune removes envelopes and decoded files in the cache directory that are
// older than maxAge. It returns the number of files removed.
func Prune(cacheDir string, maxAge time.Duration, now time.Time) (int, error) {
	removed := 0
	for _, sub := range []string{EncryptedDir, DecryptedDir, CroppedDir} {
		dir := filepath.Join(cacheDir, sub)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isManagedFile(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < maxAge {
				continue
			}
			if err := removeFile(filepath.Join(dir, entry.Name())); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

func isManagedFile(name string) bool {
	switch filepath.Ext(name) {
	case ".enc":
		return true
	case ".jpg", ".txt":
		return strings.HasPrefix(name, "decrypted_") || strings.HasPrefix(name, "cropped_")
	}
	return false
}
