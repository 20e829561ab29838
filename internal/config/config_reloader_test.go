package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewConfigReloader(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
	reloader.Stop()

	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0o644))

	reloader, err = NewConfigReloader(configPath, cfg, quietLogger())
	require.NoError(t, err)
	reloader.Stop()

	_, err = NewConfigReloader(filepath.Join(t.TempDir(), "missing", "config.yaml"), cfg, quietLogger())
	assert.Error(t, err)
}

func TestConfigReloader_FileWatching(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_DATA_DIR", dir)
	configPath := filepath.Join(dir, "test-config.yaml")

	initialYAML := `log_level: info
backend:
  base_url: https://ocr.example.com
polling:
  interval: 3s
`
	require.NoError(t, os.WriteFile(configPath, []byte(initialYAML), 0o644))

	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initialConfig, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var calls int64
	var firstOld, firstNew atomic.Pointer[Config]
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			firstOld.Store(old)
			firstNew.Store(new)
		}
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	updatedYAML := `log_level: debug
backend:
  base_url: https://ocr.example.com
polling:
  interval: 5s
`
	require.NoError(t, os.WriteFile(configPath, []byte(updatedYAML), 0o644))

	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "info", firstOld.Load().LogLevel)
	assert.Equal(t, "debug", firstNew.Load().LogLevel)
	assert.Equal(t, 5*time.Second, firstNew.Load().Polling.Interval)
	assert.Equal(t, "debug", reloader.GetCurrentConfig().LogLevel)
}

func TestConfigReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORAGE_DATA_DIR", dir)
	configPath := filepath.Join(dir, "config.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))
	}

	write("backend:\n  base_url: https://ocr.example.com\n")
	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, cfg, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	// Unsafe change is rejected and the old config stays active.
	write("backend:\n  base_url: https://ocr.example.com\nencryption:\n  algorithm: AES256-GCM\n")
	err = reloader.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption.algorithm cannot be changed during hot reload")
	assert.Equal(t, "XOR", reloader.GetCurrentConfig().Encryption.Algorithm)

	// Invalid file is rejected.
	write("backend:\n  base_url: ''\n")
	assert.Error(t, reloader.Reload())

	// Callback errors keep the old config.
	write("log_level: warn\nbackend:\n  base_url: https://ocr.example.com\n")
	reloader.SetOnReloadCallback(func(old, new *Config) error { return assert.AnError })
	assert.ErrorIs(t, reloader.Reload(), assert.AnError)
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)

	reloader.SetOnReloadCallback(nil)
	require.NoError(t, reloader.Reload())
	assert.Equal(t, "warn", reloader.GetCurrentConfig().LogLevel)
}

func TestConfigReloader_ReloadWithoutPath(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	assert.Error(t, reloader.Reload())
}

func TestValidateReloadSafety(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name        string
		oldConfig   *Config
		newConfig   *Config
		expectError bool
		errorMsg    string
	}{
		{
			name:      "safe changes allowed",
			oldConfig: &Config{LogLevel: "info", Polling: PollingConfig{Interval: time.Second}},
			newConfig: &Config{LogLevel: "debug", Polling: PollingConfig{Interval: 5 * time.Second}},
		},
		{
			name:        "algorithm change rejected",
			oldConfig:   &Config{Encryption: EncryptionConfig{Algorithm: "XOR"}},
			newConfig:   &Config{Encryption: EncryptionConfig{Algorithm: "AES256-GCM"}},
			expectError: true,
			errorMsg:    "encryption.algorithm cannot be changed during hot reload",
		},
		{
			name:        "keystore change rejected",
			oldConfig:   &Config{Storage: StorageConfig{KeystorePath: "/a.db"}},
			newConfig:   &Config{Storage: StorageConfig{KeystorePath: "/b.db"}},
			expectError: true,
			errorMsg:    "storage.keystore_path cannot be changed during hot reload",
		},
		{
			name:        "cache dir change rejected",
			oldConfig:   &Config{Storage: StorageConfig{CacheDir: "/a"}},
			newConfig:   &Config{Storage: StorageConfig{CacheDir: "/b"}},
			expectError: true,
			errorMsg:    "storage.cache_dir cannot be changed during hot reload",
		},
		{
			name:        "backend change rejected",
			oldConfig:   &Config{Backend: BackendConfig{BaseURL: "https://a"}},
			newConfig:   &Config{Backend: BackendConfig{BaseURL: "https://b"}},
			expectError: true,
			errorMsg:    "backend.base_url cannot be changed during hot reload",
		},
		{
			name:        "archive bucket change rejected",
			oldConfig:   &Config{Archive: ArchiveConfig{Bucket: "a"}},
			newConfig:   &Config{Archive: ArchiveConfig{Bucket: "b"}},
			expectError: true,
			errorMsg:    "archive.bucket cannot be changed during hot reload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reloader.validateReloadSafety(tt.oldConfig, tt.newConfig)
			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{LogLevel: "info", Watch: WatchConfig{Extensions: []string{".jpg"}}}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	current.LogLevel = "debug"
	current.Watch.Extensions[0] = ".gif"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
	assert.Equal(t, ".jpg", reloader.GetCurrentConfig().Watch.Extensions[0])
}
