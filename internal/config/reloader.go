package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 100 * time.Millisecond

// ConfigReloader reloads the configuration when the file changes or the
// process receives SIGHUP. Settings that identify key material or storage
// locations cannot change without a restart.
type ConfigReloader struct {
	path   string
	logger *logrus.Logger

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error

	watcher  *fsnotify.Watcher
	sigCh    chan os.Signal
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP is still handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		sigCh:   make(chan os.Signal, 1),
		stopCh:  make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sigCh, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers fn to apply a new configuration. When fn
// returns an error the old configuration stays active.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := *r.current
	cp.Watch.Extensions = append([]string(nil), r.current.Watch.Extensions...)
	return &cp
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			r.reloadAndLog("file change")

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")

		case <-r.sigCh:
			r.reloadAndLog("SIGHUP")
		}
	}
}

func (r *ConfigReloader) reloadAndLog(trigger string) {
	if err := r.Reload(); err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Failed to reload configuration")
		return
	}
	r.logger.WithField("trigger", trigger).Info("Configuration reloaded")
}

// Reload loads the file, checks that only hot-reloadable settings changed and
// applies the result through the callback.
func (r *ConfigReloader) Reload() error {
	if r.path == "" {
		return errors.New("no config file to reload")
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		return err
	}
	if r.onReload != nil {
		if err := r.onReload(old, next); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}
	r.current = next
	return nil
}

// validateReloadSafety rejects changes that need a restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	switch {
	case old.Encryption.Algorithm != new.Encryption.Algorithm:
		return fmt.Errorf("encryption.algorithm cannot be changed during hot reload")
	case old.Storage.DataDir != new.Storage.DataDir:
		return fmt.Errorf("storage.data_dir cannot be changed during hot reload")
	case old.Storage.KeystorePath != new.Storage.KeystorePath:
		return fmt.Errorf("storage.keystore_path cannot be changed during hot reload")
	case old.Storage.CacheDir != new.Storage.CacheDir:
		return fmt.Errorf("storage.cache_dir cannot be changed during hot reload")
	case old.Backend.BaseURL != new.Backend.BaseURL:
		return fmt.Errorf("backend.base_url cannot be changed during hot reload")
	case old.Archive.Bucket != new.Archive.Bucket:
		return fmt.Errorf("archive.bucket cannot be changed during hot reload")
	}
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		signal.Stop(r.sigCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}
