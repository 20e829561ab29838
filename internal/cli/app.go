package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/secure-ocr-client/internal/archive"
	"github.com/kenneth/secure-ocr-client/internal/audit"
	"github.com/kenneth/secure-ocr-client/internal/backend"
	"github.com/kenneth/secure-ocr-client/internal/cache"
	"github.com/kenneth/secure-ocr-client/internal/config"
	"github.com/kenneth/secure-ocr-client/internal/crop"
	"github.com/kenneth/secure-ocr-client/internal/crypto"
	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
	"github.com/kenneth/secure-ocr-client/internal/metrics"
	"github.com/kenneth/secure-ocr-client/internal/middleware"
	"github.com/kenneth/secure-ocr-client/internal/secure"
	"github.com/kenneth/secure-ocr-client/internal/store"
)

// App holds the collaborators shared by all commands.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	DB      *store.DB
	Keys    *crypto.PersistentKeyStore
	Cipher  crypto.Cipher
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Backend backend.Client
	// Archive is nil when archiving is disabled.
	Archive *archive.Archive

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	db, err := store.Open(ctx, cfg.Storage.KeystorePath)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.closers = append(app.closers, db.Close)
	app.Keys = crypto.NewKeyStore(db.Settings, logger)

	app.Cipher, err = crypto.NewCipher(cfg.Encryption.Algorithm)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	app.Metrics = metrics.NewMetricsWithRegistry(reg, reg)

	app.Audit = audit.NewNopLogger()
	if cfg.Audit.Enabled {
		var writer audit.EventWriter
		if cfg.Audit.FilePath != "" {
			fw, err := audit.NewFileWriter(cfg.Audit.FilePath)
			if err != nil {
				return nil, err
			}
			app.closers = append(app.closers, fw.Close)
			writer = fw
		} else {
			writer = audit.NewStreamWriter(logger.Out)
		}
		app.Audit = audit.NewLogger(cfg.Audit.MaxEvents, writer)
	}

	fallback, err := cfg.ResolveAuthToken()
	if err != nil {
		return nil, err
	}

	transport := middleware.Chain(http.DefaultTransport,
		middleware.TracingTransport,
		func(next http.RoundTripper) http.RoundTripper { return middleware.MetricsTransport(next, app.Metrics) },
		func(next http.RoundTripper) http.RoundTripper { return middleware.LoggingTransport(next, logger, nil) },
	)

	client, err := backend.NewHTTPClient(backend.Options{
		BaseURL:    cfg.Backend.BaseURL,
		UploadPath: cfg.Backend.UploadPath,
		StatusPath: cfg.Backend.StatusPath,
		Token: backend.StoredToken{
			Settings: db.Settings,
			Key:      store.SessionTokenKey,
			Fallback: fallback,
		},
		HTTPClient: &http.Client{Timeout: cfg.Backend.Timeout, Transport: transport},
		Retry: backend.RetryConfig{
			MaxAttempts:    cfg.Backend.Retry.MaxAttempts,
			InitialBackoff: cfg.Backend.Retry.InitialBackoff,
			MaxBackoff:     cfg.Backend.Retry.MaxBackoff,
			Multiplier:     cfg.Backend.Retry.Multiplier,
		},
		Logger:  logger,
		Metrics: app.Metrics,
	})
	if err != nil {
		return nil, err
	}
	app.Backend = client
	if cfg.Cache.Enabled {
		jobCache := cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		app.Backend = backend.NewCachingClient(client, jobCache, cfg.Cache.DefaultTTL, logger)
	}

	if cfg.Archive.Enabled {
		app.Archive, err = archive.New(ctx, &cfg.Archive, logger)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return app, nil
}

func (a *App) secureOptions() secure.Options {
	return secure.Options{
		CacheDir: a.Config.Storage.CacheDir,
		Cipher:   a.Cipher,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Audit:    a.Audit,
	}
}

// Preparer builds the envelope writer.
func (a *App) Preparer() *secure.Preparer {
	return secure.NewPreparer(a.Keys, a.secureOptions())
}

// Decoder builds the envelope reader with the configured fingerprint policy.
func (a *App) Decoder() *secure.Decoder {
	return secure.NewDecoder(a.Keys, secure.FingerprintPolicy(a.Config.Encryption.FingerprintPolicy), a.secureOptions())
}

// Controller builds an upload controller reporting to notifier.
func (a *App) Controller(notifier lifecycle.Notifier) (*lifecycle.Controller, error) {
	opts := lifecycle.Options{
		Preparer:        a.Preparer(),
		Backend:         a.Backend,
		Cropper:         crop.NewFileCropper(filepath.Join(a.Config.Storage.CacheDir, secure.CroppedDir)),
		Notifier:        notifier,
		History:         a.DB.Uploads,
		PollInterval:    a.Config.Polling.Interval,
		PollTimeout:     a.Config.Polling.Timeout,
		MaxPollFailures: a.Config.Polling.MaxFailures,
		MinCropSize:     a.Config.Crop.MinSize,
		RetainTempFiles: a.Config.Storage.RetainTempFiles,
		Logger:          a.Logger,
		Metrics:         a.Metrics,
		Audit:           a.Audit,
	}
	if a.Archive != nil {
		opts.Archive = a.Archive
	}
	return lifecycle.New(opts)
}

// Close releases everything opened by newApp.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return nil
}
