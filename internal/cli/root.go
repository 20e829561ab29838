// Package cli implements the ocrclient command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/config"
	"github.com/kenneth/secure-ocr-client/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

// SetVersion records build information shown by --version.
func SetVersion(v, c string) {
	version, commit = v, c
}

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg      *config.Config
	logger   *logrus.Logger
	app      *App
	shutdown tracing.ShutdownFunc
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "ocrclient",
		Short: "Encrypt images locally and submit them for OCR",
		Long: `ocrclient encrypts document images with a per-installation key before
they leave the machine, uploads the envelopes to the OCR backend and tracks
the processing job until it finishes.

Configuration is read from a YAML file (--config or CONFIG_PATH) and
environment variables. A .env file in the working directory is loaded first.`,
		Version:       version + " (" + commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "Path to the configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Override the configured log format (json or text)")

	root.AddCommand(
		newUploadCommand(opts),
		newStatusCommand(opts),
		newDecryptCommand(opts),
		newOpenCommand(opts),
		newHistoryCommand(opts),
		newKeyCommand(opts),
		newCacheCommand(opts),
		newSessionCommand(opts),
		newWatchCommand(opts),
	)
	return root
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// setup loads configuration and builds the App. Commands call it from RunE
// so --help works without a valid configuration.
func (o *rootOptions) setup(cmd *cobra.Command) (*App, error) {
	if o.app != nil {
		return o.app, nil
	}

	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	o.cfg = cfg
	o.logger = newLogger(cfg, cmd.ErrOrStderr())

	o.logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"command": cmd.Name(),
	}).Debug("Starting ocrclient")

	shutdown, err := tracing.Init(cmd.Context(), cfg.Tracing)
	if err != nil {
		return nil, err
	}
	o.shutdown = shutdown

	app, err := newApp(cmd.Context(), cfg, o.logger)
	if err != nil {
		o.teardown()
		return nil, err
	}
	o.app = app
	return app, nil
}

// teardown closes what setup opened. Commands defer it.
func (o *rootOptions) teardown() {
	if o.app != nil {
		if err := o.app.Close(); err != nil {
			o.logger.WithError(err).Warn("Failed to close resources")
		}
		o.app = nil
	}
	if o.shutdown != nil {
		if err := o.shutdown(context.Background()); err != nil {
			o.logger.WithError(err).Warn("Failed to flush traces")
		}
		o.shutdown = nil
	}
}

func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	applyLogLevel(logger, cfg.LogLevel)
	return logger
}

func applyLogLevel(logger *logrus.Logger, raw string) {
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
