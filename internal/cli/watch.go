package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/secure-ocr-client/internal/api"
	"github.com/kenneth/secure-ocr-client/internal/config"
	"github.com/kenneth/secure-ocr-client/internal/lifecycle"
	"github.com/kenneth/secure-ocr-client/internal/middleware"
	"github.com/kenneth/secure-ocr-client/internal/watch"
)

func newWatchCommand(root *rootOptions) *cobra.Command {
	var processExisting bool

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Upload every image dropped into a directory",
		Long: `Watch an inbox directory and upload each new image once it stops
changing. Uploads run one at a time. When metrics are enabled a local HTTP
server exposes /metrics, health probes and the upload history.

The log level is reloaded when the configuration
file changes or on SIGHUP.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.setup(cmd)
			if err != nil {
				return err
			}
			defer root.teardown()

			dir := app.Config.Watch.Dir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return errors.New("no inbox directory; pass one or set watch.dir")
			}

			ctx := cmd.Context()
			ctrl, err := app.Controller(lifecycle.NotifierFunc(func(n lifecycle.Notice) {
				logNotice(app.Logger, n)
			}))
			if err != nil {
				return err
			}
			defer ctrl.Close()

			watcher, err := watch.New(watch.Options{
				Dir:             dir,
				Extensions:      app.Config.Watch.Extensions,
				Settle:          app.Config.Watch.Settle,
				ProcessExisting: processExisting,
				Logger:          app.Logger,
			}, watch.ProcessorFunc(func(ctx context.Context, path string) error {
				_, err := ctrl.Run(ctx, lifecycle.RunRequest{Path: path})
				return err
			}))
			if err != nil {
				return err
			}

			reloader, err := config.NewConfigReloader(root.configPath, app.Config, app.Logger)
			if err != nil {
				app.Logger.WithError(err).Warn("Config hot reload disabled")
			} else {
				reloader.SetOnReloadCallback(func(old, new *config.Config) error {
					applyLogLevel(app.Logger, new.LogLevel)
					app.Logger.WithFields(logrus.Fields{
						"log_level": new.LogLevel,
					}).Info("Configuration reloaded")
					return nil
				})
				go reloader.Start()
				defer reloader.Stop()
			}

			stop := make(chan struct{})
			defer close(stop)
			app.Metrics.StartSystemMetricsCollector(stop)

			if app.Config.Metrics.Enabled {
				server := newStatusServer(app, ctrl)
				go func() {
					app.Logger.WithField("addr", server.Addr).Info("Starting status server")
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.Logger.WithError(err).Error("Status server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						app.Logger.WithError(err).Warn("Status server forced to shut down")
					}
				}()
			}

			err = watcher.Run(ctx)
			app.Logger.Info("Watcher stopped")
			return err
		},
	}

	cmd.Flags().BoolVar(&processExisting, "existing", false, "Also upload images already in the directory")
	return cmd
}

func newStatusServer(app *App, ctrl *lifecycle.Controller) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", app.Metrics.Handler()).Methods("GET")
	api.NewHandler(api.Options{
		Logger:  app.Logger,
		History: app.DB.Uploads,
		Jobs:    app.Backend,
		Status:  ctrl,
		Ready:   app.DB.PingContext,
	}).RegisterRoutes(router)

	handler := middleware.RecoveryMiddleware(app.Logger)(router)
	handler = middleware.LoggingMiddleware(app.Logger)(handler)
	handler = middleware.TracingMiddleware()(handler)
	handler = middleware.SecurityHeadersMiddleware()(handler)

	return &http.Server{
		Addr:              app.Config.Metrics.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

func logNotice(logger *logrus.Logger, n lifecycle.Notice) {
	entry := logger.WithFields(logrus.Fields{
		"state":       n.State,
		"document_id": n.DocumentID,
	})
	switch n.Kind {
	case lifecycle.NoticeError, lifecycle.NoticeValidation:
		entry.WithError(n.Err).Warn(n.Message)
	case lifecycle.NoticeProgress:
		entry.WithField("progress", n.Progress).Debug(n.Message)
	default:
		entry.Info(n.Message)
	}
}
