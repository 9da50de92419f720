// Package bootstrap wires configuration, persistence, workers and the HTTP
// surface into one runnable service.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"meeting-taskflow/internal/api"
	"meeting-taskflow/internal/cleanup"
	"meeting-taskflow/internal/config"
	"meeting-taskflow/internal/diagnostics"
	"meeting-taskflow/internal/extract"
	"meeting-taskflow/internal/jobs"
	"meeting-taskflow/internal/limiter"
	"meeting-taskflow/internal/pipeline"
	"meeting-taskflow/internal/staging"
	"meeting-taskflow/internal/store"
	"meeting-taskflow/internal/transcribe"
	"meeting-taskflow/internal/upload"
	"meeting-taskflow/internal/worker"
)

// persistence is everything the service needs from the database.
type persistence interface {
	pipeline.Gateway
	api.TaskStore
	diagnostics.Pinger
	Close() error
}

// App owns the long-lived service components.
type App struct {
	Settings config.Settings
	Logger   *slog.Logger
	Pipeline *pipeline.Pipeline
	Cleanup  *cleanup.Manager
	Checker  *diagnostics.Checker

	db      persistence
	handler http.Handler

	mu     sync.Mutex
	report diagnostics.Report
}

// New loads settings, applies env overrides, opens the database and
// assembles the service.
func New(configStore config.Store, logger *slog.Logger) (*App, error) {
	settings, err := configStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	settings = config.Normalize(config.ApplyEnv(settings, os.Getenv))
	if err := config.Validate(settings); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	db, err := store.Open(settings.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return newApp(settings, db, worker.NewExecRunner(), diagnostics.NewChecker(db), logger), nil
}

// newApp assembles components around injectable persistence and process runner.
func newApp(
	settings config.Settings,
	db persistence,
	runner worker.Runner,
	checker *diagnostics.Checker,
	logger *slog.Logger,
) *App {
	if logger == nil {
		logger = slog.Default()
	}

	cleaner := cleanup.NewManager(settings.Staging.Dir, settings.Staging.KeepArtifacts, logger)
	tracker := jobs.NewTracker(jobs.NewEventBus(settings.Events.History))
	p := pipeline.New(pipeline.Deps{
		Validator: upload.NewValidator(settings.Upload.AllowedExtensions, settings.Upload.MaxBytes),
		Staging:   staging.NewStore(settings.Staging.Dir),
		Cleanup:   cleaner,
		Limiter:   limiter.New(settings.Workers.MaxConcurrent, settings.Workers.QueueTimeout),
		Transcriber: transcribe.NewInvoker(
			settings.Transcription.Command,
			settings.Transcription.Model,
			settings.Transcription.Timeout,
			runner,
		),
		Extractor: extract.NewInvoker(
			settings.Extraction.Command,
			settings.Extraction.Model,
			settings.Extraction.Timeout,
			runner,
		),
		Gateway: db,
		Tracker: tracker,
		Logger:  logger,
	})

	a := &App{
		Settings: settings,
		Logger:   logger,
		Pipeline: p,
		Cleanup:  cleaner,
		Checker:  checker,
		db:       db,
	}
	a.handler = api.NewRouter(&api.Handler{
		Pipeline:       p,
		Tasks:          db,
		Tracker:        tracker,
		Health:         a.RefreshDiagnostics,
		MaxUploadBytes: settings.Upload.MaxBytes,
		Logger:         logger,
	})
	return a
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Diagnostics returns the latest cached diagnostics report.
func (a *App) Diagnostics() diagnostics.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.report
}

// RefreshDiagnostics reruns dependency checks and caches the result.
func (a *App) RefreshDiagnostics(ctx context.Context) diagnostics.Report {
	report := a.Checker.Run(ctx, a.Settings)

	a.mu.Lock()
	a.report = report
	a.mu.Unlock()
	return report
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests and closes the database.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Settings.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Settings.Server.Address, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.closeStore()

	for _, item := range a.RefreshDiagnostics(ctx).Failures() {
		a.Logger.Warn("startup check failed", "check", item.ID, "message", item.Message, "hint", item.Hint)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweepLoop(sweepCtx)

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.Settings.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("server listening", "addr", ln.Addr().String())
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutting down", "timeout", a.Settings.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Settings.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// sweepLoop removes stale scratch files at startup and every sweep interval.
func (a *App) sweepLoop(ctx context.Context) {
	a.sweepOnce()

	ticker := time.NewTicker(a.Settings.Staging.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce()
		}
	}
}

// sweepOnce runs one stale sweep. The cleanup manager logs its own outcome.
func (a *App) sweepOnce() {
	_, _ = a.Cleanup.SweepStale(a.Settings.Staging.Retention)
}

func (a *App) closeStore() {
	if err := a.db.Close(); err != nil {
		a.Logger.Warn("close store", "err", err)
	}
}
