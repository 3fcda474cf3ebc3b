// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/starford/gallery/internal/api"
	"github.com/starford/gallery/internal/diff"
	"github.com/starford/gallery/internal/events"
	"github.com/starford/gallery/internal/imageservice"
	"github.com/starford/gallery/internal/index"
	"github.com/starford/gallery/internal/manifest"
	"github.com/starford/gallery/internal/mcpserver"
	"github.com/starford/gallery/internal/models"
	"github.com/starford/gallery/internal/realtime"
	"github.com/starford/gallery/internal/remote"
	"github.com/starford/gallery/internal/storage"
	"github.com/starford/gallery/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

var errConfigRequired = errors.New("config is required")

// newLogger builds the JSON logger. When a log file is configured, records go
// to both out and a size-rotated file.
func newLogger(cfg ApplicationConfig, out io.Writer) (*slog.Logger, func()) {
	if out == nil {
		out = os.Stdout
	}
	closeFn := func() {}
	if cfg.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		out = io.MultiWriter(out, rotated)
		closeFn = func() { _ = rotated.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	return logger, closeFn
}

// core holds the pieces every entry point shares.
type core struct {
	backend storage.Backend
	github  *storage.GitHub
	db      *index.DB
	scanner *manifest.Scanner
}

func openCore(cfg *Config, logger *slog.Logger) (*core, error) {
	backend, gh, err := cfg.Storage.NewBackend(logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	db, err := index.Open(cfg.Index.Path)
	if err != nil {
		return nil, fmt.Errorf("init index: %w", err)
	}
	scanner := manifest.NewScanner(backend, cfg.Storage.ScanDir, logger,
		manifest.WithURLPrefix(cfg.Storage.PublicPrefix))
	return &core{backend: backend, github: gh, db: db, scanner: scanner}, nil
}

// Run starts the HTTP server, the sync loop and the realtime hub, and blocks
// until ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, app.logOut)
	defer closeLog()
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("storage_backend", cfg.Storage.Backend),
		slog.String("sync_source", cfg.Sync.Source),
		slog.String("index_path", cfg.Index.Path),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("log_level", cfg.App.LogLevel.String()))

	c, err := openCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	hub := realtime.NewHub(cfg.Realtime.hubConfig(), logger)
	defer hub.Close()

	rem := cfg.remoteFor(c.github, remote.NewScan(c.scanner), logger)
	syncSvc := syncer.New(cfg.Sync.syncerConfig(), rem, hub, logger, syncer.WithStore(c.db))

	svc := imageservice.NewService(c.backend, c.db, syncSvc, c.scanner, logger)
	rt := realtime.NewHandler(hub, syncSvc, logger, realtime.WithKeepalive(cfg.Realtime.Keepalive))
	h := api.NewHandler(svc, syncSvc, hub, api.WebhookOptions{
		Secret: cfg.Webhook.Secret,
		Branch: cfg.Webhook.Branch,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Mount("/api", api.NewRouter(h, cfg.Auth.options(), http.HandlerFunc(rt.ServeSSE)))
	r.Get("/ws", rt.ServeWS)
	if prefix := cfg.Storage.PublicPrefix; strings.HasPrefix(prefix, "/") {
		r.Get(strings.TrimSuffix(prefix, "/")+"/*", h.Media)
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return syncSvc.Run(gCtx)
	})

	if fs, ok := c.backend.(*storage.FS); ok && cfg.Sync.Watch {
		g.Go(func() error {
			err := fs.Watch(gCtx, cfg.Sync.WatchDebounce, logger, func() {
				syncSvc.TriggerAsync(events.TriggerWatch, "")
			})
			if err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// ScanReport describes one Scan.
type ScanReport struct {
	Manifest  *models.Manifest
	Delta     models.SyncDelta
	Published bool
}

// Scan builds the manifest from the configured backend and publishes it at
// the manifest path. A file lock keeps concurrent scans from interleaving.
func Scan(ctx context.Context, opts ...Option) (*ScanReport, error) {
	app, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, app.logOut)
	defer closeLog()

	lock, err := manifest.AcquireLock(cfg.Storage.LockFile)
	if err != nil {
		return nil, err
	}
	defer lock.Release() //nolint:errcheck // released on exit anyway

	backend, _, err := cfg.Storage.NewBackend(logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	scanner := manifest.NewScanner(backend, cfg.Storage.ScanDir, logger,
		manifest.WithURLPrefix(cfg.Storage.PublicPrefix))

	prev, err := manifest.Load(ctx, backend, cfg.Storage.ManifestPath)
	if err != nil {
		logger.Info("scan: no previous manifest", slog.String("error", err.Error()))
	}

	m, err := scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	if prev != nil && !m.Generated.After(prev.Generated) {
		m.Generated = prev.Generated.Add(time.Millisecond)
		m.Version = m.Generated.UnixMilli()
	}

	report := &ScanReport{Manifest: m, Delta: diff.Compute(prev, m), Published: !app.dryRun}
	if app.dryRun {
		return report, nil
	}
	if err := manifest.Publish(ctx, backend, cfg.Storage.ManifestPath, m); err != nil {
		return nil, err
	}
	logger.Info("scan: manifest published",
		slog.String("path", cfg.Storage.ManifestPath),
		slog.Int("count", m.Count),
		slog.Int("added", len(report.Delta.Added)),
		slog.Int("updated", len(report.Delta.Updated)),
		slog.Int("deleted", len(report.Delta.Deleted)))
	return report, nil
}

// ServeMCP runs the MCP tools over stdio until the peer disconnects.
func ServeMCP(_ context.Context, opts ...Option) error {
	app, err := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	if err != nil {
		return err
	}
	cfg := app.config

	logger, closeLog := newLogger(cfg.App, app.logOut)
	defer closeLog()
	slog.SetDefault(logger)

	c, err := openCore(cfg, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	svc := imageservice.NewService(c.backend, c.db, nil, c.scanner, logger)
	logger.Info("mcp: serving on stdio", slog.String("storage_backend", c.backend.Name()))
	return mcpserver.New(svc, app.version).ServeStdio()
}
