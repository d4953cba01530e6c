package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	geminibackend "github.com/aarogyalink/companion/internal/backend/gemini"
	teachablebackend "github.com/aarogyalink/companion/internal/backend/teachable"
	"github.com/aarogyalink/companion/internal/config"
	"github.com/aarogyalink/companion/internal/dispatch"
	"github.com/aarogyalink/companion/internal/frontdoor/health"
	"github.com/aarogyalink/companion/internal/server"
	"github.com/aarogyalink/companion/internal/storage"
	"github.com/aarogyalink/companion/internal/storage/memory"
	"github.com/aarogyalink/companion/internal/storage/sqldb"
	"github.com/aarogyalink/companion/internal/upload"
)

// openStore returns the configured store, or nil for driver "none".
func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "memory":
		return memory.New(), nil
	case "sqlite", "sqlite3":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
	}

	store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// ensureDir creates the parent directory of a SQLite file DSN.
func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}

// buildDispatcher wires both backends behind the dispatcher.
func buildDispatcher(cfg *config.Config, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	if !cfg.GeminiConfigured() {
		logger.Warn("gemini api key not configured; primary backend calls will fail")
	}
	if !cfg.TeachableConfigured() {
		logger.Warn("teachable api key not configured; secondary backend calls will fail")
	}

	primary := geminibackend.New(cfg.Gemini.APIKey,
		geminibackend.WithBaseURL(cfg.Gemini.BaseURL),
		geminibackend.WithModel(cfg.Gemini.Model),
		geminibackend.WithHTTPClient(instrumentedClient(cfg.Gemini.Timeout)),
	)
	secondary := teachablebackend.New(cfg.Teachable.APIKey,
		teachablebackend.WithBaseURL(cfg.Teachable.BaseURL),
		teachablebackend.WithMaxTokens(cfg.Teachable.MaxTokens),
		teachablebackend.WithTemperature(cfg.Teachable.Temperature),
		teachablebackend.WithHTTPClient(instrumentedClient(cfg.Teachable.Timeout)),
	)

	return dispatch.New(primary, secondary,
		dispatch.WithMode(dispatch.Mode(cfg.Dispatch.Mode)),
		dispatch.WithBackendTimeout(cfg.Dispatch.BackendTimeout),
		dispatch.WithLogger(logger),
	)
}

func instrumentedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// buildServer assembles the router with every route mounted.
func buildServer(cfg *config.Config, store storage.Store, logger *slog.Logger) (*server.Server, error) {
	d, err := buildDispatcher(cfg, logger)
	if err != nil {
		return nil, err
	}

	stage, err := upload.NewStage(cfg.Upload.Dir, logger)
	if err != nil {
		return nil, err
	}

	srv := server.New(server.Config{
		Addr:           cfg.Addr(),
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	handler := health.NewHandler(health.Config{
		Dispatcher: d,
		Store:      store,
		Validator:  upload.NewValidator(cfg.Upload.MaxBytes),
		Stage:      stage,
		Services: health.Services{
			Gemini:    cfg.GeminiConfigured(),
			Teachable: cfg.TeachableConfigured(),
		},
		Logger: logger,
	})
	handler.RegisterRoutes(srv.Router)

	return srv, nil
}
