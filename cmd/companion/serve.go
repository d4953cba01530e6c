package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aarogyalink/companion/internal/config"
	"github.com/aarogyalink/companion/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, lv, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Exporter:    cfg.Telemetry.Exporter,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	logger.Info("storage ready", slog.String("driver", cfg.Storage.Driver))

	srv, err := buildServer(cfg, store, logger)
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil {
		watcher, err := config.NewWatcher(configPath, cfg, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err := watcher.Watch(ctx, config.LevelUpdater(lv, logger)); err != nil {
			logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("AarogyaLink companion started",
		slog.String("addr", cfg.Addr()),
		slog.String("dispatch_mode", cfg.Dispatch.Mode),
		slog.Bool("gemini", cfg.GeminiConfigured()),
		slog.Bool("teachable", cfg.TeachableConfigured()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
