package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher seeded with the already-loaded config.
func NewWatcher(path string, current *Config, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:    path,
		logger:  logger,
		current: current,
	}, nil
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch starts watching the file and calls onChange after every successful
// reload. It returns once the watch is registered; events are handled on a
// goroutine until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	// Watch the directory so saves that rename over the file keep reloading.
	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	w.logger.Info("watching config file for changes", slog.String("path", w.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				w.logger.Debug("config watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				w.logger.Info("config file changed, reloading", slog.String("path", event.Name))

				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Error("failed to reload config",
						slog.String("error", err.Error()),
						slog.String("path", w.path))
					continue
				}

				w.mu.Lock()
				w.current = cfg
				w.mu.Unlock()

				onChange(cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return w.watcher.Close()
	}

	return nil
}

// LevelUpdater returns an onChange callback that applies log.level to lv.
func LevelUpdater(lv *slog.LevelVar, logger *slog.Logger) func(*Config) {
	return func(cfg *Config) {
		level, err := ParseLevel(cfg.Log.Level)
		if err != nil {
			logger.Warn("ignoring invalid log level", slog.String("level", cfg.Log.Level))
			return
		}
		if lv.Level() != level {
			logger.Info("log level changed", slog.String("level", level.String()))
			lv.Set(level)
		}
	}
}
