package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// Watcher reloads a config file when it changes.
//
// The file's directory is watched rather than the file, so editors that
// replace the file on save are still seen.
type Watcher struct {
	path      string
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	overrides func(*Config)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithOverrides applies fn to every reloaded configuration before it is
// validated, so settings taken from elsewhere keep precedence over the file.
func WithOverrides(fn func(*Config)) WatcherOption {
	return func(w *Watcher) {
		w.overrides = fn
	}
}

// NewWatcher starts watching the directory of path.
func NewWatcher(path string, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{path: path, watcher: watcher, logger: logger}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Run calls onChange with every valid configuration loaded after the file
// changed, with any overrides applied. Invalid configurations are logged and skipped. It blocks until
// ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	defer w.watcher.Close()

	w.logger.Info("watching config for changes", "path", w.path)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			w.logger.Debug("config file changed", "op", event.Op)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				cfg, err := Load(w.path)
				if err == nil {
					if w.overrides != nil {
						w.overrides(cfg)
					}

					err = cfg.Validate()
				}

				if err != nil {
					w.logger.Error("config reload failed", "err", err)
					return
				}

				w.logger.Info("config reloaded", "path", w.path)
				onChange(cfg)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Error("config watcher error", "err", err)
		}
	}
}
