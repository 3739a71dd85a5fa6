package settings

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Loader reads a fresh snapshot, typically from the server config file.
type Loader func() (Settings, error)

// Watcher reloads settings when a file changes on disk.
type Watcher struct {
	path    string
	load    Loader
	manager *Manager
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches path and installs each reloaded snapshot as the manager's base.
// The parent directory is watched so that editors replacing the file are noticed.
func NewWatcher(path string, load Loader, manager *Manager, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()

		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:    abs,
		load:    load,
		manager: manager,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Run handles events until ctx is done. It always closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.watcher.Close()
	}()

	w.logger.Debug("Watching config file", zap.String("path", w.path))

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ctx, event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("Config watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	s, err := w.load()
	if err != nil {
		w.logger.Warn("Failed to reload config", zap.String("path", w.path), zap.Error(err))

		return
	}

	if err := w.manager.SetBase(ctx, s); err != nil {
		return
	}

	w.logger.Info("Reloaded settings from config", zap.String("path", w.path))
}
