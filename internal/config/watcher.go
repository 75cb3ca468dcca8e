// Package config - hot reloading of configuration in development.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and hot reloads it. Hot reloading
// is only enabled in development; in production the watcher is inert.
type Watcher struct {
	mu        sync.RWMutex
	config    *Config
	path      string
	callbacks []func(*Config)
	logger    *zap.Logger
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher around an already loaded configuration.
// path may be empty, in which case no file is watched.
func NewWatcher(initial *Config, path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		config: initial,
		path:   path,
		logger: logger.Named("config_watcher"),
		stopCh: make(chan struct{}),
	}

	if initial.Environment != Development || path == "" {
		w.logger.Info("configuration hot reloading disabled",
			zap.String("environment", string(initial.Environment)))
		return w, nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which drops the
	// watch on the file itself.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	w.watcher = fsWatcher
	go w.watchLoop()

	w.logger.Info("configuration hot reloading enabled", zap.String("path", path))
	return w, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnReload registers a callback invoked with the new configuration after a
// successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == filepath.Clean(w.path) ||
		strings.HasSuffix(event.Name, filepath.Base(w.path))
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.config = cfg
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
