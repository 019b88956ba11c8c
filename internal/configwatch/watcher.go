// Package configwatch reloads the configuration file when it changes on disk.
package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/paramhub/config"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period between the last write and the reload.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives each configuration that loaded and validated cleanly.
type ReloadFunc func(cfg *config.Config)

// Watcher watches one configuration file. Editors often replace files by
// rename, so the containing directory is watched and events are filtered by
// name. A symlinked file also has its target directory watched.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	targets  map[string]struct{}
	debounce time.Duration
	onReload ReloadFunc
	logger   *logrus.Entry

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for path. A non-positive debounce uses DefaultDebounce.
func New(path string, debounce time.Duration, onReload ReloadFunc, logger *logrus.Entry) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = logrus.NewEntry(l)
	}

	w := &Watcher{
		watcher:  watcher,
		path:     abs,
		targets:  map[string]struct{}{abs: {}},
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	// fsnotify doesn't follow symlinks, so watch the target explicitly
	if target, err := filepath.EvalSymlinks(abs); err == nil && target != abs {
		w.targets[target] = struct{}{}
		if filepath.Dir(target) != filepath.Dir(abs) {
			if err := watcher.Add(filepath.Dir(target)); err != nil {
				logger.WithError(err).Warnf("Failed to watch symlink target dir %s", filepath.Dir(target))
			}
		}
	}
	return w, nil
}

// Start processes file events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Start(ctx context.Context) {
	defer w.stopTimer()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.targets[event.Name]; !watched {
				continue
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

// schedule restarts the debounce timer so only the last of a burst of writes reloads.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.WithError(err).Warn("Config file missing, keeping current settings")
		return
	}
	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Config reload failed, keeping current settings")
		return
	}
	w.logger.Infof("Config changed: %s", filepath.Base(w.path))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
