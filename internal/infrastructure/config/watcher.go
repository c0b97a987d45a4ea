package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/quillchat/quill/pkg/safego"
)

// debounce window: editors fire several events per save.
const reloadDebounce = 500 * time.Millisecond

// pollInterval is the fallback cadence when fsnotify cannot watch a path
// (network filesystems, some containers).
const pollInterval = 10 * time.Second

// Watcher reloads the config when a config file changes and hands the fresh
// Config to the callback. Reload failures keep the previous config.
type Watcher struct {
	logger   *zap.Logger
	onReload func(*Config)

	mu      sync.Mutex
	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher. onReload runs on the watcher goroutine.
func NewWatcher(onReload func(*Config), logger *zap.Logger) *Watcher {
	return &Watcher{
		logger:   logger.With(zap.String("component", "config_watcher")),
		onReload: onReload,
	}
}

// Start begins watching the global and local config files. It falls back to
// mtime polling when the notify watcher cannot be created.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	paths := watchPaths()
	if len(paths) == 0 {
		w.logger.Info("no config files present, watcher idle")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		safego.Go(w.logger, "config-poll", func() { w.pollLoop(ctx, paths) })
		return nil
	}

	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			w.logger.Warn("cannot watch config file",
				zap.String("path", p), zap.Error(err))
		}
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	safego.Go(w.logger, "config-watch", func() { w.watchLoop(ctx, fsw) })
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
		w.watcher = nil
	}
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: reset the timer on every event in the window.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)
			// Editors that rename-replace drop the watch on the old inode.
			if event.Op&fsnotify.Rename != 0 {
				_ = fsw.Add(event.Name)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context, paths []string) {
	mtimes := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			mtimes[p] = info.ModTime()
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := false
			for _, p := range paths {
				info, err := os.Stat(p)
				if err != nil {
					continue
				}
				if mt := info.ModTime(); mt.After(mtimes[p]) {
					mtimes[p] = mt
					changed = true
				}
			}
			if changed {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load()
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", zap.Error(err))
		return
	}
	w.logger.Info("config reloaded")
	w.onReload(cfg)
}

func watchPaths() []string {
	var paths []string
	if p := GlobalConfigPath(); p != "" {
		paths = append(paths, p)
	}
	if p := LocalConfigPath(); p != "" {
		paths = append(paths, p)
	}
	return paths
}
