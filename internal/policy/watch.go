package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watcher hot-reloads the engine's rule table when the policy file changes.
// Reload failures keep the previous table and are logged.
type Watcher struct {
	path   string
	engine *Engine
	logger *slog.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewWatcher creates a watcher for the given policy file. Start must be
// called to begin watching.
func NewWatcher(path string, engine *Engine, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   path,
		engine: engine,
		logger: logger.With("component", "policy_watcher"),
	}
}

// Start begins watching the policy file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx, watcher)

	w.logger.Info("watching policy file", "path", w.path)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	cancel := w.cancel
	w.watcher = nil
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, w.reload)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous table", "error", err)
		return
	}
	w.engine.Swap(cfg)
}
