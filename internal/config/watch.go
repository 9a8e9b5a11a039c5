package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a workspace config file on change, debounced, and
// hands the re-Loaded Config to OnReload. Grounded on the teacher's
// skills.Manager file-watch loop (internal/skills/manager.go
// StartWatching/watchLoop): a single fsnotify.Watcher, a debounce timer
// reset on every event, and a cancelable goroutine drained on Close.
type Watcher struct {
	opts     LoadOptions
	onReload func(Config)
	log      *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	watch  *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher for opts.WorkspaceConfigPath. debounce
// defaults to 250ms, matching the teacher's own default.
func NewWatcher(opts LoadOptions, debounce time.Duration, onReload func(Config), log *slog.Logger) (*Watcher, error) {
	if opts.WorkspaceConfigPath == "" {
		return nil, fmt.Errorf("config: watcher requires a workspace config path")
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{opts: opts, onReload: onReload, log: log, debounce: debounce}, nil
}

// Start begins watching. Safe to call once; a second call is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watch != nil {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(w.opts.WorkspaceConfigPath); err != nil {
		_ = fw.Close()
		w.mu.Unlock()
		return fmt.Errorf("config: watch %s: %w", w.opts.WorkspaceConfigPath, err)
	}
	w.watch = fw
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops watching and waits for the loop goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watch
	w.watch = nil
	w.mu.Unlock()

	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	fw := w.watch
	w.mu.Unlock()
	if fw == nil {
		return
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			cfg, err := Load(w.opts)
			if err != nil {
				w.log.Warn("config reload failed", "error", err)
				return
			}
			if w.onReload != nil {
				w.onReload(cfg)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}
