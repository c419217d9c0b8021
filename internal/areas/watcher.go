package areas

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads an area file after it changes and hands the result to a callback. The
// parent directory is watched so that editors which replace the file by rename are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(workspace.BuildableAreaSet)
	log      *slog.Logger

	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(path string, debounce time.Duration, onChange func(workspace.BuildableAreaSet), logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		log:      logger.With("component", "areas", "path", abs),
		watcher:  fw,
	}, nil
}

// Run blocks until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopTimer()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("area watcher error", "err", err)
		case <-ctx.Done():
			_ = w.watcher.Close()
			return nil
		}
	}
}

func (w *Watcher) Close() error { return w.watcher.Close() }

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
	w.mu.Unlock()
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) reload() {
	set, err := Load(w.path)
	if err != nil {
		w.log.Warn("area reload failed", "err", err)
		return
	}
	w.log.Info("areas reloaded", "areas", len(set))
	if w.onChange != nil {
		w.onChange(set)
	}
}
