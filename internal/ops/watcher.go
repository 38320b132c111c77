package ops

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"exchange/internal/risk"
)

// Watcher reloads the risk section of the reference data file when it changes on disk.
// Instruments, sessions and policies need a restart.
type Watcher struct {
	path string

	mu        sync.Mutex
	limits    risk.Limits
	listeners []func(risk.Limits)
}

// NewWatcher loads the current limits from path.
func NewWatcher(path string) (*Watcher, error) {
	limits, err := LoadRiskLimits(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: filepath.Clean(path), limits: limits}, nil
}

// Limits returns the last successfully loaded limits.
func (w *Watcher) Limits() risk.Limits {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limits
}

// OnUpdate registers listeners called after each successful reload.
func (w *Watcher) OnUpdate(fns ...func(risk.Limits)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fns...)
	w.mu.Unlock()
}

// Run watches the file's directory until ctx is done. Editors that replace the file through a
// rename are handled because the directory is watched, not the inode.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fs watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrap(err, "watch reference data").With("path", w.path)
	}
	logs.Infof("watching %s for risk limit changes", w.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !event.Has(fsnotify.Write) {
				// replaced files may not be complete yet
				time.Sleep(50 * time.Millisecond)
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logs.Errorf("risk limit watcher, err: %+v", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload() {
	limits, err := LoadRiskLimits(w.path)
	if err != nil {
		logs.Errorf("reload risk limits from %s, err: %+v", w.path, err)
		return
	}

	w.mu.Lock()
	if limits == w.limits {
		w.mu.Unlock()
		return
	}
	w.limits = limits
	listeners := append(([]func(risk.Limits))(nil), w.listeners...)
	w.mu.Unlock()

	logs.Infof("risk limits reloaded from %s", w.path)
	for _, fn := range listeners {
		fn(limits)
	}
}
