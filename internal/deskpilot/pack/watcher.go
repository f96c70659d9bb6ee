package pack

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow is how long a pack file must stay quiet after its last
// write before reloading. Editors save in bursts.
const debounceWindow = 500 * time.Millisecond

// Watcher hot-reloads pack files when they change on disk. Reloads go
// through the same Loader as startup, so registry.Replace keeps the
// last-written definition of each command.
type Watcher struct {
	loader *Loader
	dir    string
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher returns a Watcher over dir. Call Run to start it.
func NewWatcher(loader *Loader, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:  loader,
		dir:     dir,
		fsw:     fsw,
		pending: make(map[string]time.Time),
	}, nil
}

// Run watches the pack directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	if err := w.fsw.Add(w.dir); err != nil {
		slog.Warn("pack: cannot watch directory; hot reload disabled",
			"dir", w.dir, "err", err)
		return
	}
	slog.Info("pack: watching for changes", "dir", w.dir)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("pack: watcher error", "err", err)

		case <-ticker.C:
			w.reloadSettled()
		}
	}
}

// handleEvent records a pack-file change for debounced reloading.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isPackFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// reloadSettled reloads files whose last change is past the debounce window.
func (w *Watcher) reloadSettled() {
	now := time.Now()
	var ready []string

	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= debounceWindow {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Deleted between the event and the reload. Registered aliases
			// stay until the process restarts.
			continue
		}
		slog.Info("pack: reloading changed pack", "path", path)
		if err := w.loader.LoadFile(path); err != nil {
			slog.Error("pack: reload failed; previous definitions remain",
				"path", path, "err", err)
		}
	}
}
