package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lucent-health/prism/internal/bundle"
)

// Watcher hot-loads new bundle directories dropped under a root directory,
// so a new model version can roll out without restarting the process. Only
// additions are acted on: versions are never reloaded or removed by the
// watcher (retirement is an explicit operator action).
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	dir      string
	loaded   map[string]bool // bundle dirs already handled
}

// NewWatcher creates a watcher over the bundle root directory.
func NewWatcher(r *Registry, dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("registry: watch %s: %w", dir, err)
	}
	return &Watcher{registry: r, watcher: fw, dir: dir, loaded: make(map[string]bool)}, nil
}

// Run processes events until ctx is cancelled. A bundle is loaded when its
// weights file appears, by which point the manifest is expected to exist —
// bundle publication must write the manifest first, weights last.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// fsnotify is not recursive: when a new bundle directory appears
			// under the root, start watching inside it so the weights-file
			// write is observed.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if filepath.Dir(event.Name) == filepath.Clean(w.dir) {
					_ = w.watcher.Add(event.Name)
					// The directory may already be complete (moved into
					// place atomically rather than written in place).
					w.tryLoad(filepath.Join(event.Name, bundle.WeightsFile))
				}
				continue
			}
			w.tryLoad(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.registry.logger.Warn("bundle watcher error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// tryLoad loads the bundle containing path if the event completes one.
// Already-loaded versions are rejected by the registry, which keeps repeat
// events harmless.
func (w *Watcher) tryLoad(path string) {
	dir := w.bundleDirFor(path)
	if dir == "" || w.loaded[dir] {
		return
	}
	if _, err := w.registry.Load(dir); err != nil {
		w.registry.logger.Warn("bundle hot-load failed", "dir", dir, "error", err)
		return
	}
	w.loaded[dir] = true
}

// bundleDirFor maps a filesystem event to a loadable bundle directory. It
// reacts only once per bundle: when the weights file lands inside a
// subdirectory that already carries a manifest and is not yet loaded.
func (w *Watcher) bundleDirFor(path string) string {
	if filepath.Base(path) != bundle.WeightsFile {
		return ""
	}
	dir := filepath.Dir(path)
	if filepath.Dir(dir) != filepath.Clean(w.dir) {
		return ""
	}
	if _, err := os.Stat(filepath.Join(dir, bundle.ManifestFile)); err != nil {
		return ""
	}
	return dir
}
