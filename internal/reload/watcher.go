// Package reload detects configuration file changes by polling modification
// time and size. It deliberately avoids inotify so the same code works on
// network mounts and in containers.
package reload

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks configuration files and reports modifications.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher snapshots the given paths. Missing paths are skipped and show up
// as changed once they appear.
func NewWatcher(paths ...string) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(paths...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the tracked snapshot with the current state of the paths.
func (w *Watcher) Update(paths ...string) error {
	states := make(map[string]fileState, len(paths))
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		states[abs] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the tracked files that changed since the last snapshot. A
// deleted file counts as changed.
func (w *Watcher) Check() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if !info.ModTime().Equal(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	return changed, nil
}
