package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"gemdesk/internal/fileutil"
	"gemdesk/internal/logging"
)

// watchDebounce coalesces the burst of events an atomic rename produces.
const watchDebounce = 200 * time.Millisecond

// FileStore keeps the whitelist in a YAML file.
type FileStore struct {
	path string
}

// NewFileStore creates a store for path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the whitelist; a missing file is an empty whitelist.
func (s *FileStore) Load() (Whitelist, error) {
	var wl Whitelist

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return wl, nil
		}
		return wl, err
	}

	if err := yaml.Unmarshal(data, &wl); err != nil {
		return Whitelist{}, fmt.Errorf("failed to parse whitelist %s: %w", s.path, err)
	}
	return wl, nil
}

// Save writes the whitelist atomically.
func (s *FileStore) Save(wl Whitelist) error {
	return fileutil.WriteYAML(s.path, wl, 0600)
}

// Watch calls onChange whenever the whitelist file is written, created,
// renamed or removed, until ctx is done. The parent directory is watched
// so atomic replacements are seen.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	name := filepath.Base(s.path)
	go func() {
		defer w.Close()

		timer := time.NewTimer(watchDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("whitelist watcher error", "error", err)
			case <-timer.C:
				onChange()
			}
		}
	}()

	return nil
}

// Watch reloads the ledger whenever its file store changes on disk.
// Stores that are not file backed are ignored.
func (l *Ledger) Watch(ctx context.Context) error {
	fs, ok := l.store.(*FileStore)
	if !ok {
		return nil
	}
	return fs.Watch(ctx, func() {
		if err := l.Reload(); err != nil {
			logging.Warn("whitelist reload failed", "path", fs.Path(), "error", err)
		}
	})
}
