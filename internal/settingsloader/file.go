// Package settingsloader provides the out-of-band refresh of the settings
// snapshot (spec.md section 4.B: refresh "happens out-of-band by an
// external collaborator (file watcher or periodic bucket poller)"). This
// file-backed watcher is the default, concrete collaborator the gateway
// ships with.
//
// TODO: add a bucket-poller variant once a settings document format for
// object-store-backed deployments is specified.
package settingsloader

import (
	"context"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/newtab-tiles/tile-gateway/internal/settings"
)

// FileLoader watches a single settings document on disk and installs a
// freshly parsed Snapshot into a settings.Store on every write.
type FileLoader struct {
	Path  string
	Store *settings.Store
}

// NewFileLoader creates a FileLoader for path, installing into store.
func NewFileLoader(path string, store *settings.Store) *FileLoader {
	return &FileLoader{Path: path, Store: store}
}

// LoadOnce reads and installs the current contents of the watched path.
// Call this once at startup before Run so the gateway never starts with an
// empty Snapshot if a document is already present.
func (l *FileLoader) LoadOnce() error {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return err
	}
	return l.install(data)
}

// Run watches Path for changes until ctx is canceled, installing a new
// snapshot on every write. Parse failures are logged and otherwise
// ignored, leaving the previous snapshot in place (spec.md section 4.B:
// "Parsing failures preserve the previous snapshot").
func (l *FileLoader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(l.Path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			data, err := os.ReadFile(l.Path)
			if err != nil {
				slog.Warn("settings reload: read failed", "path", l.Path, "error", err)
				continue
			}
			if err := l.install(data); err != nil {
				slog.Warn("settings reload: parse failed, keeping previous snapshot", "path", l.Path, "error", err)
				continue
			}
			slog.Info("settings reloaded", "path", l.Path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}

func (l *FileLoader) install(data []byte) error {
	snap, err := settings.ParseSnapshot(data)
	if err != nil {
		return err
	}
	l.Store.Install(snap)
	return nil
}
