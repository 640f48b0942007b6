// Package filewatcher provides file system monitoring adapters.
// Clean Architecture: Adapter implementing ports.FileWatcher.
package filewatcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// DefaultExtensions are the document types dropped into the inbox.
var DefaultExtensions = []string{".pdf", ".docx", ".txt", ".md"}

// FSNotifyWatcher implements ports.FileWatcher using fsnotify. It watches a
// whole tree: directories created later are added as they appear, and
// directories whose name starts with a dot are skipped.
type FSNotifyWatcher struct {
	watcher    *fsnotify.Watcher
	extensions []string
	log        zerolog.Logger
}

// NewFSNotifyWatcher creates a new file watcher.
func NewFSNotifyWatcher(extensions []string) (*FSNotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	normalized := make([]string, len(extensions))
	for i, e := range extensions {
		normalized[i] = strings.ToLower(e)
	}

	return &FSNotifyWatcher{
		watcher:    w,
		extensions: normalized,
		log:        log.With().Str("component", "filewatcher").Logger(),
	}, nil
}

// Watch starts monitoring the tree under dir. Files already present are
// reported as created before any live event.
func (w *FSNotifyWatcher) Watch(ctx context.Context, dir string) (<-chan ports.FileEvent, error) {
	existing, err := w.addTree(dir)
	if err != nil {
		return nil, err
	}

	events := make(chan ports.FileEvent, 100)

	go func() {
		defer close(events)

		emit := func(ev ports.FileEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, path := range existing {
			if !emit(ports.FileEvent{Path: path, Operation: ports.FileCreated}) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}

				if event.Op&fsnotify.Create == fsnotify.Create && isDir(event.Name) {
					if hidden(filepath.Base(event.Name)) {
						continue
					}
					// Files may land before the new directory is watched.
					found, err := w.addTree(event.Name)
					if err != nil {
						w.log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
						continue
					}
					for _, path := range found {
						if !emit(ports.FileEvent{Path: path, Operation: ports.FileCreated}) {
							return
						}
					}
					continue
				}

				if !w.isWatchedExtension(event.Name) {
					continue
				}

				var op ports.FileOperation
				switch {
				case event.Op&fsnotify.Create == fsnotify.Create:
					op = ports.FileCreated
				case event.Op&fsnotify.Write == fsnotify.Write:
					op = ports.FileModified
				case event.Op&fsnotify.Remove == fsnotify.Remove, event.Op&fsnotify.Rename == fsnotify.Rename:
					op = ports.FileDeleted
				default:
					continue
				}

				if !emit(ports.FileEvent{Path: event.Name, Operation: op}) {
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn().Err(err).Msg("Watcher error")
			}
		}
	}()

	return events, nil
}

// addTree watches root and its visible subdirectories, returning the
// matching files found along the way.
func (w *FSNotifyWatcher) addTree(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && hidden(d.Name()) {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		if !hidden(d.Name()) && w.isWatchedExtension(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Stop stops the watcher.
func (w *FSNotifyWatcher) Stop() error {
	return w.watcher.Close()
}

// isWatchedExtension checks if the file has a watched extension.
func (w *FSNotifyWatcher) isWatchedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
