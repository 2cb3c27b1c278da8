package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"crdtstore/internal/logging"
)

// FileSource watches a single JSON file on disk holding the current
// Scheme, re-reading it whenever fsnotify reports a write. This is the
// simplest backend: useful for a single operator hand-editing or
// scripting scheme changes without standing up a broker.
type FileSource struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	started bool
}

// NewFileSource watches the directory containing path (fsnotify watches
// directories, not bare files, so a rename-based atomic write to path
// is still observed).
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("discovery: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("discovery: watch %s: %w", dir, err)
	}
	return &FileSource{
		path:    path,
		watcher: watcher,
		logger:  logging.Default(logger).With("component", "discovery-file", "path", path),
	}, nil
}

func (f *FileSource) readFile() (Scheme, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Scheme{}, fmt.Errorf("discovery: read %s: %w", f.path, err)
	}
	var sch Scheme
	if err := json.Unmarshal(data, &sch); err != nil {
		return Scheme{}, fmt.Errorf("discovery: parse %s: %w", f.path, err)
	}
	return sch, nil
}

// Next returns the file's current contents on the very first call (so a
// node starting up doesn't have to wait for an edit to get its first
// scheme), then blocks until the file changes again.
func (f *FileSource) Next(ctx context.Context) (Scheme, error) {
	if !f.started {
		f.started = true
		if sch, err := f.readFile(); err == nil {
			return sch, nil
		}
		// File doesn't exist yet or is malformed: fall through to
		// waiting for a write event instead of failing the first call.
	}
	for {
		select {
		case <-ctx.Done():
			return Scheme{}, ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return Scheme{}, ErrClosed
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			sch, err := f.readFile()
			if err != nil {
				return Scheme{}, err
			}
			f.logger.Info("loaded scheme update", "version", sch.Version)
			return sch, nil
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return Scheme{}, ErrClosed
			}
			return Scheme{}, fmt.Errorf("discovery: watch error: %w", err)
		}
	}
}

// Close stops watching the file.
func (f *FileSource) Close() error { return f.watcher.Close() }
