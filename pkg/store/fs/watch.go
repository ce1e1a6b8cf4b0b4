package fs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch emits a signal whenever something changes under the workspace, so a
// poll driver can retry early instead of sleeping out its full slice. The
// returned channel has a buffer of one and coalesces bursts; it is closed
// when ctx ends. Watching is best effort: the protocol stays correct on
// polling alone, a missed event only costs one poll interval.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		watcher.Close()
		return nil, err
	}
	// fsnotify does not recurse; watch every directory currently present
	// and pick up new ones as their create events arrive.
	err = filepath.WalkDir(s.workspace, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, nil
}
