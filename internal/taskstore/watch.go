package taskstore

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports changes to the backing tasks.json file: each write, create,
// or rename of the file sends one (coalesced) signal on the returned
// channel. The engine's continuous mode uses this to wake up as soon as an
// external intake path appends tasks, instead of relying only on its poll
// interval. The watcher runs until ctx is cancelled, at which point the
// channel is closed.
//
// The store's own persist() also lands here (the atomic rename is a rename
// event on the watched directory); a spurious wake-up is harmless since the
// caller re-reads the backlog either way.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic replacement swaps the inode
	// out from under a file-level watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	base := filepath.Base(s.path)
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}
