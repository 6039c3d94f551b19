package instance

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// waitForRemoval blocks until path disappears, the timeout elapses or ctx
// ends. Directory events wake the wait early; the poll interval bounds it
// when the filesystem does not deliver events.
func waitForRemoval(ctx context.Context, path string, interval, timeout time.Duration) error {
	if !fileExists(path) {
		return nil
	}
	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case <-ticker.C:
		case <-deadline.C:
			if !fileExists(path) {
				return nil
			}
			return ErrStopTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
		if !fileExists(path) {
			return nil
		}
	}
}
