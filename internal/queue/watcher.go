package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SlotWatcher reports changes to a FileSlot's file made by any process.
//
// The parent directory is watched rather than the file, because atomic saves
// replace the file and a watch on the old inode would go silent.
type SlotWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	changes chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Watch starts watching the slot's file.
func (s *FileSlot) Watch() (*SlotWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", s.path, err)
	}
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch queue directory %s: %w", filepath.Dir(absPath), err)
	}

	sw := &SlotWatcher{
		watcher: w,
		path:    absPath,
		changes: make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		running: true,
	}
	sw.wg.Add(1)
	go sw.processEvents()
	return sw, nil
}

// Changes emits a value after the file is created, written or replaced.
// Bursts coalesce into one pending notification. Closed by Stop.
func (sw *SlotWatcher) Changes() <-chan struct{} {
	return sw.changes
}

// Errors emits watcher errors. Closed by Stop.
func (sw *SlotWatcher) Errors() <-chan error {
	return sw.errors
}

// Stop stops watching and blocks until the event goroutine has exited.
func (sw *SlotWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	if err := sw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	sw.wg.Wait()

	close(sw.changes)
	close(sw.errors)
	return nil
}

func (sw *SlotWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !sw.relevant(event) {
				continue
			}
			select {
			case sw.changes <- struct{}{}:
			default:
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

func (sw *SlotWatcher) relevant(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != sw.path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename)
}

// Follow reloads the store whenever the watcher reports a change, until ctx
// is cancelled or the watcher is stopped. Reload failures are logged.
// onReload, if not nil, runs after every successful reload.
func (s *Store) Follow(ctx context.Context, sw *SlotWatcher, onReload func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sw.Changes():
			if !ok {
				return
			}
			if err := s.Reload(); err != nil {
				s.logger.Printf("WARNING: failed to reload queue after external change: %v", err)
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-sw.Errors():
			if !ok {
				return
			}
			s.logger.Printf("WARNING: queue watcher error: %v", err)
		}
	}
}
