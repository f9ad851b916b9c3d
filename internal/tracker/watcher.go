package tracker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a workspace tree recursively and emits FileEvents with
// workspace-relative paths. Directories created while watching are added to
// the watch set, and files already inside them are reported as creates.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher rooted at the workspace directory.
// It must be started with Start() before it emits events.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:    root,
		watcher: fsw,
		events:  make(chan FileEvent, 256),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start adds the workspace tree to the watch set and begins emitting events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != w.root {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch workspace %s: %w", w.root, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of file events. Closed on Stop.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Errors returns the channel of watch errors. Closed on Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			for _, fe := range w.convertEvent(event) {
				select {
				case w.events <- fe:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps one fsnotify event to zero or more FileEvents. A
// directory create expands into creates for every file already inside it.
func (w *Watcher) convertEvent(event fsnotify.Event) []FileEvent {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil
	}
	rel = filepath.ToSlash(rel)
	now := time.Now()

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			// Vanished between event and stat; skip, a remove will follow.
			return nil
		}
		if info.IsDir() {
			return w.watchNewDir(event.Name, now)
		}
		return []FileEvent{{Kind: EventCreate, Path: rel, Timestamp: now}}

	case event.Has(fsnotify.Write):
		return []FileEvent{{Kind: EventModify, Path: rel, Timestamp: now}}

	case event.Has(fsnotify.Remove):
		return []FileEvent{{Kind: EventDelete, Path: rel, Timestamp: now}}

	case event.Has(fsnotify.Rename):
		// fsnotify reports the old path only; the destination arrives as a
		// separate create and is correlated downstream.
		return []FileEvent{{Kind: eventRenameFrom, Path: rel, Timestamp: now}}

	default:
		// Chmod and friends.
		return nil
	}
}

// watchNewDir adds a created directory to the watch set and emits creates
// for files that landed in it before the watch was in place.
func (w *Watcher) watchNewDir(dir string, now time.Time) []FileEvent {
	var events []FileEvent
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			if addErr := w.watcher.Add(path); addErr != nil {
				select {
				case w.errors <- addErr:
				default:
				}
			}
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		events = append(events, FileEvent{Kind: EventCreate, Path: filepath.ToSlash(rel), Timestamp: now})
		return nil
	})
	return events
}
