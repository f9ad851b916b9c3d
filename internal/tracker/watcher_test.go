package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func collectEvents(w *Watcher, stop <-chan struct{}, sink *[]FileEvent, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			*sink = append(*sink, ev)
		case <-stop:
			return
		}
	}
}

func TestWatcher_EmitsRelativeEvents(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	w, err := NewWatcher(root)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var events []FileEvent
	stop := make(chan struct{})
	done := make(chan struct{})
	go collectEvents(w, stop, &events, done)

	path := filepath.Join(root, "notes", "a.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	close(stop)
	<-done
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var sawCreate, sawDelete bool
	for _, ev := range events {
		if ev.Path != "notes/a.md" {
			continue
		}
		switch ev.Kind {
		case EventCreate:
			sawCreate = true
		case EventDelete:
			sawDelete = true
		}
	}
	if !sawCreate {
		t.Error("no create event observed for notes/a.md")
	}
	if !sawDelete {
		t.Error("no delete event observed for notes/a.md")
	}
}

func TestWatcher_WatchesNewDirectories(t *testing.T) {
	root := t.TempDir()

	w, err := NewWatcher(root)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var events []FileEvent
	stop := make(chan struct{})
	done := make(chan struct{})
	go collectEvents(w, stop, &events, done)

	if err := os.MkdirAll(filepath.Join(root, "new"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "new", "b.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	close(stop)
	<-done
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	var saw bool
	for _, ev := range events {
		if ev.Path == "new/b.md" && ev.Kind == EventCreate {
			saw = true
		}
	}
	if !saw {
		t.Error("no create event observed for file in newly created directory")
	}
}
