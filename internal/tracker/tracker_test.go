package tracker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"vaultsync/internal/consistency"
	"vaultsync/internal/coordination"
	"vaultsync/internal/exclusion"
	"vaultsync/internal/storage"
	vectorstore_mocks "vaultsync/internal/vectorstore/mocks"
)

type fakeQueue struct {
	mu    sync.Mutex
	paths []string
}

func (q *fakeQueue) Enqueue(path string, _ int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paths = append(q.paths, path)
}

type fakeLedger struct {
	mu        sync.Mutex
	online    bool
	ops       []coordination.PendingOperation
	conflicts []coordination.Conflict
}

func (l *fakeLedger) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

func (l *fakeLedger) RecordOperation(_ context.Context, op coordination.PendingOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
	return nil
}

func (l *fakeLedger) AppendConflict(_ context.Context, c coordination.Conflict) (coordination.Conflict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conflicts = append(l.conflicts, c)
	return c, nil
}

func (l *fakeLedger) recorded() []coordination.Conflict {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]coordination.Conflict, len(l.conflicts))
	copy(out, l.conflicts)
	return out
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.paths))
	copy(out, q.paths)
	return out
}

func newTestTracker(t *testing.T) (*Tracker, string, *consistency.Store, *fakeQueue, *vectorstore_mocks.MockVectorStore) {
	t.Helper()

	workspace := t.TempDir()

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}

	ctrl := gomock.NewController(t)
	vectors := vectorstore_mocks.NewMockVectorStore(ctrl)
	store := consistency.NewStore("ws1", "chunks", storage.NewStatusRepo(db), storage.NewChunkRepo(db), vectors)

	rules := exclusion.New([]string{"_private"}, []string{".tmp"}, []string{"~"}, nil, "_vaultsync/sync-state.md")
	queue := &fakeQueue{}

	tr := New(Options{
		WorkspacePath: workspace,
		DeviceID:      "device-1",
		Debounce:      20 * time.Millisecond,
		RenameWindow:  60 * time.Millisecond,
	}, rules, store, queue, nil)
	tr.rapidFloor = 40 * time.Millisecond
	t.Cleanup(tr.Stop)

	return tr, workspace, store, queue, vectors
}

func writeFile(t *testing.T, workspace, relPath, content string) {
	t.Helper()
	abs := filepath.Join(workspace, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}

// seedRecord inserts a vectorized record with one chunk, as if the path had
// been processed before.
func seedRecord(t *testing.T, store *consistency.Store, vectors *vectorstore_mocks.MockVectorStore, path, content string) {
	t.Helper()
	ctx := context.Background()

	vectors.EXPECT().Upsert(gomock.Any(), "chunks", gomock.Any()).Return(nil)
	meta := consistency.Metadata{
		ModifiedAt:  time.Now().UTC(),
		ContentHash: contentHash(content),
	}
	chunks := []consistency.ChunkInput{{Index: 0, Content: content, Vector: []float32{0.1}}}
	if err := store.ReplaceChunks(ctx, path, meta, chunks); err != nil {
		t.Fatalf("ReplaceChunks() error = %v", err)
	}
	if err := store.MarkVectorized(ctx, path, time.Now().UTC()); err != nil {
		t.Fatalf("MarkVectorized() error = %v", err)
	}
}

func waitForTracker(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTracker_DebounceCollapsesModifies(t *testing.T) {
	tr, workspace, _, queue, _ := newTestTracker(t)
	tr.MarkReady()

	writeFile(t, workspace, "notes/a.md", "final content after the fourth write")
	for i := 0; i < 4; i++ {
		tr.Ingest(FileEvent{Kind: EventModify, Path: "notes/a.md", Timestamp: time.Now()})
	}

	waitForTracker(t, func() bool { return len(queue.enqueued()) == 1 })

	// Give the debounce a chance to misfire a second batch.
	time.Sleep(100 * time.Millisecond)
	if got := queue.enqueued(); len(got) != 1 || got[0] != "notes/a.md" {
		t.Errorf("enqueued = %v, want exactly one entry for notes/a.md", got)
	}
}

func TestTracker_NoOpTouchIgnored(t *testing.T) {
	tr, workspace, _, queue, _ := newTestTracker(t)
	tr.MarkReady()

	writeFile(t, workspace, "note.md", "same content")
	tr.Ingest(FileEvent{Kind: EventModify, Path: "note.md", Timestamp: time.Now()})
	waitForTracker(t, func() bool { return len(queue.enqueued()) == 1 })

	// Same content again: the hash cache suppresses the enqueue.
	tr.Ingest(FileEvent{Kind: EventModify, Path: "note.md", Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)
	if got := queue.enqueued(); len(got) != 1 {
		t.Errorf("enqueued = %v, want no second entry for a no-op touch", got)
	}
}

func TestTracker_ExcludedPathsNotQueued(t *testing.T) {
	tr, workspace, _, queue, _ := newTestTracker(t)
	tr.MarkReady()

	writeFile(t, workspace, "_private/secret.md", "hidden")
	writeFile(t, workspace, "draft.tmp", "scratch")
	tr.Ingest(FileEvent{Kind: EventModify, Path: "_private/secret.md", Timestamp: time.Now()})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "draft.tmp", Timestamp: time.Now()})

	time.Sleep(100 * time.Millisecond)
	if got := queue.enqueued(); len(got) != 0 {
		t.Errorf("enqueued = %v, want none", got)
	}
}

func TestTracker_BuffersUntilReady(t *testing.T) {
	tr, workspace, _, queue, _ := newTestTracker(t)

	writeFile(t, workspace, "early.md", "written before startup finished")
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "early.md", Timestamp: time.Now()})

	time.Sleep(60 * time.Millisecond)
	if got := queue.enqueued(); len(got) != 0 {
		t.Fatalf("enqueued before ready = %v, want none", got)
	}

	tr.MarkReady()
	waitForTracker(t, func() bool { return len(queue.enqueued()) == 1 })
}

func TestTracker_DeleteSoftDeletesRecord(t *testing.T) {
	tr, _, store, _, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	seedRecord(t, store, vectors, "notes/gone.md", "old content")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()

	tr.Ingest(FileEvent{Kind: EventDelete, Path: "notes/gone.md", Timestamp: time.Now()})

	waitForTracker(t, func() bool {
		record, err := store.GetStatus(ctx, "notes/gone.md")
		return err == nil && record.Status == storage.StatusDeleted
	})
}

func TestTracker_RenameIntoExclusion(t *testing.T) {
	tr, _, store, queue, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	seedRecord(t, store, vectors, "p1.md", "moving into the dark")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()

	now := time.Now()
	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "p1.md", Timestamp: now})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "_private/p2.md", Timestamp: now})

	waitForTracker(t, func() bool {
		record, err := store.GetStatus(ctx, "p1.md")
		return err == nil && record.Status == storage.StatusDeleted
	})

	if _, err := store.GetStatus(ctx, "_private/p2.md"); err != storage.ErrNotFound {
		t.Errorf("GetStatus(destination) error = %v, want ErrNotFound", err)
	}
	if got := queue.enqueued(); len(got) != 0 {
		t.Errorf("enqueued = %v, want none", got)
	}
}

func TestTracker_RenameCollision(t *testing.T) {
	tr, workspace, store, queue, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	seedRecord(t, store, vectors, "p1.md", "content of p1")
	seedRecord(t, store, vectors, "p2.md", "older content of p2")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()

	// p1 landed on p2; only p2 remains on disk, carrying p1's content.
	writeFile(t, workspace, "p2.md", "content of p1")

	now := time.Now()
	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "p1.md", Timestamp: now})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "p2.md", Timestamp: now})

	waitForTracker(t, func() bool {
		got := queue.enqueued()
		return len(got) == 1 && got[0] == "p2.md"
	})

	if _, err := store.GetStatus(ctx, "p1.md"); err != storage.ErrNotFound {
		t.Errorf("GetStatus(p1) error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetStatus(ctx, "p2.md"); err != storage.ErrNotFound {
		t.Errorf("GetStatus(p2) error = %v, want ErrNotFound before reprocessing", err)
	}
}

func TestTracker_RenameCollisionRecordsConflict(t *testing.T) {
	tr, workspace, store, queue, vectors := newTestTracker(t)
	ledger := &fakeLedger{online: true}
	tr.ledger = ledger
	tr.MarkReady()

	seedRecord(t, store, vectors, "p1.md", "content of p1")
	seedRecord(t, store, vectors, "p2.md", "older content of p2")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()

	writeFile(t, workspace, "p2.md", "content of p1")

	now := time.Now()
	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "p1.md", Timestamp: now})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "p2.md", Timestamp: now})

	waitForTracker(t, func() bool {
		got := queue.enqueued()
		return len(got) == 1 && got[0] == "p2.md"
	})

	conflicts := ledger.recorded()
	if len(conflicts) != 1 {
		t.Fatalf("recorded conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.FileID != "p2.md" {
		t.Errorf("FileID = %q, want p2.md", c.FileID)
	}
	if c.Local.ContentHash != contentHash("content of p1") {
		t.Errorf("Local.ContentHash = %q, want hash of incoming content", c.Local.ContentHash)
	}
	if c.Remote.ContentHash != contentHash("older content of p2") {
		t.Errorf("Remote.ContentHash = %q, want hash of tracked destination", c.Remote.ContentHash)
	}
}

func TestTracker_RenameSameContentMovesRecord(t *testing.T) {
	tr, workspace, store, queue, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	content := "unchanged across the move"
	seedRecord(t, store, vectors, "old.md", content)
	writeFile(t, workspace, "new.md", content)

	now := time.Now()
	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "old.md", Timestamp: now})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "new.md", Timestamp: now})

	waitForTracker(t, func() bool {
		_, err := store.GetStatus(ctx, "new.md")
		return err == nil
	})

	if _, err := store.GetStatus(ctx, "old.md"); err != storage.ErrNotFound {
		t.Errorf("GetStatus(old) error = %v, want ErrNotFound", err)
	}
	if got := queue.enqueued(); len(got) != 0 {
		t.Errorf("enqueued = %v, want none for a same-content rename", got)
	}
}

func TestTracker_RenameChangedContentReprocesses(t *testing.T) {
	tr, workspace, store, queue, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	seedRecord(t, store, vectors, "old.md", "before the move")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()
	writeFile(t, workspace, "new.md", "edited during the move")

	now := time.Now()
	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "old.md", Timestamp: now})
	tr.Ingest(FileEvent{Kind: EventCreate, Path: "new.md", Timestamp: now})

	waitForTracker(t, func() bool {
		got := queue.enqueued()
		return len(got) == 1 && got[0] == "new.md"
	})

	if _, err := store.GetStatus(ctx, "old.md"); err != storage.ErrNotFound {
		t.Errorf("GetStatus(old) error = %v, want ErrNotFound", err)
	}
}

func TestTracker_OrphanRenameDegradesToDelete(t *testing.T) {
	tr, _, store, _, vectors := newTestTracker(t)
	tr.MarkReady()
	ctx := context.Background()

	seedRecord(t, store, vectors, "vanished.md", "gone without a create")
	vectors.EXPECT().Delete(gomock.Any(), "chunks", gomock.Any()).Return(nil).AnyTimes()

	tr.Ingest(FileEvent{Kind: eventRenameFrom, Path: "vanished.md", Timestamp: time.Now()})

	waitForTracker(t, func() bool {
		record, err := store.GetStatus(ctx, "vanished.md")
		return err == nil && record.Status == storage.StatusDeleted
	})
}
