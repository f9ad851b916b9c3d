package storage

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *testingDB {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := tmpDir + "/test.db"

	db, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	return &testingDB{
		statusRepo: NewStatusRepo(db),
		chunkRepo:  NewChunkRepo(db),
	}
}

type testingDB struct {
	statusRepo *StatusRepo
	chunkRepo  *ChunkRepo
}

func testRecord(workspaceID, filePath string) *StatusRecord {
	return &StatusRecord{
		WorkspaceID:  workspaceID,
		FilePath:     filePath,
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ContentHash:  "abc123",
		Status:       StatusPending,
	}
}

func TestStatusRepo_UpsertAndGet(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	record := testRecord("ws1", "notes/a.md")
	record.Tags = []string{"project", "draft"}
	if err := tdb.statusRepo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if record.ID == "" {
		t.Fatal("Upsert() should assign a UUID")
	}

	got, err := tdb.statusRepo.GetByPath(ctx, "ws1", "notes/a.md")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if got.ID != record.ID {
		t.Errorf("GetByPath() ID = %v, want %v", got.ID, record.ID)
	}
	if got.ContentHash != "abc123" {
		t.Errorf("GetByPath() hash = %v, want abc123", got.ContentHash)
	}
	if !got.LastModified.Equal(record.LastModified) {
		t.Errorf("GetByPath() last_modified = %v, want %v", got.LastModified, record.LastModified)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "project" {
		t.Errorf("GetByPath() tags = %v", got.Tags)
	}
	if !got.LastVectorized.IsZero() {
		t.Errorf("GetByPath() last_vectorized should be zero, got %v", got.LastVectorized)
	}
}

func TestStatusRepo_UpsertPreservesID(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	record := testRecord("ws1", "notes/a.md")
	if err := tdb.statusRepo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	originalID := record.ID

	updated := testRecord("ws1", "notes/a.md")
	updated.ContentHash = "def456"
	if err := tdb.statusRepo.Upsert(ctx, updated); err != nil {
		t.Fatalf("Upsert() update error = %v", err)
	}
	if updated.ID != originalID {
		t.Errorf("Upsert() changed ID from %v to %v", originalID, updated.ID)
	}

	got, err := tdb.statusRepo.GetByPath(ctx, "ws1", "notes/a.md")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if got.ContentHash != "def456" {
		t.Errorf("GetByPath() hash = %v, want def456", got.ContentHash)
	}
}

func TestStatusRepo_GetByPath_NotFound(t *testing.T) {
	tdb := newTestDB(t)

	_, err := tdb.statusRepo.GetByPath(context.Background(), "ws1", "missing.md")
	if err != ErrNotFound {
		t.Errorf("GetByPath() error = %v, want ErrNotFound", err)
	}
}

func TestStatusRepo_UpdatePath(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	record := testRecord("ws1", "old.md")
	if err := tdb.statusRepo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := tdb.statusRepo.UpdatePath(ctx, "ws1", "old.md", "new.md"); err != nil {
		t.Fatalf("UpdatePath() error = %v", err)
	}

	got, err := tdb.statusRepo.GetByPath(ctx, "ws1", "new.md")
	if err != nil {
		t.Fatalf("GetByPath(new) error = %v", err)
	}
	if got.ID != record.ID {
		t.Errorf("UpdatePath() should preserve record ID")
	}

	if _, err := tdb.statusRepo.GetByPath(ctx, "ws1", "old.md"); err != ErrNotFound {
		t.Errorf("GetByPath(old) error = %v, want ErrNotFound", err)
	}

	if err := tdb.statusRepo.UpdatePath(ctx, "ws1", "missing.md", "x.md"); err != ErrNotFound {
		t.Errorf("UpdatePath(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStatusRepo_SetStatusAndMarkVectorized(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	record := testRecord("ws1", "notes/a.md")
	if err := tdb.statusRepo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := tdb.statusRepo.SetStatus(ctx, "ws1", "notes/a.md", StatusDeleted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	got, _ := tdb.statusRepo.GetByPath(ctx, "ws1", "notes/a.md")
	if got.Status != StatusDeleted {
		t.Errorf("SetStatus() status = %v, want deleted", got.Status)
	}

	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if err := tdb.statusRepo.MarkVectorized(ctx, "ws1", "notes/a.md", at); err != nil {
		t.Fatalf("MarkVectorized() error = %v", err)
	}
	got, _ = tdb.statusRepo.GetByPath(ctx, "ws1", "notes/a.md")
	if got.Status != StatusVectorized {
		t.Errorf("MarkVectorized() status = %v, want vectorized", got.Status)
	}
	if !got.LastVectorized.Equal(at) {
		t.Errorf("MarkVectorized() time = %v, want %v", got.LastVectorized, at)
	}

	if err := tdb.statusRepo.SetStatus(ctx, "ws1", "missing.md", StatusError); err != ErrNotFound {
		t.Errorf("SetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStatusRepo_CountByWorkspace(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	for _, path := range []string{"a.md", "b.md", "c.md"} {
		if err := tdb.statusRepo.Upsert(ctx, testRecord("ws1", path)); err != nil {
			t.Fatalf("Upsert(%s) error = %v", path, err)
		}
	}
	if err := tdb.statusRepo.SetStatus(ctx, "ws1", "c.md", StatusDeleted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	count, err := tdb.statusRepo.CountByWorkspace(ctx, "ws1")
	if err != nil {
		t.Fatalf("CountByWorkspace() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountByWorkspace() = %d, want 2 (deleted records excluded)", count)
	}

	count, err = tdb.statusRepo.CountByWorkspace(ctx, "other")
	if err != nil {
		t.Fatalf("CountByWorkspace(other) error = %v", err)
	}
	if count != 0 {
		t.Errorf("CountByWorkspace(other) = %d, want 0", count)
	}
}

func TestStatusRepo_DeleteCascadesChunks(t *testing.T) {
	tdb := newTestDB(t)
	ctx := context.Background()

	record := testRecord("ws1", "notes/a.md")
	if err := tdb.statusRepo.Upsert(ctx, record); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	chunks := []*ChunkRecord{
		{ID: "c1", StatusRecordID: record.ID, ChunkIndex: 0, Content: "one"},
		{ID: "c2", StatusRecordID: record.ID, ChunkIndex: 1, Content: "two"},
	}
	if err := tdb.chunkRepo.InsertBatch(ctx, chunks); err != nil {
		t.Fatalf("InsertBatch() error = %v", err)
	}

	if err := tdb.statusRepo.Delete(ctx, "ws1", "notes/a.md"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	count, err := tdb.chunkRepo.CountByRecord(ctx, record.ID)
	if err != nil {
		t.Fatalf("CountByRecord() error = %v", err)
	}
	if count != 0 {
		t.Errorf("chunks remaining after record delete = %d, want 0", count)
	}
}
