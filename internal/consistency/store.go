// Package consistency implements the remote chunk-lifecycle protocol: atomic
// replace semantics for a file's chunk set across SQLite and Qdrant.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vaultsync/internal/contextutil"
	"vaultsync/internal/retry"
	"vaultsync/internal/storage"
	"vaultsync/internal/vectorstore"
)

// ErrPathBusy is returned when the advisory flag for a path could not be
// acquired within the backoff budget.
var ErrPathBusy = errors.New("path busy: advisory flag held")

const (
	lockAttempts  = 5
	lockBaseDelay = 500 * time.Millisecond

	verifyAttempts  = 2
	verifyBaseDelay = 100 * time.Millisecond

	defaultInsertBatchSize = 50
)

// ChunkInput is one content slice plus its embedding, ready for storage.
type ChunkInput struct {
	Index       int
	HeadingPath string
	Content     string
	Vector      []float32
}

// Metadata carries the per-file fields extracted during processing.
type Metadata struct {
	ModifiedAt  time.Time
	ContentHash string
	Tags        []string
	Aliases     []string
	Links       []string
}

// Store drives the per-file status record and its chunk set.
type Store struct {
	workspaceID     string
	collection      string
	statusRepo      storage.StatusStore
	chunkRepo       storage.ChunkStore
	vectors         vectorstore.VectorStore
	insertBatchSize int
	locks           *advisoryLocks

	lockPolicy   retry.Policy
	verifyPolicy retry.Policy
}

// NewStore creates a consistency store for one workspace.
func NewStore(workspaceID, collection string, statusRepo storage.StatusStore, chunkRepo storage.ChunkStore, vectors vectorstore.VectorStore) *Store {
	return &Store{
		workspaceID:     workspaceID,
		collection:      collection,
		statusRepo:      statusRepo,
		chunkRepo:       chunkRepo,
		vectors:         vectors,
		insertBatchSize: defaultInsertBatchSize,
		locks:           newAdvisoryLocks(),
		lockPolicy:      retry.Exponential(lockAttempts, lockBaseDelay),
		verifyPolicy:    retry.Linear(verifyAttempts, verifyBaseDelay),
	}
}

// acquire takes the advisory flag for a path, waiting with exponential
// backoff while another operation in this process holds it.
func (s *Store) acquire(ctx context.Context, filePath string) error {
	err := s.lockPolicy.Do(ctx, func(ctx context.Context) error {
		if s.locks.tryAcquire(filePath) {
			return nil
		}
		return ErrPathBusy
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathBusy, filePath)
	}
	return nil
}

// ReplaceChunks atomically replaces the whole chunk set for a file path.
//
// The chunk set for a record is always either the complete pre-update set or
// the complete post-update set: deletes are verified before inserts begin,
// and a partial insert failure triggers cleanup before the error propagates.
func (s *Store) ReplaceChunks(ctx context.Context, filePath string, meta Metadata, chunks []ChunkInput) error {
	logger := contextutil.LoggerFromContext(ctx)

	if err := s.acquire(ctx, filePath); err != nil {
		return err
	}
	defer s.locks.release(filePath)

	record := &storage.StatusRecord{
		WorkspaceID:  s.workspaceID,
		FilePath:     filePath,
		LastModified: meta.ModifiedAt,
		ContentHash:  meta.ContentHash,
		Status:       storage.StatusPending,
		Tags:         meta.Tags,
		Aliases:      meta.Aliases,
		Links:        meta.Links,
	}
	if existing, err := s.statusRepo.GetByPath(ctx, s.workspaceID, filePath); err == nil {
		record.LastVectorized = existing.LastVectorized
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("failed to load status record: %w", err)
	}
	if err := s.statusRepo.Upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to upsert status record: %w", err)
	}

	if err := s.deleteChunkSet(ctx, record.ID); err != nil {
		return err
	}

	// Insert the new set in fixed-size batches, vectors alongside rows.
	inserted := 0
	for start := 0; start < len(chunks); start += s.insertBatchSize {
		end := start + s.insertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		records := make([]*storage.ChunkRecord, len(batch))
		points := make([]vectorstore.Point, len(batch))
		for i, chunk := range batch {
			id := uuid.New().String()
			records[i] = &storage.ChunkRecord{
				ID:             id,
				StatusRecordID: record.ID,
				ChunkIndex:     chunk.Index,
				HeadingPath:    chunk.HeadingPath,
				Content:        chunk.Content,
			}
			points[i] = vectorstore.Point{
				ID:  id,
				Vec: chunk.Vector,
				Meta: map[string]any{
					"workspace_id": s.workspaceID,
					"file_path":    filePath,
					"heading_path": chunk.HeadingPath,
					"chunk_index":  chunk.Index,
				},
			}
		}

		if err := s.chunkRepo.InsertBatch(ctx, records); err != nil {
			s.cleanup(ctx, record.ID)
			return fmt.Errorf("chunk insert failed at batch %d: %w", start/s.insertBatchSize, err)
		}
		if err := s.vectors.Upsert(ctx, s.collection, points); err != nil {
			s.cleanup(ctx, record.ID)
			return fmt.Errorf("vector upsert failed at batch %d: %w", start/s.insertBatchSize, err)
		}
		inserted += len(batch)
	}

	// Verify inserted-row count. A mismatch is logged, not fatal: the set is
	// internally consistent, only the expectation bookkeeping is off.
	count, err := s.chunkRepo.CountByRecord(ctx, record.ID)
	if err != nil {
		logger.WarnContext(ctx, "failed to verify inserted chunk count", "path", filePath, "error", err)
	} else if count != inserted {
		logger.WarnContext(ctx, "inserted chunk count mismatch",
			"path", filePath, "expected", inserted, "actual", count)
	}

	logger.DebugContext(ctx, "replaced chunk set", "path", filePath, "chunks", len(chunks))
	return nil
}

// deleteChunkSet removes the old chunk set from both stores and verifies
// zero rows remain, retrying the delete once with linear backoff.
func (s *Store) deleteChunkSet(ctx context.Context, recordID string) error {
	oldIDs, err := s.chunkRepo.ListIDsByRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("failed to list old chunk IDs: %w", err)
	}
	if len(oldIDs) > 0 {
		if err := s.vectors.Delete(ctx, s.collection, oldIDs); err != nil {
			// The new upserts overwrite live points; stale points for removed
			// chunks are swept by the next replace.
			contextutil.LoggerFromContext(ctx).WarnContext(ctx,
				"failed to delete old vectors", "count", len(oldIDs), "error", err)
		}
	}

	return s.verifyPolicy.Do(ctx, func(ctx context.Context) error {
		if err := s.chunkRepo.DeleteByRecord(ctx, recordID); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		count, err := s.chunkRepo.CountByRecord(ctx, recordID)
		if err != nil {
			return fmt.Errorf("failed to verify chunk deletion: %w", err)
		}
		if count != 0 {
			return fmt.Errorf("chunk deletion incomplete: %d rows remain", count)
		}
		return nil
	})
}

// cleanup removes all chunks for a record after a partial insert failure so a
// failed replace never leaves a mixed old/new chunk set.
func (s *Store) cleanup(ctx context.Context, recordID string) {
	logger := contextutil.LoggerFromContext(ctx)

	ids, err := s.chunkRepo.ListIDsByRecord(ctx, recordID)
	if err == nil && len(ids) > 0 {
		if err := s.vectors.Delete(ctx, s.collection, ids); err != nil {
			logger.WarnContext(ctx, "cleanup vector delete failed", "error", err)
		}
	}
	if err := s.chunkRepo.DeleteByRecord(ctx, recordID); err != nil {
		logger.WarnContext(ctx, "cleanup chunk delete failed", "error", err)
	}
}

// NeedsVectorizing reports whether a file must be (re)processed.
// A soft-deleted record counts as absent: the file evidently exists again.
func (s *Store) NeedsVectorizing(ctx context.Context, filePath string, localModified time.Time, localHash string) (bool, error) {
	record, err := s.statusRepo.GetByPath(ctx, s.workspaceID, filePath)
	if err == storage.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load status record: %w", err)
	}
	if record.Status == storage.StatusDeleted {
		return true, nil
	}
	if record.ContentHash != localHash {
		return true, nil
	}
	if localModified.After(record.LastModified) {
		return true, nil
	}
	return false, nil
}

// MarkVectorized records a completed embedding pass for a path.
func (s *Store) MarkVectorized(ctx context.Context, filePath string, at time.Time) error {
	return s.statusRepo.MarkVectorized(ctx, s.workspaceID, filePath, at)
}

// MarkError flags a path whose last processing attempt failed.
func (s *Store) MarkError(ctx context.Context, filePath string) error {
	return s.statusRepo.SetStatus(ctx, s.workspaceID, filePath, storage.StatusError)
}

// SoftDelete removes a path's chunks from both stores and marks the status
// record deleted. The record itself is retained for later rename heuristics.
func (s *Store) SoftDelete(ctx context.Context, filePath string) error {
	if err := s.acquire(ctx, filePath); err != nil {
		return err
	}
	defer s.locks.release(filePath)

	record, err := s.statusRepo.GetByPath(ctx, s.workspaceID, filePath)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load status record: %w", err)
	}

	if err := s.deleteChunkSet(ctx, record.ID); err != nil {
		return err
	}
	return s.statusRepo.SetStatus(ctx, s.workspaceID, filePath, storage.StatusDeleted)
}

// HardDelete removes a path's record and chunks entirely from both stores.
// Used for rename collision cleanup, where the record must not survive.
func (s *Store) HardDelete(ctx context.Context, filePath string) error {
	if err := s.acquire(ctx, filePath); err != nil {
		return err
	}
	defer s.locks.release(filePath)

	record, err := s.statusRepo.GetByPath(ctx, s.workspaceID, filePath)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load status record: %w", err)
	}

	ids, err := s.chunkRepo.ListIDsByRecord(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("failed to list chunk IDs: %w", err)
	}
	if len(ids) > 0 {
		if err := s.vectors.Delete(ctx, s.collection, ids); err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx,
				"failed to delete vectors during hard delete", "path", filePath, "error", err)
		}
	}
	return s.statusRepo.Delete(ctx, s.workspaceID, filePath)
}

// UpdatePath moves a record to a new path without replacing its chunks.
// Only valid for same-content renames.
func (s *Store) UpdatePath(ctx context.Context, oldPath, newPath string) error {
	return s.statusRepo.UpdatePath(ctx, s.workspaceID, oldPath, newPath)
}

// GetStatus returns the status record for a path.
func (s *Store) GetStatus(ctx context.Context, filePath string) (*storage.StatusRecord, error) {
	return s.statusRepo.GetByPath(ctx, s.workspaceID, filePath)
}

// HasWorkspaceData reports whether any live records exist for the workspace.
// The bulk reconciler treats existing records as evidence a prior run completed.
func (s *Store) HasWorkspaceData(ctx context.Context) (bool, error) {
	count, err := s.statusRepo.CountByWorkspace(ctx, s.workspaceID)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Ping verifies the remote vector store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.vectors.Ping(ctx)
}
