package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_chunk_store.go -package=mocks vaultsync/internal/storage ChunkStore

import (
	"context"
	"database/sql"
	"fmt"
)

// ChunkStore defines the interface for chunk storage operations.
type ChunkStore interface {
	// InsertBatch inserts chunks in a single transaction.
	// Each chunk.ID must be set (UUID) before calling this method.
	InsertBatch(ctx context.Context, chunks []*ChunkRecord) error
	// DeleteByRecord deletes all chunks for a given status record ID.
	DeleteByRecord(ctx context.Context, statusRecordID string) error
	// CountByRecord counts the chunks owned by a status record.
	CountByRecord(ctx context.Context, statusRecordID string) (int, error)
	// ListIDsByRecord returns all chunk IDs for a record, ordered by chunk_index.
	ListIDsByRecord(ctx context.Context, statusRecordID string) ([]string, error)
	// ListByRecord returns all chunks for a record, ordered by chunk_index.
	ListByRecord(ctx context.Context, statusRecordID string) ([]*ChunkRecord, error)
}

// ChunkRepo provides methods for chunk operations.
// It implements the ChunkStore interface.
type ChunkRepo struct {
	db *sql.DB
}

// NewChunkRepo creates a new ChunkRepo.
func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// InsertBatch inserts chunks in a single transaction. A failure rolls the
// whole batch back so the caller never observes a partially written batch.
func (r *ChunkRepo) InsertBatch(ctx context.Context, chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, status_record_id, chunk_index, heading_path, content) VALUES (?, ?, ?, ?, ?)",
			chunk.ID, chunk.StatusRecordID, chunk.ChunkIndex, chunk.HeadingPath, chunk.Content,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// DeleteByRecord deletes all chunks for a given status record ID.
// Used during chunk-set replacement to remove the old set before inserting the new one.
func (r *ChunkRepo) DeleteByRecord(ctx context.Context, statusRecordID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM chunks WHERE status_record_id = ?", statusRecordID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks by record: %w", err)
	}
	return nil
}

// CountByRecord counts the chunks owned by a status record.
// Used to verify delete and insert steps of the replacement protocol.
func (r *ChunkRepo) CountByRecord(ctx context.Context, statusRecordID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE status_record_id = ?",
		statusRecordID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// ListIDsByRecord returns all chunk IDs for a record, ordered by chunk_index.
// Returns an empty slice if no chunks exist (not an error).
// Used to get Qdrant point IDs for deletion before replacement.
func (r *ChunkRepo) ListIDsByRecord(ctx context.Context, statusRecordID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM chunks WHERE status_record_id = ? ORDER BY chunk_index",
		statusRecordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk IDs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return ids, nil
}

// ListByRecord returns all chunks for a record, ordered by chunk_index.
func (r *ChunkRepo) ListByRecord(ctx context.Context, statusRecordID string) ([]*ChunkRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, status_record_id, chunk_index, heading_path, content FROM chunks WHERE status_record_id = ? ORDER BY chunk_index",
		statusRecordID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chunks []*ChunkRecord
	for rows.Next() {
		var chunk ChunkRecord
		if err := rows.Scan(&chunk.ID, &chunk.StatusRecordID, &chunk.ChunkIndex, &chunk.HeadingPath, &chunk.Content); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return chunks, nil
}
