package queue

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"vaultsync/internal/consistency"
	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
	"vaultsync/internal/embed"
	"vaultsync/internal/splitter"
)

// OperationLedger records operations that could not run against the vector
// store so another pass can replay them. Satisfied by coordination.Store.
type OperationLedger interface {
	Online() bool
	RecordOperation(ctx context.Context, op coordination.PendingOperation) error
}

// Vectorizer is the per-file pipeline: read, split, embed, replace chunks.
// It implements Processor.
type Vectorizer struct {
	workspacePath string
	deviceID      string
	splitter      *splitter.Splitter
	embedder      embed.Embedder
	store         *consistency.Store
	ledger        OperationLedger // may be nil
	now           func() time.Time
}

// NewVectorizer creates the processing pipeline. ledger is optional; when
// set, work attempted while the vector store is offline is deferred into it.
func NewVectorizer(workspacePath, deviceID string, sp *splitter.Splitter, embedder embed.Embedder, store *consistency.Store, ledger OperationLedger) *Vectorizer {
	return &Vectorizer{
		workspacePath: workspacePath,
		deviceID:      deviceID,
		splitter:      sp,
		embedder:      embedder,
		store:         store,
		ledger:        ledger,
		now:           time.Now,
	}
}

// Process vectorizes one workspace-relative path. A file that no longer
// exists is soft-deleted; an unchanged file is skipped.
func (v *Vectorizer) Process(ctx context.Context, path string) error {
	logger := contextutil.LoggerFromContext(ctx)

	absPath := filepath.Join(v.workspacePath, filepath.FromSlash(path))
	info, err := os.Stat(absPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.DebugContext(ctx, "file gone before processing, soft deleting", "path", path)
		return v.store.SoftDelete(ctx, path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}

	hash := sha256.Sum256(content)
	hashHex := fmt.Sprintf("%x", hash)
	modified := info.ModTime().UTC()

	needs, err := v.store.NeedsVectorizing(ctx, path, modified, hashHex)
	if err != nil {
		return fmt.Errorf("failed to check vectorization state: %w", err)
	}
	if !needs {
		logger.DebugContext(ctx, "skipping unchanged file", "path", path, "hash", hashHex)
		return nil
	}

	if v.ledger != nil && !v.ledger.Online() {
		logger.InfoContext(ctx, "vector store offline, deferring", "path", path)
		return v.ledger.RecordOperation(ctx, coordination.PendingOperation{
			ID:           uuid.New().String(),
			FileID:       path,
			Type:         coordination.OpUpdate,
			Timestamp:    v.now().UTC(),
			DeviceID:     v.deviceID,
			ContentHash:  hashHex,
			LastModified: modified,
			Status:       "pending",
		})
	}

	_, segments, err := v.splitter.Split(content, path)
	if err != nil {
		markErr := v.store.MarkError(ctx, path)
		if markErr != nil {
			logger.WarnContext(ctx, "failed to record error status", "path", path, "error", markErr)
		}
		return fmt.Errorf("failed to split %s: %w", path, err)
	}
	fileMeta := splitter.ExtractMetadata(content)

	meta := consistency.Metadata{
		ModifiedAt:  modified,
		ContentHash: hashHex,
		Tags:        fileMeta.Tags,
		Aliases:     fileMeta.Aliases,
		Links:       fileMeta.Links,
	}

	var chunks []consistency.ChunkInput
	if len(segments) > 0 {
		texts := make([]string, len(segments))
		for i, seg := range segments {
			texts[i] = seg.Text
		}

		vectors, err := v.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			markErr := v.store.MarkError(ctx, path)
			if markErr != nil {
				logger.WarnContext(ctx, "failed to record error status", "path", path, "error", markErr)
			}
			return fmt.Errorf("failed to embed %s: %w", path, err)
		}
		if len(vectors) != len(segments) {
			return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(segments), len(vectors))
		}

		chunks = make([]consistency.ChunkInput, len(segments))
		for i, seg := range segments {
			chunks[i] = consistency.ChunkInput{
				Index:       seg.Index,
				HeadingPath: seg.HeadingPath,
				Content:     seg.Text,
				Vector:      vectors[i],
			}
		}
	}

	if err := v.store.ReplaceChunks(ctx, path, meta, chunks); err != nil {
		if errors.Is(err, consistency.ErrPathBusy) {
			return err
		}
		markErr := v.store.MarkError(ctx, path)
		if markErr != nil {
			logger.WarnContext(ctx, "failed to record error status", "path", path, "error", markErr)
		}
		return fmt.Errorf("failed to replace chunks for %s: %w", path, err)
	}

	if err := v.store.MarkVectorized(ctx, path, v.now().UTC()); err != nil {
		return fmt.Errorf("failed to mark vectorized: %w", err)
	}

	logger.InfoContext(ctx, "vectorized file", "path", path, "chunks", len(chunks))
	return nil
}
