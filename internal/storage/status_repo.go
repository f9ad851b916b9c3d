package storage

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_status_store.go -package=mocks vaultsync/internal/storage StatusStore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)

// StatusStore defines the interface for status record operations.
type StatusStore interface {
	// GetByPath gets a status record by workspace ID and file path.
	// Returns nil and ErrNotFound if not found.
	GetByPath(ctx context.Context, workspaceID, filePath string) (*StatusRecord, error)
	// Upsert inserts a new status record or updates an existing one,
	// keyed by (workspace_id, file_path). Preserves the ID on update.
	Upsert(ctx context.Context, record *StatusRecord) error
	// UpdatePath moves a record to a new file path without touching its chunks.
	UpdatePath(ctx context.Context, workspaceID, oldPath, newPath string) error
	// SetStatus updates only the status column for a record.
	SetStatus(ctx context.Context, workspaceID, filePath string, status FileStatus) error
	// MarkVectorized sets status to vectorized and records the vectorization time.
	MarkVectorized(ctx context.Context, workspaceID, filePath string, at time.Time) error
	// Delete hard-deletes a record. Chunks cascade. Only used for rename
	// collision cleanup; normal file deletion soft-marks via SetStatus.
	Delete(ctx context.Context, workspaceID, filePath string) error
	// CountByWorkspace counts all non-deleted records for a workspace.
	CountByWorkspace(ctx context.Context, workspaceID string) (int, error)
	// ListByWorkspace returns all records for a workspace ordered by file path.
	ListByWorkspace(ctx context.Context, workspaceID string) ([]*StatusRecord, error)
}

// StatusRepo provides methods for status record operations.
// It implements the StatusStore interface.
type StatusRepo struct {
	db *sql.DB
}

// NewStatusRepo creates a new StatusRepo.
func NewStatusRepo(db *sql.DB) *StatusRepo {
	return &StatusRepo{db: db}
}

const statusColumns = "id, workspace_id, file_path, last_modified, last_vectorized, content_hash, status, tags, aliases, links"

// GetByPath gets a status record by workspace ID and file path.
// Returns nil and ErrNotFound if not found.
func (r *StatusRepo) GetByPath(ctx context.Context, workspaceID, filePath string) (*StatusRecord, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+statusColumns+" FROM status_records WHERE workspace_id = ? AND file_path = ?",
		workspaceID, filePath,
	)
	return scanStatusRecord(row)
}

// Upsert inserts a new status record or updates an existing one.
// If the record doesn't exist (by workspace_id and file_path), generates a new UUID.
// If it exists, the stored ID is preserved so chunk ownership survives the update.
func (r *StatusRepo) Upsert(ctx context.Context, record *StatusRecord) error {
	existing, err := r.GetByPath(ctx, record.WorkspaceID, record.FilePath)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to check existing status record: %w", err)
	}

	if existing != nil {
		record.ID = existing.ID
	} else if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.Status == "" {
		record.Status = StatusPending
	}

	var lastVectorized any
	if !record.LastVectorized.IsZero() {
		lastVectorized = record.LastVectorized.UTC().Format(time.RFC3339Nano)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO status_records (`+statusColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (workspace_id, file_path) DO UPDATE SET
		 last_modified = excluded.last_modified,
		 last_vectorized = excluded.last_vectorized,
		 content_hash = excluded.content_hash,
		 status = excluded.status,
		 tags = excluded.tags,
		 aliases = excluded.aliases,
		 links = excluded.links`,
		record.ID, record.WorkspaceID, record.FilePath,
		record.LastModified.UTC().Format(time.RFC3339Nano), lastVectorized,
		record.ContentHash, string(record.Status),
		joinList(record.Tags), joinList(record.Aliases), joinList(record.Links),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert status record: %w", err)
	}

	return nil
}

// UpdatePath moves a record to a new file path without touching its chunks.
// Used for same-content renames where reprocessing would be wasted work.
func (r *StatusRepo) UpdatePath(ctx context.Context, workspaceID, oldPath, newPath string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE status_records SET file_path = ? WHERE workspace_id = ? AND file_path = ?",
		newPath, workspaceID, oldPath,
	)
	if err != nil {
		return fmt.Errorf("failed to update file path: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates only the status column for a record.
func (r *StatusRepo) SetStatus(ctx context.Context, workspaceID, filePath string, status FileStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE status_records SET status = ? WHERE workspace_id = ? AND file_path = ?",
		string(status), workspaceID, filePath,
	)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkVectorized sets status to vectorized and records the vectorization time.
func (r *StatusRepo) MarkVectorized(ctx context.Context, workspaceID, filePath string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE status_records SET status = ?, last_vectorized = ? WHERE workspace_id = ? AND file_path = ?",
		string(StatusVectorized), at.UTC().Format(time.RFC3339Nano), workspaceID, filePath,
	)
	if err != nil {
		return fmt.Errorf("failed to mark vectorized: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete hard-deletes a record; chunks cascade via the foreign key.
func (r *StatusRepo) Delete(ctx context.Context, workspaceID, filePath string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM status_records WHERE workspace_id = ? AND file_path = ?",
		workspaceID, filePath,
	)
	if err != nil {
		return fmt.Errorf("failed to delete status record: %w", err)
	}
	return nil
}

// CountByWorkspace counts all non-deleted records for a workspace.
func (r *StatusRepo) CountByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM status_records WHERE workspace_id = ? AND status != ?",
		workspaceID, string(StatusDeleted),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count status records: %w", err)
	}
	return count, nil
}

// ListByWorkspace returns all records for a workspace ordered by file path.
func (r *StatusRepo) ListByWorkspace(ctx context.Context, workspaceID string) ([]*StatusRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+statusColumns+" FROM status_records WHERE workspace_id = ? ORDER BY file_path",
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query status records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []*StatusRecord
	for rows.Next() {
		record, err := scanStatusRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatusRecord(row rowScanner) (*StatusRecord, error) {
	var record StatusRecord
	var lastModifiedStr string
	var lastVectorizedStr sql.NullString
	var status, tags, aliases, links sql.NullString

	err := row.Scan(&record.ID, &record.WorkspaceID, &record.FilePath,
		&lastModifiedStr, &lastVectorizedStr, &record.ContentHash,
		&status, &tags, &aliases, &links)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan status record: %w", err)
	}

	record.LastModified, err = parseTimestamp(lastModifiedStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_modified: %w", err)
	}
	if lastVectorizedStr.Valid && lastVectorizedStr.String != "" {
		record.LastVectorized, err = parseTimestamp(lastVectorizedStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_vectorized: %w", err)
		}
	}

	record.Status = FileStatus(status.String)
	record.Tags = splitListColumn(tags.String)
	record.Aliases = splitListColumn(aliases.String)
	record.Links = splitListColumn(links.String)

	return &record, nil
}

// parseTimestamp parses a stored timestamp, accepting both RFC3339 and the
// plain DATETIME format SQLite emits for CURRENT_TIMESTAMP defaults.
func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func joinList(items []string) string {
	return strings.Join(items, "\n")
}

func splitListColumn(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, "\n")
}
