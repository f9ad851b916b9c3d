package storage

import "time"

// FileStatus is the vectorization state of a tracked file.
type FileStatus string

const (
	// StatusPending indicates the file is known but its chunks are not yet vectorized.
	StatusPending FileStatus = "pending"
	// StatusVectorized indicates the chunk set is complete and embedded.
	StatusVectorized FileStatus = "vectorized"
	// StatusDeleted indicates the file disappeared locally. The record is kept
	// so rename heuristics can find it later; only chunks are removed.
	StatusDeleted FileStatus = "deleted"
	// StatusError indicates the last processing attempt failed.
	StatusError FileStatus = "error"
)

// StatusRecord tracks one file path within a workspace. The (WorkspaceID,
// FilePath) pair is unique; the record exclusively owns its chunk set.
type StatusRecord struct {
	ID             string // UUID
	WorkspaceID    string
	FilePath       string // Relative path from workspace root, forward slashes
	LastModified   time.Time
	LastVectorized time.Time // Zero until first successful vectorization
	ContentHash    string    // SHA256 hex of file content
	Status         FileStatus
	Tags           []string
	Aliases        []string
	Links          []string
}

// ChunkRecord is one content slice of a file. Chunks are never mutated
// individually; the whole set for a record is replaced atomically.
type ChunkRecord struct {
	ID             string // UUID, shared with the Qdrant point ID
	StatusRecordID string
	ChunkIndex     int // Starts at 0
	HeadingPath    string
	Content        string
}
