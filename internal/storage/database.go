package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// New opens the local status database at the given path, creating the file
// if needed. WAL mode keeps status reads unblocked while the vectorizer
// writes, and a busy timeout covers the brief writer overlap that remains.
func New(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Foreign keys are off by default; chunk rows must not outlive their
	// status record.
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	// One daemon process owns the file; a small pool is plenty.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate runs database migrations to create the required tables.
// It is idempotent and can be run multiple times safely.
func Migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS status_records (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			last_modified TEXT NOT NULL,
			last_vectorized TEXT,
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			tags TEXT,
			aliases TEXT,
			links TEXT,
			UNIQUE (workspace_id, file_path)
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			status_record_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			heading_path TEXT,
			content TEXT NOT NULL,
			FOREIGN KEY (status_record_id) REFERENCES status_records(id) ON DELETE CASCADE,
			UNIQUE (status_record_id, chunk_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_record ON chunks(status_record_id);`,
		`CREATE INDEX IF NOT EXISTS idx_status_workspace ON status_records(workspace_id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
