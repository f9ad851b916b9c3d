package coordination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultsync/internal/contextutil"
)

// LifecycleState is the explicit component lifecycle, queried instead of
// inferred from nil fields.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateInitializing
	StateReady
	StateError
)

// String returns a human-readable representation of the lifecycle state.
func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a coordination document store.
type Options struct {
	Path           string // Absolute path of the document
	WorkspaceID    string
	DeviceID       string
	DeviceName     string
	Platform       string
	PluginVersion  string
	BackupInterval time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Store owns the shared coordination document for this device. All mutations
// are full read-modify-write cycles against the file, because other devices
// rewrite the same file through the external replication layer; the in-memory
// copy is only a cache of the last read.
type Store struct {
	path           string
	backupPath     string
	workspaceID    string
	deviceID       string
	deviceName     string
	platform       string
	pluginVersion  string
	backupInterval time.Duration
	now            func() time.Time

	mu           sync.Mutex
	doc          *Document
	state        LifecycleState
	connectivity Connectivity
	lastBackup   time.Time
}

// NewStore creates a coordination document store. Call Initialize before use.
func NewStore(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		path:           opts.Path,
		backupPath:     opts.Path + ".backup",
		workspaceID:    opts.WorkspaceID,
		deviceID:       opts.DeviceID,
		deviceName:     opts.DeviceName,
		platform:       opts.Platform,
		pluginVersion:  opts.PluginVersion,
		backupInterval: opts.BackupInterval,
		now:            now,
		state:          StateUninitialized,
		connectivity:   ConnUnknown,
	}
}

// State returns the current lifecycle state.
func (s *Store) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connectivity returns the current connectivity state.
func (s *Store) Connectivity() Connectivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity
}

// Initialize loads the document if present; if absent or invalid, attempts a
// backup restore, else creates a fresh document registering this device.
// It always terminates with a usable document.
func (s *Store) Initialize(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateInitializing
	s.connectivity = ConnInitializing

	doc, err := s.loadLocked()
	switch {
	case err == nil:
		if verr := s.checkLocked(doc); verr != nil {
			if errors.Is(verr, ErrDeviceMismatch) {
				s.state = StateError
				return verr
			}
			logger.WarnContext(ctx, "coordination document invalid, repairing", "error", verr)
			doc, err = s.repairLocked(ctx)
			if err != nil {
				s.state = StateError
				return err
			}
		}
	case errors.Is(err, ErrMissing):
		logger.InfoContext(ctx, "coordination document missing, attempting backup restore", "path", s.path)
		doc, err = s.repairLocked(ctx)
		if err != nil {
			s.state = StateError
			return err
		}
	default:
		logger.WarnContext(ctx, "failed to load coordination document, repairing", "error", err)
		doc, err = s.repairLocked(ctx)
		if err != nil {
			s.state = StateError
			return err
		}
	}

	s.doc = doc
	if err := s.touchAndPersistLocked(); err != nil {
		s.state = StateError
		return err
	}

	s.state = StateReady
	logger.InfoContext(ctx, "coordination document ready",
		"path", s.path, "devices", len(doc.Header.Devices))
	return nil
}

// Validate checks structural well-formedness and the format signature. On any
// recoverable failure it runs the repair chain and reports success, since
// recreation is itself success. Only a workspace mismatch propagates.
func (s *Store) Validate(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err == nil {
		err = s.checkLocked(doc)
	}
	if err == nil {
		s.doc = doc
		return nil
	}
	if errors.Is(err, ErrDeviceMismatch) {
		return err
	}

	logger.WarnContext(ctx, "coordination document failed validation, repairing", "error", err)
	doc, err = s.repairLocked(ctx)
	if err != nil {
		s.state = StateError
		return err
	}
	s.doc = doc
	if err := s.touchAndPersistLocked(); err != nil {
		s.state = StateError
		return err
	}
	return nil
}

// checkLocked verifies structural invariants of a parsed document.
func (s *Store) checkLocked(doc *Document) error {
	if doc.Header.Format != FormatVersion {
		return fmt.Errorf("%w: got version %d, want %d", ErrOutdatedFormat, doc.Header.Format, FormatVersion)
	}
	if doc.Header.WorkspaceID == "" {
		return fmt.Errorf("%w: empty workspace id", ErrCorrupt)
	}
	if doc.Header.WorkspaceID != s.workspaceID {
		return fmt.Errorf("%w: document belongs to %q, this device syncs %q",
			ErrDeviceMismatch, doc.Header.WorkspaceID, s.workspaceID)
	}
	if doc.Header.Devices == nil {
		return fmt.Errorf("%w: missing device registry", ErrCorrupt)
	}
	if doc.Header.LastGlobalSync.IsZero() {
		return fmt.Errorf("%w: missing lastGlobalSync", ErrCorrupt)
	}
	return nil
}

// loadLocked reads and parses the document from disk.
func (s *Store) loadLocked() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("failed to read coordination document: %w", err)
	}
	return Parse(raw)
}

// repairLocked is the repair chain: restore-from-backup, else recreate empty.
func (s *Store) repairLocked(ctx context.Context) (*Document, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if raw, err := os.ReadFile(s.backupPath); err == nil {
		if doc, perr := Parse(raw); perr == nil {
			if cerr := s.checkLocked(doc); cerr == nil {
				logger.InfoContext(ctx, "restored coordination document from backup", "backup", s.backupPath)
				return doc, nil
			}
		}
		logger.WarnContext(ctx, "backup unusable, recreating coordination document")
	}

	return s.freshLocked(), nil
}

// freshLocked builds a new empty document registering this device.
func (s *Store) freshLocked() *Document {
	now := s.now()
	return &Document{
		Header: Header{
			Format:         FormatVersion,
			WorkspaceID:    s.workspaceID,
			LastGlobalSync: now,
			SyncState:      s.connectivity,
			LastWriter:     s.deviceID,
			PluginVersion:  s.pluginVersion,
			Devices: map[string]Device{
				s.deviceID: s.deviceLocked(now),
			},
		},
	}
}

func (s *Store) deviceLocked(now time.Time) Device {
	return Device{
		DeviceID:      s.deviceID,
		Name:          s.deviceName,
		Platform:      s.platform,
		LastSeen:      now,
		PluginVersion: s.pluginVersion,
	}
}

// touchAndPersistLocked upserts this device, stamps last-writer-wins header
// fields, trims bounded lists, and writes the whole document. A backup copy
// is refreshed once the configured interval has elapsed.
func (s *Store) touchAndPersistLocked() error {
	now := s.now()

	device := s.deviceLocked(now)
	if existing, ok := s.doc.Header.Devices[s.deviceID]; ok {
		device.LastSyncTime = existing.LastSyncTime
	}
	if s.doc.Header.Devices == nil {
		s.doc.Header.Devices = make(map[string]Device)
	}
	s.doc.Header.Devices[s.deviceID] = device
	s.doc.Header.LastWriter = s.deviceID
	s.doc.Header.SyncState = s.connectivity
	s.doc.Header.PluginVersion = s.pluginVersion
	s.doc.trim()

	raw, err := Render(s.doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create coordination directory: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write coordination document: %w", err)
	}

	if now.Sub(s.lastBackup) >= s.backupInterval {
		if err := os.WriteFile(s.backupPath, raw, 0644); err != nil {
			// A missed backup refresh is not fatal; next mutation retries.
			return nil
		}
		s.lastBackup = now
	}
	return nil
}

// mutate runs one read-modify-write cycle. The document is re-read from disk
// first so mutations land on top of whatever another device last replicated.
func (s *Store) mutate(ctx context.Context, fn func(doc *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return fmt.Errorf("coordination store not ready (state %s)", s.state)
	}

	doc, err := s.loadLocked()
	if err == nil {
		if cerr := s.checkLocked(doc); cerr == nil {
			s.doc = doc
		}
	}
	// Unreadable or invalid on-disk state keeps the cached copy; the write
	// below restores a valid document either way.

	fn(s.doc)
	return s.touchAndPersistLocked()
}

// Heartbeat upserts this device's registry entry.
func (s *Store) Heartbeat(ctx context.Context) error {
	return s.mutate(ctx, func(doc *Document) {})
}

// MarkGlobalSync records a completed workspace-wide sync for this device.
func (s *Store) MarkGlobalSync(ctx context.Context) error {
	return s.mutate(ctx, func(doc *Document) {
		now := s.now()
		doc.Header.LastGlobalSync = now
		device := doc.Header.Devices[s.deviceID]
		device.LastSyncTime = now
		doc.Header.Devices[s.deviceID] = device
	})
}

// RecordDatabaseCheck records the outcome of a remote store reachability check.
func (s *Store) RecordDatabaseCheck(ctx context.Context, status string) error {
	return s.mutate(ctx, func(doc *Document) {
		doc.LastDatabaseCheck = s.now()
		doc.DatabaseStatus = status
	})
}

// RecordOperation appends a pending operation, used as the degraded-mode
// fallback while the remote store is unreachable.
func (s *Store) RecordOperation(ctx context.Context, op PendingOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = s.now()
	}
	op.DeviceID = s.deviceID
	if op.Status == "" {
		op.Status = "pending"
	}
	return s.mutate(ctx, func(doc *Document) {
		doc.PendingOperations = append(doc.PendingOperations, op)
	})
}

// TakePendingOperations returns all recorded operations and clears the list.
// Called by the reconciler once the remote store is reachable again.
func (s *Store) TakePendingOperations(ctx context.Context) ([]PendingOperation, error) {
	var taken []PendingOperation
	err := s.mutate(ctx, func(doc *Document) {
		taken = doc.PendingOperations
		doc.PendingOperations = nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// Snapshot returns a deep copy of the current document for read-only queries.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return Document{}
	}
	snap := *s.doc
	snap.Header.Devices = make(map[string]Device, len(s.doc.Header.Devices))
	for id, d := range s.doc.Header.Devices {
		snap.Header.Devices[id] = d
	}
	snap.ConnectionEvents = append([]ConnectionEvent(nil), s.doc.ConnectionEvents...)
	snap.PendingOperations = append([]PendingOperation(nil), s.doc.PendingOperations...)
	snap.Conflicts = append([]Conflict(nil), s.doc.Conflicts...)
	return snap
}
