package coordination

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FormatVersion is the current on-disk document format. Documents written by
// older plugin builds carry a lower version and fail validation, which routes
// them through the repair chain.
const FormatVersion = 2

// Bounded list capacities. Lists are append-and-trim: concurrent overwrites
// from other devices lose at most the trimmed tail, not the whole history.
const (
	maxConnectionEvents  = 20
	maxPendingOperations = 100
	maxConflicts         = 50
)

var (
	// ErrMissing indicates the coordination document does not exist.
	ErrMissing = errors.New("coordination document missing")
	// ErrCorrupt indicates the document exists but cannot be parsed.
	ErrCorrupt = errors.New("coordination document corrupt")
	// ErrOutdatedFormat indicates the document was written by an older format.
	ErrOutdatedFormat = errors.New("coordination document format outdated")
	// ErrDeviceMismatch indicates the document belongs to a different workspace.
	// Not locally recoverable: repair would destroy another workspace's state.
	ErrDeviceMismatch = errors.New("coordination document workspace mismatch")
	// ErrConflictNotFound is returned when resolving an unknown conflict ID.
	ErrConflictNotFound = errors.New("conflict not found")
)

// Connectivity is the coordination-level view of remote store reachability.
type Connectivity string

const (
	ConnUnknown      Connectivity = "UNKNOWN"
	ConnInitializing Connectivity = "INITIALIZING"
	ConnOnline       Connectivity = "ONLINE"
	ConnOffline      Connectivity = "OFFLINE"
	ConnConflict     Connectivity = "CONFLICT"
)

// OperationType tags a pending operation recorded for later replay.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpRename OperationType = "rename"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	// StrategyNewestWins auto-resolves in favor of the more recent version.
	StrategyNewestWins ResolutionStrategy = "newest-wins"
	// StrategyKeepBoth marks the conflict resolved leaving both versions' effects intact.
	StrategyKeepBoth ResolutionStrategy = "keep-both"
	// StrategyManual leaves the conflict pending for the user.
	StrategyManual ResolutionStrategy = "manual"
)

// Device is one device's registry entry, upserted by its owner on every touch.
type Device struct {
	DeviceID      string    `json:"deviceId"`
	Name          string    `json:"name"`
	Platform      string    `json:"platform"`
	LastSeen      time.Time `json:"lastSeen"`
	LastSyncTime  time.Time `json:"lastSyncTime"`
	PluginVersion string    `json:"pluginVersion"`
}

// Version describes one side of a conflicting file update. The newest-wins
// comparison is an explicit timestamp-then-hash ordering, never inferred.
type Version struct {
	DeviceID    string    `json:"deviceId"`
	Modified    time.Time `json:"modified"`
	ContentHash string    `json:"contentHash"`
}

// Newer reports whether v should win over other under newest-wins.
// Later modification time wins; identical times fall back to a deterministic
// hash comparison so every device picks the same winner.
func (v Version) Newer(other Version) bool {
	if !v.Modified.Equal(other.Modified) {
		return v.Modified.After(other.Modified)
	}
	return v.ContentHash > other.ContentHash
}

// Conflict is one detected cross-device conflict on a file.
type Conflict struct {
	ID               string             `json:"id"`
	FileID           string             `json:"fileId"`
	DetectedAt       time.Time          `json:"detectedAt"`
	DeviceIDs        []string           `json:"deviceIds"`
	Local            Version            `json:"local"`
	Remote           Version            `json:"remote"`
	ResolutionStatus string             `json:"resolutionStatus"` // "pending" or "resolved"
	Strategy         ResolutionStrategy `json:"resolutionStrategy,omitempty"`
	ResolvedAt       time.Time          `json:"resolvedAt,omitzero"`
	ResolvedBy       string             `json:"resolvedBy,omitempty"`
	Winner           string             `json:"winner,omitempty"` // Device ID of the surviving version
}

// PendingOperation is a file operation recorded while the remote store is
// unreachable, replayed during the next reconciliation.
type PendingOperation struct {
	ID           string        `json:"id"`
	FileID       string        `json:"fileId"`
	Type         OperationType `json:"operationType"`
	Timestamp    time.Time     `json:"timestamp"`
	DeviceID     string        `json:"deviceId"`
	OldPath      string        `json:"oldPath,omitempty"`
	ContentHash  string        `json:"contentHash,omitempty"`
	LastModified time.Time     `json:"lastModified,omitzero"`
	Status       string        `json:"status"`
}

// ConnectionEvent records a connectivity transition for one device.
type ConnectionEvent struct {
	At       time.Time    `json:"at"`
	DeviceID string       `json:"deviceId"`
	From     Connectivity `json:"from"`
	To       Connectivity `json:"to"`
	Note     string       `json:"note,omitempty"`
}

// Header is the structured block every device overwrites on each touch.
// Scalar fields are last-writer-wins; the device map is upsert-per-owner.
type Header struct {
	Format         int               `json:"formatVersion"`
	WorkspaceID    string            `json:"workspaceId"`
	LastGlobalSync time.Time         `json:"lastGlobalSync"`
	SyncState      Connectivity      `json:"syncState"`
	LastWriter     string            `json:"lastWriter"`
	PluginVersion  string            `json:"pluginVersion"`
	Devices        map[string]Device `json:"devices"`
}

// Document is the single shared cross-device record for a workspace.
type Document struct {
	Header            Header             `json:"header"`
	ConnectionEvents  []ConnectionEvent  `json:"connectionEvents"`
	PendingOperations []PendingOperation `json:"pendingOperations"`
	Conflicts         []Conflict         `json:"conflicts"`
	LastDatabaseCheck time.Time          `json:"lastDatabaseCheck,omitzero"`
	DatabaseStatus    string             `json:"databaseStatus,omitempty"`
}

// trim enforces the bounded-list caps, dropping the oldest entries.
func (d *Document) trim() {
	if n := len(d.ConnectionEvents); n > maxConnectionEvents {
		d.ConnectionEvents = d.ConnectionEvents[n-maxConnectionEvents:]
	}
	if n := len(d.PendingOperations); n > maxPendingOperations {
		d.PendingOperations = d.PendingOperations[n-maxPendingOperations:]
	}
	if n := len(d.Conflicts); n > maxConflicts {
		d.Conflicts = d.Conflicts[n-maxConflicts:]
	}
}

// OpenConflicts returns the conflicts still awaiting resolution.
func (d *Document) OpenConflicts() []Conflict {
	var open []Conflict
	for _, c := range d.Conflicts {
		if c.ResolutionStatus == "pending" {
			open = append(open, c)
		}
	}
	return open
}

const (
	fenceOpen  = "```json"
	fenceClose = "```"
)

// Render serializes the document as a markdown file: a short explanatory body
// around a fenced JSON block. The body text is for humans opening the file in
// their editor; only the JSON block is parsed.
func Render(doc *Document) ([]byte, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coordination document: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# Workspace Sync State\n\n")
	buf.WriteString("This file coordinates vaultsync across the devices sharing this workspace.\n")
	buf.WriteString("It is rewritten automatically; manual edits will be lost.\n\n")
	buf.WriteString(fenceOpen + "\n")
	buf.Write(payload)
	buf.WriteString("\n" + fenceClose + "\n\n")
	buf.WriteString(fmt.Sprintf("Last written by `%s` at %s.\n",
		doc.Header.LastWriter, doc.Header.LastGlobalSync.UTC().Format(time.RFC3339)))
	return buf.Bytes(), nil
}

// Parse extracts and decodes the fenced JSON block from a rendered document.
func Parse(raw []byte) (*Document, error) {
	content := string(raw)

	start := strings.Index(content, fenceOpen)
	if start == -1 {
		return nil, fmt.Errorf("%w: no JSON block found", ErrCorrupt)
	}
	rest := content[start+len(fenceOpen):]
	end := strings.Index(rest, fenceClose)
	if end == -1 {
		return nil, fmt.Errorf("%w: unterminated JSON block", ErrCorrupt)
	}

	var doc Document
	if err := json.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &doc, nil
}
