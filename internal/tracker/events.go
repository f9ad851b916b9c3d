package tracker

import "time"

// EventKind tags a file event.
type EventKind int

const (
	// EventCreate indicates a new file appeared.
	EventCreate EventKind = iota
	// EventModify indicates an existing file's content changed.
	EventModify
	// EventDelete indicates a file was removed.
	EventDelete
	// EventRename indicates a file moved; OldPath carries the source.
	EventRename
	// eventRenameFrom is the raw half of a rename: the source path vanished
	// and the destination has not been seen yet. Internal to correlation.
	eventRenameFrom
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	case eventRenameFrom:
		return "rename-from"
	default:
		return "unknown"
	}
}

// FileEvent is one observed change, with paths workspace-relative and
// slash-separated.
type FileEvent struct {
	Kind      EventKind
	Path      string
	OldPath   string // rename only
	Timestamp time.Time
}
