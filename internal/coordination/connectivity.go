package coordination

import (
	"context"

	"vaultsync/internal/contextutil"
)

// Probe runs one reachability check against the remote store and applies the
// resulting connectivity transition. Entering or leaving OFFLINE appends a
// connection event; a CONFLICT state is never overwritten by probes and is
// only cleared through conflict resolution.
func (s *Store) Probe(ctx context.Context, ping func(ctx context.Context) error) error {
	logger := contextutil.LoggerFromContext(ctx)

	target := ConnOnline
	status := "ok"
	if err := ping(ctx); err != nil {
		target = ConnOffline
		status = err.Error()
		logger.WarnContext(ctx, "remote store unreachable", "error", err)
	}

	s.mu.Lock()
	current := s.connectivity
	s.mu.Unlock()

	if current == ConnConflict {
		// Still record the check outcome for the status API.
		return s.RecordDatabaseCheck(ctx, status)
	}
	if current == target {
		return s.RecordDatabaseCheck(ctx, status)
	}

	return s.transition(ctx, target, status)
}

// transition moves the connectivity state machine and records the change.
func (s *Store) transition(ctx context.Context, to Connectivity, note string) error {
	logger := contextutil.LoggerFromContext(ctx)

	s.mu.Lock()
	from := s.connectivity
	s.connectivity = to
	s.mu.Unlock()

	logger.InfoContext(ctx, "connectivity transition", "from", from, "to", to)

	return s.mutate(ctx, func(doc *Document) {
		doc.LastDatabaseCheck = s.now()
		doc.DatabaseStatus = note
		// Only OFFLINE boundary crossings are history-worthy; steady-state
		// flapping between UNKNOWN/INITIALIZING/ONLINE is not.
		if from == ConnOffline || to == ConnOffline {
			doc.ConnectionEvents = append(doc.ConnectionEvents, ConnectionEvent{
				At:       s.now(),
				DeviceID: s.deviceID,
				From:     from,
				To:       to,
				Note:     note,
			})
		}
	})
}

// Online reports whether the last probe saw the remote store reachable.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectivity == ConnOnline
}
