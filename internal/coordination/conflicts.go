package coordination

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"vaultsync/internal/contextutil"
)

// AppendConflict records a detected conflict and enters the CONFLICT state.
// The state is cleared only by resolving every open conflict.
func (s *Store) AppendConflict(ctx context.Context, conflict Conflict) (Conflict, error) {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = s.now()
	}
	conflict.ResolutionStatus = "pending"

	// Enter CONFLICT first so the persisted header and the appended
	// conflict land in the same write.
	s.mu.Lock()
	s.connectivity = ConnConflict
	s.mu.Unlock()

	err := s.mutate(ctx, func(doc *Document) {
		doc.Conflicts = append(doc.Conflicts, conflict)
	})
	if err != nil {
		return Conflict{}, err
	}

	contextutil.LoggerFromContext(ctx).WarnContext(ctx, "conflict recorded",
		"conflict_id", conflict.ID, "file_id", conflict.FileID)
	return conflict, nil
}

// ResolveConflict applies the given strategy to a pending conflict.
//
// newest-wins picks the more recent version by explicit timestamp comparison
// (hash as the deterministic tie-break) and records the winner. keep-both
// marks the conflict resolved without touching either version's effects.
// manual performs no automatic action and leaves the conflict pending.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, strategy ResolutionStrategy) (Conflict, error) {
	logger := contextutil.LoggerFromContext(ctx)

	var resolved Conflict
	found := false

	err := s.mutate(ctx, func(doc *Document) {
		for i := range doc.Conflicts {
			c := &doc.Conflicts[i]
			if c.ID != conflictID {
				continue
			}
			found = true
			c.Strategy = strategy

			switch strategy {
			case StrategyNewestWins:
				winner := c.Remote.DeviceID
				if c.Local.Newer(c.Remote) {
					winner = c.Local.DeviceID
				}
				c.Winner = winner
				c.ResolutionStatus = "resolved"
				c.ResolvedAt = s.now()
				c.ResolvedBy = s.deviceID
			case StrategyKeepBoth:
				c.ResolutionStatus = "resolved"
				c.ResolvedAt = s.now()
				c.ResolvedBy = s.deviceID
			case StrategyManual:
				// Left pending for the user.
			}
			resolved = *c
			return
		}
	})
	if err != nil {
		return Conflict{}, err
	}
	if !found {
		return Conflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}

	// Leave CONFLICT only when nothing is pending anymore.
	if resolved.ResolutionStatus == "resolved" {
		s.mu.Lock()
		open := 0
		if s.doc != nil {
			open = len(s.doc.OpenConflicts())
		}
		if open == 0 && s.connectivity == ConnConflict {
			s.connectivity = ConnUnknown
		}
		s.mu.Unlock()

		logger.InfoContext(ctx, "conflict resolved",
			"conflict_id", conflictID, "strategy", strategy, "winner", resolved.Winner)
	}

	return resolved, nil
}
