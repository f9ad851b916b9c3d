// Package tracker observes local file events, debounces and batches them,
// and drives the consistency store and vectorization queue.
package tracker

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultsync/internal/consistency"
	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
	"vaultsync/internal/exclusion"
	"vaultsync/internal/storage"
)

const (
	// rapidEditThreshold is the modify count within rapidEditWindow that
	// triggers the backoff.
	rapidEditThreshold = 3
	rapidEditWindow    = 5 * time.Second
	rapidEditFloor     = 3 * time.Second

	defaultDebounce     = time.Second
	defaultRenameWindow = 750 * time.Millisecond
	defaultPriority     = 10
)

// Enqueuer accepts paths for asynchronous vectorization.
type Enqueuer interface {
	Enqueue(path string, priority int)
}

// OperationLedger is the slice of the coordination store the tracker needs:
// deferring operations while the remote store is unreachable and recording
// detected conflicts. Satisfied by coordination.Store.
type OperationLedger interface {
	Online() bool
	RecordOperation(ctx context.Context, op coordination.PendingOperation) error
	AppendConflict(ctx context.Context, conflict coordination.Conflict) (coordination.Conflict, error)
}

// Options configures a Tracker.
type Options struct {
	WorkspacePath string
	DeviceID      string
	Debounce      time.Duration // default 1s
	RenameWindow  time.Duration // how long a rename source waits for its destination
	Priority      int           // queue priority for event-driven work
}

// Tracker ingests file events, correlates renames, debounces per the event
// kind, and applies net effects in batches. Events ingested before MarkReady
// are buffered and replayed in arrival order.
type Tracker struct {
	opts       Options
	rules      *exclusion.Rules
	store      *consistency.Store
	queue      Enqueuer
	ledger     OperationLedger // may be nil
	rapidFloor time.Duration

	mu             sync.Mutex
	ready          bool
	stopped        bool
	buffer         []FileEvent
	pending        []FileEvent
	pendingRenames []FileEvent
	modifyTimes    map[string][]time.Time
	hashCache      map[string]string
	timer          *time.Timer
	ctx            context.Context

	wg sync.WaitGroup
}

// New creates a tracker. The queue receives paths that need (re)vectorizing;
// the ledger, when set, collects operations attempted while offline.
func New(opts Options, rules *exclusion.Rules, store *consistency.Store, queue Enqueuer, ledger OperationLedger) *Tracker {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = defaultRenameWindow
	}
	if opts.Priority == 0 {
		opts.Priority = defaultPriority
	}
	return &Tracker{
		opts:        opts,
		rules:       rules,
		store:       store,
		queue:       queue,
		ledger:      ledger,
		rapidFloor:  rapidEditFloor,
		modifyTimes: make(map[string][]time.Time),
		hashCache:   make(map[string]string),
		ctx:         context.Background(),
	}
}

// Run consumes a watcher's channels until the context is cancelled. It does
// not mark the tracker ready; callers do that once startup reconciliation
// has finished.
func (t *Tracker) Run(ctx context.Context, w *Watcher) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	logger := contextutil.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			t.Ingest(ev)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			logger.Warn("file watcher error", "error", err)
		}
	}
}

// MarkReady replays buffered events in original order and starts normal
// dispatch for subsequent ones.
func (t *Tracker) MarkReady() {
	t.mu.Lock()
	t.ready = true
	buffered := t.buffer
	t.buffer = nil
	for _, ev := range buffered {
		t.dispatchLocked(ev)
	}
	t.mu.Unlock()
}

// Ingest accepts one file event.
func (t *Tracker) Ingest(ev FileEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if !t.ready {
		t.buffer = append(t.buffer, ev)
		return
	}
	t.dispatchLocked(ev)
}

// Stop prevents further dispatch and waits for in-flight batch processing.
// Already-debounced work runs to completion.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) dispatchLocked(ev FileEvent) {
	if ev.Kind == eventRenameFrom {
		// Hold until the destination create arrives or the window expires.
		t.pendingRenames = append(t.pendingRenames, ev)
		t.resetTimerLocked(t.opts.RenameWindow)
		return
	}

	if ev.Kind == EventCreate && len(t.pendingRenames) > 0 {
		src := t.pendingRenames[0]
		t.pendingRenames = t.pendingRenames[1:]
		ev = FileEvent{Kind: EventRename, Path: ev.Path, OldPath: src.Path, Timestamp: ev.Timestamp}
	}

	// Renames always enter the queue so moves into or out of excluded
	// locations are observed.
	if ev.Kind != EventRename && t.rules.Excluded(ev.Path) {
		return
	}

	t.pending = append(t.pending, ev)
	t.resetTimerLocked(t.delayLocked(ev))
}

// delayLocked computes the debounce delay for one event: halved for delete
// and rename, doubled with a floor for rapid edits.
func (t *Tracker) delayLocked(ev FileEvent) time.Duration {
	base := t.opts.Debounce
	switch ev.Kind {
	case EventDelete, EventRename:
		return base / 2
	case EventModify:
		cutoff := ev.Timestamp.Add(-rapidEditWindow)
		times := t.modifyTimes[ev.Path]
		kept := times[:0]
		for _, ts := range times {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, ev.Timestamp)
		t.modifyTimes[ev.Path] = kept

		if len(kept) > rapidEditThreshold {
			backoff := 2 * base
			if backoff < t.rapidFloor {
				backoff = t.rapidFloor
			}
			return backoff
		}
		return base
	default:
		return base
	}
}

func (t *Tracker) resetTimerLocked(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.flush)
}

// flush drains the queued events into one batch run. Expired rename sources
// whose destination never showed up degrade to deletes.
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	var stillPending []FileEvent
	for _, src := range t.pendingRenames {
		if now.Sub(src.Timestamp) >= t.opts.RenameWindow {
			if !t.rules.Excluded(src.Path) {
				t.pending = append(t.pending, FileEvent{Kind: EventDelete, Path: src.Path, Timestamp: src.Timestamp})
			}
		} else {
			stillPending = append(stillPending, src)
		}
	}
	t.pendingRenames = stillPending

	batch := t.pending
	t.pending = nil
	if len(t.pendingRenames) > 0 {
		t.resetTimerLocked(t.opts.RenameWindow)
	}
	ctx := t.ctx
	if len(batch) > 0 {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	if len(batch) > 0 {
		defer t.wg.Done()
		t.processBatch(ctx, batch)
	}
}

// processBatch applies renames first, then the net effect per remaining path.
func (t *Tracker) processBatch(ctx context.Context, batch []FileEvent) {
	logger := contextutil.LoggerFromContext(ctx)

	for _, ev := range batch {
		if ev.Kind == EventRename {
			if err := t.resolveRename(ctx, ev.OldPath, ev.Path); err != nil {
				logger.Error("rename resolution failed", "from", ev.OldPath, "to", ev.Path, "error", err)
			}
		}
	}

	// Last event per path wins; earlier ones are superseded.
	net := make(map[string]FileEvent)
	var order []string
	for _, ev := range batch {
		if ev.Kind == EventRename {
			continue
		}
		if _, seen := net[ev.Path]; !seen {
			order = append(order, ev.Path)
		}
		net[ev.Path] = ev
	}

	for _, path := range order {
		ev := net[path]
		switch ev.Kind {
		case EventDelete:
			if err := t.applyDelete(ctx, path); err != nil {
				logger.Error("delete failed", "path", path, "error", err)
			}
		case EventCreate, EventModify:
			t.applyUpsert(ctx, path)
		}
	}
}

func (t *Tracker) applyDelete(ctx context.Context, path string) error {
	t.mu.Lock()
	delete(t.hashCache, path)
	delete(t.modifyTimes, path)
	t.mu.Unlock()

	if err := t.store.SoftDelete(ctx, path); err != nil {
		return err
	}
	return t.recordOp(ctx, coordination.OpDelete, path, "", "")
}

// applyUpsert hashes the file and enqueues it unless the content is
// byte-identical to the last observed version.
func (t *Tracker) applyUpsert(ctx context.Context, path string) {
	logger := contextutil.LoggerFromContext(ctx)

	hash, err := t.hashFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Deleted between debounce and processing; the remove event handles it.
		return
	}
	if err != nil {
		logger.Warn("failed to hash file, skipping", "path", path, "error", err)
		return
	}

	t.mu.Lock()
	unchanged := t.hashCache[path] == hash
	t.hashCache[path] = hash
	t.mu.Unlock()
	if unchanged {
		logger.Debug("ignoring no-op touch", "path", path)
		return
	}

	t.queue.Enqueue(path, t.opts.Priority)
}

// resolveRename applies the four-way rename resolution.
func (t *Tracker) resolveRename(ctx context.Context, oldPath, newPath string) error {
	t.mu.Lock()
	delete(t.hashCache, oldPath)
	delete(t.modifyTimes, oldPath)
	t.mu.Unlock()

	// Destination excluded: the file left tracked territory.
	if t.rules.Excluded(newPath) {
		if err := t.store.SoftDelete(ctx, oldPath); err != nil {
			return fmt.Errorf("failed to delete renamed-away source: %w", err)
		}
		return t.recordOp(ctx, coordination.OpDelete, oldPath, "", "")
	}

	hash, err := t.hashFile(newPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to hash rename destination: %w", err)
	}

	if err := t.recordOp(ctx, coordination.OpRename, newPath, oldPath, hash); err != nil {
		return err
	}

	// Destination already tracked: collision. Record the conflict, drop
	// both records, and reprocess the surviving file as new.
	if dest, destErr := t.store.GetStatus(ctx, newPath); destErr == nil {
		t.recordConflict(ctx, newPath, coordination.Version{
			DeviceID:    t.opts.DeviceID,
			Modified:    t.modTime(newPath),
			ContentHash: hash,
		}, coordination.Version{
			DeviceID:    t.opts.DeviceID,
			Modified:    dest.LastModified,
			ContentHash: dest.ContentHash,
		})
		if err := t.store.HardDelete(ctx, oldPath); err != nil {
			return fmt.Errorf("failed to remove rename source: %w", err)
		}
		if err := t.store.HardDelete(ctx, newPath); err != nil {
			return fmt.Errorf("failed to remove rename destination: %w", err)
		}
		t.setHash(newPath, hash)
		t.queue.Enqueue(newPath, t.opts.Priority)
		return nil
	} else if destErr != storage.ErrNotFound {
		return fmt.Errorf("failed to check rename destination: %w", destErr)
	}

	// Content unchanged: move the record, keep the chunk set.
	if src, srcErr := t.store.GetStatus(ctx, oldPath); srcErr == nil && hash != "" && src.ContentHash == hash {
		if err := t.store.UpdatePath(ctx, oldPath, newPath); err != nil {
			return fmt.Errorf("failed to move status record: %w", err)
		}
		t.setHash(newPath, hash)
		return nil
	} else if srcErr != nil && srcErr != storage.ErrNotFound {
		return fmt.Errorf("failed to check rename source: %w", srcErr)
	}

	// Content changed in flight (or the source was never tracked).
	if err := t.store.HardDelete(ctx, oldPath); err != nil {
		return fmt.Errorf("failed to remove rename source: %w", err)
	}
	t.setHash(newPath, hash)
	t.queue.Enqueue(newPath, t.opts.Priority)
	return nil
}

func (t *Tracker) setHash(path, hash string) {
	t.mu.Lock()
	if hash == "" {
		delete(t.hashCache, path)
	} else {
		t.hashCache[path] = hash
	}
	t.mu.Unlock()
}

func (t *Tracker) modTime(path string) time.Time {
	info, err := os.Stat(filepath.Join(t.opts.WorkspacePath, filepath.FromSlash(path)))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime().UTC()
}

func (t *Tracker) hashFile(path string) (string, error) {
	content, err := os.ReadFile(filepath.Join(t.opts.WorkspacePath, filepath.FromSlash(path)))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum), nil
}

// recordOp writes a pending operation to the coordination ledger when the
// remote store is offline. Online, the operation runs directly and nothing
// needs replaying.
func (t *Tracker) recordOp(ctx context.Context, opType coordination.OperationType, path, oldPath, hash string) error {
	if t.ledger == nil || t.ledger.Online() {
		return nil
	}
	return t.ledger.RecordOperation(ctx, coordination.PendingOperation{
		ID:          uuid.New().String(),
		FileID:      path,
		Type:        opType,
		Timestamp:   time.Now().UTC(),
		DeviceID:    t.opts.DeviceID,
		OldPath:     oldPath,
		ContentHash: hash,
		Status:      "pending",
	})
}

// recordConflict appends a detected conflict to the coordination document.
// Recording is best effort; a failure never blocks event processing.
func (t *Tracker) recordConflict(ctx context.Context, path string, local, remote coordination.Version) {
	if t.ledger == nil {
		return
	}
	_, err := t.ledger.AppendConflict(ctx, coordination.Conflict{
		FileID:    path,
		DeviceIDs: []string{t.opts.DeviceID},
		Local:     local,
		Remote:    remote,
	})
	if err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record conflict",
			"path", path, "error", err)
	}
}
