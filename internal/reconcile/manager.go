// Package reconcile performs the prioritized, batched, resumable
// full-workspace scan that brings the remote store in line with local files.
package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vaultsync/internal/consistency"
	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
	"vaultsync/internal/exclusion"
	"vaultsync/internal/queue"
)

const (
	defaultBatchSize     = 50
	defaultMaxConcurrent = 3
)

// Rule maps a path pattern to a priority. Higher priorities process first.
type Rule struct {
	Pattern  string
	Priority int
}

// Ledger is the slice of the coordination store the manager needs: marking
// a completed global sync, draining operations deferred while offline, and
// recording conflicts detected during replay.
type Ledger interface {
	MarkGlobalSync(ctx context.Context) error
	TakePendingOperations(ctx context.Context) ([]coordination.PendingOperation, error)
	AppendConflict(ctx context.Context, conflict coordination.Conflict) (coordination.Conflict, error)
}

// Options configures a Manager.
type Options struct {
	WorkspacePath    string
	CoordinationPath string
	DeviceID         string
	BatchSize        int
	MaxConcurrent    int
	Rules            []Rule
}

// Manager runs full-workspace reconciliation. A run enumerates trackable
// files, sorts them by priority, partitions them into fixed-size batches, and
// drives up to MaxConcurrent batches at a time through the processor. The
// last fully completed batch is checkpointed so an interrupted run resumes
// rather than restarting.
type Manager struct {
	opts      Options
	rules     *exclusion.Rules
	store     *consistency.Store
	processor queue.Processor
	ledger    Ledger // may be nil
	sink      ProgressSink

	stop atomic.Bool

	mu         sync.Mutex
	running    bool
	checkpoint int // files before this index are done
}

// New creates a reconciliation manager.
func New(opts Options, rules *exclusion.Rules, store *consistency.Store, processor queue.Processor, ledger Ledger, sink ProgressSink) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	return &Manager{
		opts:      opts,
		rules:     rules,
		store:     store,
		processor: processor,
		ledger:    ledger,
		sink:      sink,
	}
}

// Stop requests a cooperative stop. Batches already running finish; no new
// batch starts. The next Run resumes from the last completed batch.
func (m *Manager) Stop() {
	m.stop.Store(true)
}

// Running reports whether a run is in progress.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Checkpoint returns the index of the first unprocessed file.
func (m *Manager) Checkpoint() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint
}

// Run performs one reconciliation pass. When force is false and the
// workspace already has status records, a fresh (non-resumed) run is skipped
// as evidence that a prior run completed.
func (m *Manager) Run(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("reconciliation already running")
	}
	m.running = true
	resume := m.checkpoint
	m.mu.Unlock()
	m.stop.Store(false)

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	logger := contextutil.LoggerFromContext(ctx)

	if !force && resume == 0 {
		has, err := m.store.HasWorkspaceData(ctx)
		if err != nil {
			return fmt.Errorf("failed to check workspace data: %w", err)
		}
		if has {
			logger.Info("workspace already has records, skipping full reconciliation")
			return nil
		}
	}

	files, err := m.enumerate()
	if err != nil {
		return fmt.Errorf("failed to enumerate workspace: %w", err)
	}
	m.sortByPriority(files)

	if resume > len(files) {
		resume = 0
	}
	remaining := files[resume:]
	batches := partition(remaining, m.opts.BatchSize)
	logger.Info("starting reconciliation",
		"files", len(files), "resume_index", resume, "batches", len(batches))

	start := time.Now()
	var processed atomic.Int64
	total := len(remaining)

	report := func(step string) {
		if m.sink == nil {
			return
		}
		done := int(processed.Load())
		p := Progress{
			Processed:   done,
			Total:       total,
			CurrentStep: step,
			StartedAt:   start,
		}
		if total > 0 {
			p.Percent = float64(done) / float64(total) * 100
		}
		if done > 0 && done < total {
			elapsed := time.Since(start)
			p.ETA = time.Duration(float64(elapsed) / float64(done) * float64(total-done))
		}
		m.sink.Update(p)
	}
	report("enumerated")

	// Batch indexes flow through a channel; workers claim the next batch and
	// run its files sequentially. The stop flag is honored between batches.
	indexes := make(chan int)
	done := make([]bool, len(batches))
	var doneMu sync.Mutex

	var wg sync.WaitGroup
	workers := m.opts.MaxConcurrent
	if workers > len(batches) {
		workers = len(batches)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				if m.stop.Load() || ctx.Err() != nil {
					continue
				}
				m.runBatch(ctx, batches[idx], &processed, report)
				doneMu.Lock()
				done[idx] = true
				doneMu.Unlock()
				m.advanceCheckpoint(resume, batches, done, &doneMu)
			}
		}()
	}

	stopped := false
	for idx := range batches {
		if m.stop.Load() || ctx.Err() != nil {
			stopped = true
			break
		}
		indexes <- idx
	}
	close(indexes)
	wg.Wait()

	if stopped {
		logger.Info("reconciliation stopped", "checkpoint", m.Checkpoint())
		report("stopped")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Full pass done: clear the checkpoint so the next run starts fresh.
	m.mu.Lock()
	m.checkpoint = 0
	m.mu.Unlock()
	report("completed")

	if m.ledger != nil {
		if err := m.ledger.MarkGlobalSync(ctx); err != nil {
			logger.Warn("failed to record global sync", "error", err)
		}
	}
	logger.Info("reconciliation completed", "files", total, "elapsed", time.Since(start).Round(time.Millisecond).String())
	return nil
}

func (m *Manager) runBatch(ctx context.Context, batch []string, processed *atomic.Int64, report func(string)) {
	logger := contextutil.LoggerFromContext(ctx)
	for _, filePath := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := m.processor.Process(ctx, filePath); err != nil {
			// A single failed file does not halt the batch.
			logger.Warn("failed to process file", "path", filePath, "error", err)
		}
		processed.Add(1)
		report(filePath)
	}
}

// advanceCheckpoint moves the checkpoint past every contiguous completed
// batch, so it only ever covers whole batches in order.
func (m *Manager) advanceCheckpoint(resume int, batches [][]string, done []bool, doneMu *sync.Mutex) {
	doneMu.Lock()
	defer doneMu.Unlock()

	index := resume
	for i, batch := range batches {
		if !done[i] {
			break
		}
		index += len(batch)
	}

	m.mu.Lock()
	if index > m.checkpoint {
		m.checkpoint = index
	}
	m.mu.Unlock()
}

// enumerate lists trackable workspace files as slash-separated relative
// paths, in filesystem walk order.
func (m *Manager) enumerate() ([]string, error) {
	var files []string
	root := m.opts.WorkspacePath

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if m.rules.Excluded(rel) {
			return nil
		}
		// Defensive second filter: the coordination document never syncs.
		if rel == m.opts.CoordinationPath || rel == m.opts.CoordinationPath+".backup" {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// sortByPriority orders files by the first matching rule's priority, higher
// first. Files without a matching rule get priority 1. The sort is stable,
// preserving walk order within a priority level.
func (m *Manager) sortByPriority(files []string) {
	if len(m.opts.Rules) == 0 {
		return
	}
	sort.SliceStable(files, func(i, j int) bool {
		return m.priorityFor(files[i]) > m.priorityFor(files[j])
	})
}

func (m *Manager) priorityFor(filePath string) int {
	for _, rule := range m.opts.Rules {
		if matchPattern(rule.Pattern, filePath) {
			return rule.Priority
		}
	}
	return 1
}

// matchPattern accepts globs against the full path and the base name, and
// plain prefixes for folder-style patterns.
func matchPattern(pattern, filePath string) bool {
	if ok, err := path.Match(pattern, filePath); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, path.Base(filePath)); err == nil && ok {
		return true
	}
	return strings.HasPrefix(filePath, strings.TrimSuffix(pattern, "/")+"/")
}

func partition(files []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(files); start += size {
		end := start + size
		if end > len(files) {
			end = len(files)
		}
		batches = append(batches, files[start:end])
	}
	return batches
}

// ReplayPendingOperations drains operations deferred while offline and
// applies them: deletes soft-delete the record, everything else reprocesses
// the path.
func (m *Manager) ReplayPendingOperations(ctx context.Context) error {
	if m.ledger == nil {
		return nil
	}
	logger := contextutil.LoggerFromContext(ctx)

	ops, err := m.ledger.TakePendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("failed to take pending operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	logger.Info("replaying deferred operations", "count", len(ops))

	for _, op := range ops {
		switch op.Type {
		case coordination.OpDelete:
			if err := m.store.SoftDelete(ctx, op.FileID); err != nil {
				logger.Warn("failed to replay delete", "path", op.FileID, "error", err)
			}
		case coordination.OpRename:
			if op.OldPath != "" {
				if err := m.store.HardDelete(ctx, op.OldPath); err != nil {
					logger.Warn("failed to drop rename source", "path", op.OldPath, "error", err)
				}
			}
			if err := m.processor.Process(ctx, op.FileID); err != nil {
				logger.Warn("failed to replay rename", "path", op.FileID, "error", err)
			}
		default:
			m.detectReplayConflict(ctx, op)
			if err := m.processor.Process(ctx, op.FileID); err != nil {
				logger.Warn("failed to replay operation", "path", op.FileID, "type", string(op.Type), "error", err)
			}
		}
	}
	return nil
}

// detectReplayConflict records a conflict when a deferred operation's content
// hash no longer matches the tracked record, meaning the file changed again
// between deferral and replay. The replay still runs; the on-disk content
// stays authoritative for vectorization.
func (m *Manager) detectReplayConflict(ctx context.Context, op coordination.PendingOperation) {
	if op.ContentHash == "" {
		return
	}
	rec, err := m.store.GetStatus(ctx, op.FileID)
	if err != nil || rec.ContentHash == "" || rec.ContentHash == op.ContentHash {
		return
	}
	_, err = m.ledger.AppendConflict(ctx, coordination.Conflict{
		FileID:    op.FileID,
		DeviceIDs: []string{m.opts.DeviceID, op.DeviceID},
		Local: coordination.Version{
			DeviceID:    m.opts.DeviceID,
			Modified:    rec.LastModified,
			ContentHash: rec.ContentHash,
		},
		Remote: coordination.Version{
			DeviceID:    op.DeviceID,
			Modified:    op.LastModified,
			ContentHash: op.ContentHash,
		},
	})
	if err != nil {
		contextutil.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record replay conflict",
			"path", op.FileID, "error", err)
	}
}
