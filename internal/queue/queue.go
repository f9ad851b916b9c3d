// Package queue provides the in-process vectorization queue. Paths are
// enqueued with a priority, deduplicated, and drained by a fixed pool of
// workers that run the processing pipeline.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"vaultsync/internal/consistency"
	"vaultsync/internal/contextutil"
)

// Processor runs the vectorization pipeline for a single file path.
type Processor interface {
	Process(ctx context.Context, path string) error
}

type task struct {
	path     string
	priority int
	seq      uint64 // FIFO tie-break within a priority level
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a priority queue drained by worker goroutines. A path enqueued
// while already pending has its priority raised instead of being duplicated;
// a path enqueued while in flight is queued again after the current run.
type Queue struct {
	processor Processor
	workers   int

	mu       sync.Mutex
	cond     *sync.Cond
	heap     taskHeap
	pending  map[string]*task
	inflight map[string]bool
	requeue  map[string]int
	seq      uint64
	closed   bool

	wg sync.WaitGroup
}

// New creates a queue that dispatches to the given processor with the given
// number of concurrent workers.
func New(processor Processor, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		processor: processor,
		workers:   workers,
		pending:   make(map[string]*task),
		inflight:  make(map[string]bool),
		requeue:   make(map[string]int),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue schedules a path for processing. Higher priority drains first.
func (q *Queue) Enqueue(path string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if existing, ok := q.pending[path]; ok {
		if priority > existing.priority {
			existing.priority = priority
			heap.Init(&q.heap)
		}
		return
	}
	if q.inflight[path] {
		if p, ok := q.requeue[path]; !ok || priority > p {
			q.requeue[path] = priority
		}
		return
	}

	q.seq++
	t := &task{path: path, priority: priority, seq: q.seq}
	q.pending[path] = t
	heap.Push(&q.heap, t)
	q.cond.Signal()
}

// Len reports the number of pending paths, excluding in-flight ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Start launches the worker pool. Workers exit when the context is cancelled
// or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight work to finish. Pending
// tasks that have not started are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	logger := contextutil.LoggerFromContext(ctx)

	for {
		t := q.next(ctx)
		if t == nil {
			return
		}

		err := q.processor.Process(ctx, t.path)
		q.finish(t, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("vectorization failed", "path", t.path, "error", err)
		}
	}
}

// next blocks until a task is available or the queue shuts down.
func (q *Queue) next(ctx context.Context) *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || ctx.Err() != nil {
			return nil
		}
		if len(q.heap) > 0 {
			t := heap.Pop(&q.heap).(*task)
			delete(q.pending, t.path)
			q.inflight[t.path] = true
			return t
		}
		q.cond.Wait()
	}
}

func (q *Queue) finish(t *task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, t.path)

	// Another writer held the advisory flag; try again later.
	retry := errors.Is(err, consistency.ErrPathBusy)
	priority, queued := q.requeue[t.path]
	delete(q.requeue, t.path)

	if q.closed || (!queued && !retry) {
		return
	}
	if retry && (!queued || t.priority > priority) {
		priority = t.priority
	}

	q.seq++
	nt := &task{path: t.path, priority: priority, seq: q.seq}
	q.pending[t.path] = nt
	heap.Push(&q.heap, nt)
	q.cond.Signal()
}
