//file: internal/persist/queue.go

// Package persist batches incoming events into the store. Enqueue never
// blocks the broker receive path; a single worker drains the queue, and
// events that need store access for their transforms are replayed to the
// mapper only after their batch has committed.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

// ReplayFunc receives a committed event whose transform needs the store.
// Implementations handle their own errors.
type ReplayFunc func(ev *event.Event)

// Queue is the write path to the events table. A single worker owns all
// inserts, so batches never interleave.
type Queue struct {
	store   *store.Store
	logger  *logger.Logger
	metrics *metrics.Metrics
	replay  ReplayFunc

	batchSize int
	interval  time.Duration
	softLimit int

	mu             sync.Mutex
	pending        []*event.Event
	overflowWarned bool

	kick     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewQueue(s *store.Store, log *logger.Logger, metricsService *metrics.Metrics, batchSize int, interval time.Duration, softLimit int, replay ReplayFunc) *Queue {
	if batchSize <= 0 {
		batchSize = 5000
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Queue{
		store:     s,
		logger:    log,
		metrics:   metricsService,
		replay:    replay,
		batchSize: batchSize,
		interval:  interval,
		softLimit: softLimit,
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Enqueue appends an event. Beyond the soft limit the oldest entries are
// dropped; there is no durable outbox, durability belongs to the store.
func (q *Queue) Enqueue(ev *event.Event) {
	q.mu.Lock()
	q.pending = append(q.pending, ev)

	dropped := 0
	if q.softLimit > 0 && len(q.pending) > q.softLimit {
		dropped = len(q.pending) - q.softLimit
		q.pending = q.pending[dropped:]
	}
	depth := len(q.pending)
	warnNow := false
	if dropped > 0 && !q.overflowWarned {
		q.overflowWarned = true
		warnNow = true
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(depth)
		if dropped > 0 {
			q.metrics.AddQueueDropped(dropped)
		}
	}
	if warnNow {
		q.logger.Warn("persistence queue overflow, dropping oldest events",
			"soft_limit", q.softLimit,
			"dropped", dropped)
	}

	if depth >= q.batchSize {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

// Depth reports the number of queued events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop halts the worker and drains whatever is still queued. Safe to
// call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
		q.drain(context.Background())
	})
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drain(ctx)
		case <-q.kick:
			q.drain(ctx)
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain pops and persists batches until the backlog is below the batch
// size or the store is unavailable.
func (q *Queue) drain(ctx context.Context) {
	for {
		batch := q.pop()
		if len(batch) == 0 {
			return
		}
		if !q.persistBatch(ctx, batch) {
			return
		}
		if q.Depth() < q.batchSize {
			return
		}
	}
}

func (q *Queue) pop() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := len(q.pending)
	if k > q.batchSize {
		k = q.batchSize
	}
	batch := q.pending[:k:k]
	q.pending = q.pending[k:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	if q.softLimit <= 0 || len(q.pending) < q.softLimit {
		q.overflowWarned = false
	}
	return batch
}

// persistBatch returns false when the store is unavailable; the batch is
// put back at the front of the queue and retried on the next tick. A
// batch that fails on its own rows is dropped after rollback, retrying
// it would fail the same way.
func (q *Queue) persistBatch(ctx context.Context, batch []*event.Event) bool {
	// The insert itself must survive run-loop cancellation; shutdown
	// drains through here after the worker has exited.
	n, err := q.store.InsertBatch(context.WithoutCancel(ctx), batch)
	if err != nil {
		var rowErr *store.BatchRowError
		if errors.As(err, &rowErr) {
			if q.metrics != nil {
				q.metrics.IncBatchRollbacks()
			}
			q.logger.Error("event batch rolled back, events dropped",
				"events", len(batch),
				"failed_rows", rowErr.Failed,
				"error", err)
			return true
		}

		q.requeueFront(batch)
		q.logger.Warn("store unavailable, batch requeued",
			"events", len(batch),
			"error", err)
		return false
	}

	depth := q.Depth()
	if q.metrics != nil {
		q.metrics.IncBatchCommits()
		q.metrics.AddEventsPersisted(n)
		q.metrics.SetQueueDepth(depth)
	}
	q.logger.Debug("event batch committed", "events", n, "queue_depth", depth)

	if q.replay != nil {
		for _, ev := range batch {
			if ev.NeedsStore {
				q.replay(ev)
			}
		}
	}
	return true
}

func (q *Queue) requeueFront(batch []*event.Event) {
	q.mu.Lock()
	q.pending = append(batch, q.pending...)
	q.mu.Unlock()
}
