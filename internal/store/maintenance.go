//file: internal/store/maintenance.go

package store

import (
	"context"
	"sync"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
)

// Maintainer runs the periodic store upkeep: WAL checkpoints, size and
// bounds reporting, and retention pruning when the database outgrows its
// configured limit.
type Maintainer struct {
	store    *Store
	bus      *bus.Bus
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewMaintainer(s *Store, b *bus.Bus, interval time.Duration) *Maintainer {
	return &Maintainer{
		store:    s,
		bus:      b,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (m *Maintainer) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.runOnce(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the loop and runs one final checkpoint.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	m.mu.Unlock()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.store.Checkpoint(ctx)
}

func (m *Maintainer) runOnce(ctx context.Context) {
	m.store.Checkpoint(ctx)
	m.reportStatus(ctx)
	m.store.PruneIfOversize(ctx, m.bus)
}

func (m *Maintainer) reportStatus(ctx context.Context) {
	size, err := m.store.SizeBytes(ctx)
	if err != nil {
		m.store.logger.Debug("failed to read store size", "error", err)
		return
	}
	count, err := m.store.EventCount(ctx)
	if err != nil {
		m.store.logger.Debug("failed to count events", "error", err)
		return
	}

	m.store.safeMetricsUpdate(func(mm *metrics.Metrics) {
		mm.SetStoreSizeBytes(size)
		mm.SetStoreEvents(count)
	})

	m.bus.Publish(bus.TypeDBStatusUpdate, map[string]any{
		"size_bytes":  size,
		"event_count": count,
	})

	if minTS, maxTS, ok, err := m.store.Bounds(ctx); err == nil && ok {
		m.bus.Publish(bus.TypeDBBounds, map[string]any{
			"min_time": minTS,
			"max_time": maxTS,
		})
	}
}

// Checkpoint moves WAL contents back into the main database file. A
// passive checkpoint never blocks readers or the writer.
func (s *Store) Checkpoint(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`); err != nil {
		s.logger.Debug("wal checkpoint failed", "error", err)
	}
}

// PruneIfOversize enforces the retention limit: when the database
// exceeds its size cap, the oldest chunk of rows is deleted and the
// space reclaimed. One chunk per call keeps the work bounded.
func (s *Store) PruneIfOversize(ctx context.Context, b *bus.Bus) {
	if s.maxSizeBytes <= 0 {
		return
	}

	size, err := s.SizeBytes(ctx)
	if err != nil || size <= s.maxSizeBytes {
		return
	}

	b.Publish(bus.TypePruningStatus, map[string]any{
		"active":     true,
		"size_bytes": size,
	})

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mqtt_events WHERE rowid IN (
			SELECT rowid FROM mqtt_events ORDER BY timestamp ASC LIMIT ?
		)`, s.pruneChunk)
	if err != nil {
		s.logger.Error("retention prune failed", "error", err)
		b.Publish(bus.TypePruningStatus, map[string]any{"active": false, "rows_deleted": 0})
		return
	}
	deleted, _ := res.RowsAffected()

	s.Compact(ctx)

	newSize, _ := s.SizeBytes(ctx)
	s.logger.Info("pruned oldest events",
		"rows_deleted", deleted,
		"size_before", size,
		"size_after", newSize)

	s.safeMetricsUpdate(func(m *metrics.Metrics) { m.AddStorePruned(int(deleted)) })

	b.Publish(bus.TypePruningStatus, map[string]any{
		"active":       false,
		"rows_deleted": deleted,
		"size_bytes":   newSize,
	})
}

// Compact reclaims file space released by deletes.
func (s *Store) Compact(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		s.logger.Debug("incremental vacuum failed", "error", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Debug("wal truncate failed", "error", err)
	}
}

func (s *Store) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
