//file: internal/mapper/book.go
package mapper

import (
	"sync"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
)

const (
	maxTargetLogs     = 20
	broadcastDebounce = 1500 * time.Millisecond
)

// LogEntry is one line in a target's recent history.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // success | error | debug
	Message   string `json:"message"`
}

// TargetMetrics accumulates per-(source topic, target) outcomes.
type TargetMetrics struct {
	SuccessCount int64      `json:"success_count"`
	Logs         []LogEntry `json:"logs"`
}

// metricsBook tracks transform outcomes and broadcasts them on the bus.
// Errors go out immediately so operators see failures promptly; success
// and debug entries are coalesced to bound the broadcast rate.
type metricsBook struct {
	bus *bus.Bus

	mu      sync.Mutex
	entries map[string]map[string]*TargetMetrics // source topic -> target id
	timer   *time.Timer
	closed  bool
}

func newMetricsBook(b *bus.Bus) *metricsBook {
	return &metricsBook{
		bus:     b,
		entries: make(map[string]map[string]*TargetMetrics),
	}
}

func (mb *metricsBook) record(sourceTopic, targetID, level, message string) {
	mb.mu.Lock()

	byTarget, ok := mb.entries[sourceTopic]
	if !ok {
		byTarget = make(map[string]*TargetMetrics)
		mb.entries[sourceTopic] = byTarget
	}
	tm, ok := byTarget[targetID]
	if !ok {
		tm = &TargetMetrics{}
		byTarget[targetID] = tm
	}

	if level == "success" {
		tm.SuccessCount++
	}
	tm.Logs = append(tm.Logs, LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   message,
	})
	if len(tm.Logs) > maxTargetLogs {
		tm.Logs = tm.Logs[len(tm.Logs)-maxTargetLogs:]
	}

	if level == "error" {
		mb.flushLocked()
		mb.mu.Unlock()
		return
	}

	if mb.timer == nil && !mb.closed {
		mb.timer = time.AfterFunc(broadcastDebounce, mb.flush)
	}
	mb.mu.Unlock()
}

func (mb *metricsBook) flush() {
	mb.mu.Lock()
	mb.flushLocked()
	mb.mu.Unlock()
}

// flushLocked broadcasts the current snapshot and cancels any pending
// debounce. Callers hold mb.mu.
func (mb *metricsBook) flushLocked() {
	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}
	if mb.bus == nil {
		return
	}
	mb.bus.Publish(bus.TypeMapperMetricsUpdate, map[string]any{
		"metrics": mb.snapshotLocked(),
	})
}

func (mb *metricsBook) snapshotLocked() map[string]map[string]*TargetMetrics {
	out := make(map[string]map[string]*TargetMetrics, len(mb.entries))
	for topic, byTarget := range mb.entries {
		tCopy := make(map[string]*TargetMetrics, len(byTarget))
		for id, tm := range byTarget {
			logs := make([]LogEntry, len(tm.Logs))
			copy(logs, tm.Logs)
			tCopy[id] = &TargetMetrics{SuccessCount: tm.SuccessCount, Logs: logs}
		}
		out[topic] = tCopy
	}
	return out
}

// snapshot returns a deep copy for callers outside the broadcast path.
func (mb *metricsBook) snapshot() map[string]map[string]*TargetMetrics {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.snapshotLocked()
}

// close flushes pending entries and stops the debounce timer.
func (mb *metricsBook) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.flushLocked()
	mb.mu.Unlock()
}
