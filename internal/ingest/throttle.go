//file: internal/ingest/throttle.go

package ingest

import (
	"context"
	"sync"
	"time"
)

// maxPerSecondPerNamespace caps intake per broker and topic namespace.
// Counters reset every window.
const (
	maxPerSecondPerNamespace = 50
	throttleWindow           = time.Second
)

type nsCount struct {
	n      int
	warned bool
}

// throttle is the per-namespace rate gate. A background worker clears
// the counters once per window.
type throttle struct {
	limit int

	mu     sync.Mutex
	counts map[string]*nsCount

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newThrottle(limit int) *throttle {
	return &throttle{
		limit:  limit,
		counts: make(map[string]*nsCount),
		stopCh: make(chan struct{}),
	}
}

// allow counts one message against key. firstDrop is true only for the
// first rejection of the current window, so the caller warns once.
func (t *throttle) allow(key string) (allowed, firstDrop bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.counts[key]
	if c == nil {
		c = &nsCount{}
		t.counts[key] = c
	}
	c.n++
	if c.n <= t.limit {
		return true, false
	}
	first := !c.warned
	c.warned = true
	return false, first
}

func (t *throttle) start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(throttleWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.reset()
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *throttle) reset() {
	t.mu.Lock()
	t.counts = make(map[string]*nsCount)
	t.mu.Unlock()
}

func (t *throttle) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
