//file: internal/persist/queue_test.go
package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: ":memory:"}, logger.NewNop(), nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEvent(topic string, needsStore bool) *event.Event {
	return &event.Event{
		BrokerID:    "b1",
		Topic:       topic,
		Timestamp:   time.Now().UTC(),
		PayloadText: `{"v":1}`,
		NeedsStore:  needsStore,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueCommitsOnInterval(t *testing.T) {
	s := openTestStore(t)
	q := NewQueue(s, logger.NewNop(), nil, 100, 50*time.Millisecond, 1000, nil)
	q.Start(context.Background())
	defer q.Stop()

	for i := 0; i < 5; i++ {
		q.Enqueue(makeEvent("plant/a", false))
	}

	waitFor(t, 2*time.Second, func() bool {
		n, err := s.EventCount(context.Background())
		return err == nil && n == 5
	})
}

func TestQueueSizeTrigger(t *testing.T) {
	s := openTestStore(t)
	// Interval far beyond the test run, only the size trigger can fire
	q := NewQueue(s, logger.NewNop(), nil, 10, time.Hour, 1000, nil)
	q.Start(context.Background())

	for i := 0; i < 25; i++ {
		q.Enqueue(makeEvent("plant/a", false))
	}

	waitFor(t, 2*time.Second, func() bool {
		n, err := s.EventCount(context.Background())
		return err == nil && n >= 20
	})

	q.Stop()
	n, err := s.EventCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Errorf("EventCount() = %d after Stop, want 25", n)
	}
}

func TestQueueStopDrainsSynchronously(t *testing.T) {
	s := openTestStore(t)
	q := NewQueue(s, logger.NewNop(), nil, 1000, time.Hour, 0, nil)
	q.Start(context.Background())

	for i := 0; i < 7; i++ {
		q.Enqueue(makeEvent("plant/a", false))
	}
	q.Stop()

	n, err := s.EventCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("EventCount() = %d, want 7", n)
	}
	if q.Depth() != 0 {
		t.Errorf("Depth() = %d after Stop, want 0", q.Depth())
	}

	// Second Stop is a no-op
	q.Stop()
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	s := openTestStore(t)
	q := NewQueue(s, logger.NewNop(), nil, 1000, time.Hour, 10, nil)
	q.Start(context.Background())

	topics := []string{"t/0", "t/1", "t/2", "t/3", "t/4", "t/5", "t/6", "t/7", "t/8", "t/9", "t/10", "t/11", "t/12", "t/13", "t/14"}
	for _, topic := range topics {
		q.Enqueue(makeEvent(topic, false))
	}

	if q.Depth() != 10 {
		t.Fatalf("Depth() = %d, want soft limit 10", q.Depth())
	}

	q.Stop()

	rows, err := s.QueryAll(context.Background(), `SELECT topic FROM mqtt_events ORDER BY topic`)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Fatalf("persisted %d events, want 10", len(rows))
	}
	for _, row := range rows {
		switch row["topic"] {
		case "t/0", "t/1", "t/2", "t/3", "t/4":
			t.Errorf("oldest event %v survived overflow", row["topic"])
		}
	}
}

func TestQueueReplaysStoreEventsAfterCommit(t *testing.T) {
	s := openTestStore(t)

	var mu sync.Mutex
	var replayed []string
	var countAtReplay int64

	replay := func(ev *event.Event) {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, ev.Topic)
		n, err := s.EventCount(context.Background())
		if err == nil {
			countAtReplay = n
		}
	}
	q := NewQueue(s, logger.NewNop(), nil, 1000, time.Hour, 0, replay)
	q.Start(context.Background())

	q.Enqueue(makeEvent("plant/plain", false))
	q.Enqueue(makeEvent("plant/needs", true))
	q.Enqueue(makeEvent("plant/also-plain", false))
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(replayed) != 1 || replayed[0] != "plant/needs" {
		t.Errorf("replayed = %v, want [plant/needs]", replayed)
	}
	if countAtReplay != 3 {
		t.Errorf("events visible at replay = %d, want 3 (replay runs post-commit)", countAtReplay)
	}
}

func TestQueueDropsBatchWithBadRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Exec(ctx, `CREATE UNIQUE INDEX idx_unique_events ON mqtt_events(timestamp, topic, payload, broker_id)`); err != nil {
		t.Fatal(err)
	}

	q := NewQueue(s, logger.NewNop(), nil, 1000, 50*time.Millisecond, 0, nil)
	q.Start(ctx)

	bad := makeEvent("plant/dup", false)
	q.Enqueue(bad)
	q.Enqueue(bad) // same row twice violates the unique index

	waitFor(t, 2*time.Second, func() bool { return q.Depth() == 0 })

	q.Enqueue(makeEvent("plant/good", false))
	q.Stop()

	rows, err := s.QueryAll(ctx, `SELECT topic FROM mqtt_events`)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["topic"] != "plant/good" {
		t.Errorf("rows = %v, want only plant/good", rows)
	}
}
