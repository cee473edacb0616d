//file: internal/ingest/ingest_test.go

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sparkplug"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

type fakeMapper struct {
	needsStore bool

	mu        sync.Mutex
	processed []*event.Event
}

func (f *fakeMapper) RequiresStore(string) bool { return f.needsStore }

func (f *fakeMapper) ProcessEvent(ev *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, ev)
}

func (f *fakeMapper) events() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Event(nil), f.processed...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []*event.Event
}

func (f *fakeSink) add(ev *event.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) all() []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*event.Event(nil), f.events...)
}

type fakePersist struct{ fakeSink }

func (f *fakePersist) Enqueue(ev *event.Event) { f.add(ev) }

type fakeAlerts struct{ fakeSink }

func (f *fakeAlerts) Evaluate(ev *event.Event) { f.add(ev) }

type testRig struct {
	handler *Handler
	bus     *bus.Bus
	persist *fakePersist
	mapper  *fakeMapper
	alerts  *fakeAlerts
}

func newTestRig(t *testing.T, mutate ...func(*Options)) *testRig {
	t.Helper()
	rig := &testRig{
		bus:     bus.New(logger.NewNop(), nil),
		persist: &fakePersist{},
		mapper:  &fakeMapper{},
		alerts:  &fakeAlerts{},
	}
	opts := Options{
		Logger:  logger.NewNop(),
		Bus:     rig.bus,
		Persist: rig.persist,
		Mapper:  rig.mapper,
		Alerts:  rig.alerts,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	rig.handler = NewHandler(opts)
	return rig
}

func TestHandleJSONPayload(t *testing.T) {
	rig := newTestRig(t)

	rig.handler.Handle("b1", "plant/line1/temp", []byte(`{ "tempC" : 100, "cell": "a" }`))

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	ev := persisted[0]
	assert.Equal(t, "b1", ev.BrokerID)
	assert.Equal(t, "plant/line1/temp", ev.Topic)
	assert.Equal(t, `{"cell":"a","tempC":100}`, ev.PayloadText)
	assert.False(t, ev.SparkplugOrigin)
	assert.False(t, ev.NeedsStore)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, 5*time.Second)

	decoded, ok := ev.Decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("100"), decoded["tempC"])

	// Same event reaches the transform and alert engines
	assert.Len(t, rig.mapper.events(), 1)
	assert.Len(t, rig.alerts.all(), 1)
}

func TestHandleTextDecodeLadder(t *testing.T) {
	tests := []struct {
		name     string
		raw      []byte
		wantText string
	}{
		{
			name:     "Plain text wrapped",
			raw:      []byte("ON"),
			wantText: `{"raw_payload":"ON"}`,
		},
		{
			name:     "Empty payload wrapped",
			raw:      []byte(""),
			wantText: `{"raw_payload":""}`,
		},
		{
			name:     "Bare number passes through",
			raw:      []byte("23.5"),
			wantText: `23.5`,
		},
		{
			name:     "Invalid UTF-8 becomes hex envelope",
			raw:      []byte{0xff, 0xfe},
			wantText: `{"raw_payload_hex":"fffe","decode_error":"payload is not valid UTF-8"}`,
		},
		{
			name:     "Large integer kept verbatim",
			raw:      []byte(`{"v":12345678901234567890}`),
			wantText: `{"v":12345678901234567890}`,
		},
		{
			name:     "Truncated JSON wrapped as text",
			raw:      []byte(`{"v":1`),
			wantText: `{"raw_payload":"{\"v\":1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t)
			rig.handler.Handle("b1", "t/x", tt.raw)

			persisted := rig.persist.all()
			require.Len(t, persisted, 1)
			assert.Equal(t, tt.wantText, persisted[0].PayloadText)
		})
	}
}

func TestHandleOversizePayload(t *testing.T) {
	rig := newTestRig(t)

	raw := make([]byte, 3*1024*1024)
	rig.handler.Handle("b1", "t/big", raw)

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	want := `{"error":"PAYLOAD_TOO_LARGE","original_size_bytes":3145728,"message":"Payload exceeded safe limit (2MB) and was discarded."}`
	assert.Equal(t, want, persisted[0].PayloadText)

	decoded, ok := persisted[0].Decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decoded["error"])

	// Replaced, not dropped: the envelope still fans out
	assert.Len(t, rig.mapper.events(), 1)
	assert.Len(t, rig.alerts.all(), 1)
}

func TestHandleInvalidTopicRejected(t *testing.T) {
	rig := newTestRig(t)

	rig.handler.Handle("b1", "a/\x00/b", []byte(`{}`))
	rig.handler.Handle("b1", "", []byte(`{}`))

	assert.Empty(t, rig.persist.all())
	assert.Empty(t, rig.mapper.events())
	assert.Empty(t, rig.alerts.all())
}

func TestHandleThrottlesNamespace(t *testing.T) {
	rig := newTestRig(t)

	for i := 0; i < 60; i++ {
		rig.handler.Handle("b1", "a/b/x", []byte(`{"n":1}`))
	}
	assert.Len(t, rig.persist.all(), 50)

	// Another namespace has its own budget
	rig.handler.Handle("b1", "c/d/x", []byte(`{"n":1}`))
	assert.Len(t, rig.persist.all(), 51)

	// And so does another broker on the same topic
	rig.handler.Handle("b2", "a/b/x", []byte(`{"n":1}`))
	assert.Len(t, rig.persist.all(), 52)

	// A new window reopens the gate
	rig.handler.throttle.reset()
	rig.handler.Handle("b1", "a/b/x", []byte(`{"n":1}`))
	assert.Len(t, rig.persist.all(), 53)
}

func TestHandleDefersStoreDependentTransforms(t *testing.T) {
	rig := newTestRig(t)
	rig.mapper.needsStore = true

	rig.handler.Handle("b1", "s/1", []byte(`{"v":10}`))

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].NeedsStore)

	// The transform engine is not invoked inline; the persistence queue
	// replays the event after commit instead.
	assert.Empty(t, rig.mapper.events())
	assert.Len(t, rig.alerts.all(), 1)
}

func TestHandleBroadcastsEnvelope(t *testing.T) {
	rig := newTestRig(t)
	sub := rig.bus.Subscribe(4)
	defer rig.bus.Unsubscribe(sub)

	rig.handler.Handle("b1", "plant/temp", []byte(`{"v":1}`))

	select {
	case msg := <-sub.C():
		assert.Equal(t, bus.TypeMQTTMessage, msg.Type)

		var envelope map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &envelope))
		assert.Equal(t, "b1", envelope["broker_id"])
		assert.Equal(t, "plant/temp", envelope["topic"])
		assert.Equal(t, `{"v":1}`, envelope["payload_text"])

		ts, ok := envelope["timestamp"].(string)
		require.True(t, ok)
		_, err := time.Parse(store.TimestampLayout, ts)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("no envelope on the bus")
	}
}

func TestHandleSparkplugDecode(t *testing.T) {
	codec, err := sparkplug.NewCodec()
	require.NoError(t, err)

	rig := newTestRig(t, func(o *Options) { o.Codec = codec })

	raw, err := codec.Encode(map[string]any{
		"timestamp": "1700000000000",
		"metrics": []any{
			map[string]any{"name": "temp", "datatype": float64(10), "doubleValue": 21.5},
		},
	})
	require.NoError(t, err)

	rig.handler.Handle("b1", "spBv1.0/plant/NDATA/edge1", raw)

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	ev := persisted[0]
	assert.True(t, ev.SparkplugOrigin)
	assert.Contains(t, ev.PayloadText, `"temp"`)
	assert.Contains(t, ev.PayloadText, `"1700000000000"`)

	decoded, ok := ev.Decoded.(map[string]any)
	require.True(t, ok)
	assert.NotNil(t, decoded["metrics"])
}

func TestHandleSparkplugGarbage(t *testing.T) {
	codec, err := sparkplug.NewCodec()
	require.NoError(t, err)

	rig := newTestRig(t, func(o *Options) { o.Codec = codec })

	rig.handler.Handle("b1", "spBv1.0/plant/NDATA/edge1", []byte{0xff, 0xff, 0xff})

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	ev := persisted[0]
	assert.False(t, ev.SparkplugOrigin)
	assert.Contains(t, ev.PayloadText, "raw_payload_hex")
	assert.Contains(t, ev.PayloadText, "decode_error")
}

func TestHandleSparkplugDisabled(t *testing.T) {
	rig := newTestRig(t) // no codec

	rig.handler.Handle("b1", "spBv1.0/plant/NDATA/edge1", []byte(`{"v":1}`))

	persisted := rig.persist.all()
	require.Len(t, persisted, 1)
	assert.False(t, persisted[0].SparkplugOrigin)
	assert.Equal(t, `{"v":1}`, persisted[0].PayloadText)
}

func TestHandlerStartStop(t *testing.T) {
	rig := newTestRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rig.handler.Start(ctx)
	rig.handler.Handle("b1", "t/x", []byte(`{"v":1}`))
	rig.handler.Close()

	assert.Len(t, rig.persist.all(), 1)
}
