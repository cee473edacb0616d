//file: internal/ingest/ingest.go

// Package ingest turns raw MQTT deliveries into events. The handler
// rate-gates noisy namespaces, guards payload size, decodes Sparkplug
// and JSON payloads into canonical JSON text and fans the result out to
// the broadcast bus, the persistence queue, the transform engine and
// the alert engine.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/event"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sparkplug"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/topics"
)

// Transformer is the transform engine surface the handler drives.
type Transformer interface {
	RequiresStore(topic string) bool
	ProcessEvent(ev *event.Event)
}

// Persister accepts events for asynchronous persistence.
type Persister interface {
	Enqueue(ev *event.Event)
}

// Alerter evaluates alert rules against one event.
type Alerter interface {
	Evaluate(ev *event.Event)
}

type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Bus     *bus.Bus
	Persist Persister
	Mapper  Transformer
	Alerts  Alerter

	// Codec enables Sparkplug B decoding for spBv1.0/ topics when set.
	Codec *sparkplug.Codec
}

// Handler is the single entry point for inbound messages. It runs on the
// broker receive callback and never blocks on I/O: persistence is queued
// and alert evaluation is asynchronous.
type Handler struct {
	logger   *logger.Logger
	metrics  *metrics.Metrics
	bus      *bus.Bus
	persist  Persister
	mapper   Transformer
	alerts   Alerter
	codec    *sparkplug.Codec
	throttle *throttle
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		persist:  opts.Persist,
		mapper:   opts.Mapper,
		alerts:   opts.Alerts,
		codec:    opts.Codec,
		throttle: newThrottle(maxPerSecondPerNamespace),
	}
}

// Start launches the throttle window worker.
func (h *Handler) Start(ctx context.Context) {
	h.throttle.start(ctx)
}

// Close stops the worker. Handle must not be called afterwards.
func (h *Handler) Close() {
	h.throttle.stop()
}

// Handle processes one raw delivery. It never returns an error to the
// broker callback: failures become payload envelopes or drop counters.
func (h *Handler) Handle(brokerID, topic string, raw []byte) {
	h.countMessage("received")

	if topic == "" || strings.ContainsRune(topic, 0) {
		h.countMessage("invalid_topic")
		h.logger.Debug("rejected message with invalid topic", "broker_id", brokerID)
		return
	}

	key := brokerID + ":" + topics.NamespacePrefix(topic)
	allowed, firstDrop := h.throttle.allow(key)
	if !allowed {
		h.countMessage("throttled")
		if firstDrop {
			h.logger.Warn("namespace exceeded message rate, dropping until window resets",
				"namespace", key,
				"limit", h.throttle.limit)
		}
		return
	}

	now := time.Now().UTC()

	var (
		decoded any
		text    string
		origin  bool
	)
	if len(raw) > maxPayloadBytes {
		decoded, text = oversizePayload(len(raw))
		h.countMessage("oversize")
		h.logger.Warn("payload exceeds safe limit, content discarded",
			"topic", topic,
			"size_bytes", len(raw))
	} else {
		var ok bool
		decoded, text, origin, ok = h.decodePayload(topic, raw)
		if !ok {
			h.countMessage("decode_error")
			h.logger.Debug("payload decode failed, stored as envelope",
				"broker_id", brokerID,
				"topic", topic)
		}
	}

	ev := &event.Event{
		BrokerID:        brokerID,
		Topic:           topic,
		Timestamp:       now,
		PayloadText:     text,
		Decoded:         decoded,
		SparkplugOrigin: origin,
	}
	if h.mapper != nil {
		ev.NeedsStore = h.mapper.RequiresStore(topic)
	}

	if h.bus != nil {
		h.bus.Publish(bus.TypeMQTTMessage, map[string]any{
			"broker_id":    brokerID,
			"topic":        topic,
			"payload_text": text,
			"timestamp":    store.FormatTimestamp(now),
		})
	}
	if h.persist != nil {
		h.persist.Enqueue(ev)
	}
	// Store-dependent transforms wait for the commit replay; everything
	// else runs now.
	if h.mapper != nil && !ev.NeedsStore {
		h.mapper.ProcessEvent(ev)
	}
	if h.alerts != nil {
		h.alerts.Evaluate(ev)
	}

	h.countMessage("processed")
}

func (h *Handler) countMessage(result string) {
	if h.metrics != nil {
		h.metrics.IncMessagesTotal(result)
	}
}
