//file: internal/bus/bus.go

// Package bus implements the in-process broadcast channel that carries
// JSON envelopes to live subscribers. Delivery is best-effort: slow
// subscribers lose envelopes rather than stall the pipeline.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
)

// Envelope types published by the core.
const (
	TypeMQTTMessage          = "mqtt-message"
	TypeBrokerStatus         = "broker-status"
	TypeBrokerStatusAll      = "broker-status-all"
	TypeMapperConfigUpdate   = "mapper-config-update"
	TypeMapperMetricsUpdate  = "mapper-metrics-update"
	TypeMappedTopicGenerated = "mapped-topic-generated"
	TypeAlertTriggered       = "alert-triggered"
	TypeDBStatusUpdate       = "db-status-update"
	TypePruningStatus        = "pruning-status"
	TypeDBBounds             = "db-bounds"
)

const defaultSubscriberBuffer = 256

// Message is one marshaled envelope as delivered to subscribers.
type Message struct {
	Type string
	Data []byte
}

// Subscriber receives envelopes on a buffered channel.
type Subscriber struct {
	ch        chan Message
	closeOnce sync.Once
	closed    atomic.Bool
}

// C returns the receive channel. It is closed on Unsubscribe and on bus
// shutdown.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// send delivers without blocking. Returns false when the buffer is full
// or the subscriber is gone.
func (s *Subscriber) send(msg Message) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}

// Bus fans marshaled envelopes out to all current subscribers.
type Bus struct {
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs map[*Subscriber]bool
}

func New(log *logger.Logger, metricsService *metrics.Metrics) *Bus {
	return &Bus{
		logger:  log,
		metrics: metricsService,
		subs:    make(map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber. buffer <= 0 selects the default.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscriber{ch: make(chan Message, buffer)}

	b.mu.Lock()
	b.subs[sub] = true
	n := len(b.subs)
	b.mu.Unlock()

	b.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetBusSubscribers(n) })
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	wasKnown := b.subs[sub]
	delete(b.subs, sub)
	n := len(b.subs)
	b.mu.Unlock()

	if wasKnown {
		sub.close()
	}
	b.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetBusSubscribers(n) })
}

// Publish marshals an envelope of the form {"type": envType, ...fields}
// and delivers it to every subscriber. fields must not contain "type".
func (b *Bus) Publish(envType string, fields map[string]any) {
	envelope := make(map[string]any, len(fields)+1)
	envelope["type"] = envType
	for k, v := range fields {
		envelope[k] = v
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		b.logger.Error("failed to marshal bus envelope", "type", envType, "error", err)
		return
	}
	b.publish(Message{Type: envType, Data: data})
}

func (b *Bus) publish(msg Message) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.send(msg) {
			b.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncBusDropped() })
			b.logger.Debug("dropped bus envelope for slow subscriber", "type", msg.Type)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]bool)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetBusSubscribers(0) })
}

func (b *Bus) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if b.metrics != nil {
		fn(b.metrics)
	}
}
