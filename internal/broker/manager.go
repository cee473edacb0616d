//file: internal/broker/manager.go

package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/topics"
)

// MessageHandler receives every inbound frame from every broker.
type MessageHandler func(brokerID, topic string, payload []byte)

// PublishResult classifies the outcome of a publish attempt.
type PublishResult string

const (
	PublishAccepted      PublishResult = "accepted"
	PublishRejectedByACL PublishResult = "rejected_by_acl"
	PublishNoConnection  PublishResult = "no_connection"
	PublishSendError     PublishResult = "send_error"
)

type Options struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Bus     *bus.Bus
	Handler MessageHandler
}

// Manager owns the broker fleet.
type Manager struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	handler MessageHandler

	mu      sync.RWMutex
	brokers map[string]*ManagedBroker
}

func NewManager(opts Options) *Manager {
	return &Manager{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		bus:     opts.Bus,
		handler: opts.Handler,
		brokers: make(map[string]*ManagedBroker),
	}
}

// AddBroker registers a broker. Call before Start.
func (m *Manager) AddBroker(cfg *config.BrokerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.brokers[cfg.ID]; exists {
		return fmt.Errorf("broker %q already registered", cfg.ID)
	}

	mb, err := newManagedBroker(cfg, m.handler, m.logger, m.metrics, m.bus, m.broadcastAll)
	if err != nil {
		return err
	}
	m.brokers[cfg.ID] = mb
	return nil
}

// Start begins connecting every registered broker. Unreachable brokers
// keep retrying in the background; only configuration-level failures
// are returned.
func (m *Manager) Start(ctx context.Context) error {
	for _, mb := range m.snapshot() {
		if err := mb.connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop disconnects every broker gracefully.
func (m *Manager) Stop() {
	for _, mb := range m.snapshot() {
		mb.stop()
	}
}

// Publish sends a frame through the named broker. The publish ACL is
// consulted before the connection is touched; a denial is final and
// must not be retried.
func (m *Manager) Publish(brokerID, topic string, payload []byte, qos byte, retain bool) (PublishResult, error) {
	m.mu.RLock()
	mb, exists := m.brokers[brokerID]
	m.mu.RUnlock()
	if !exists {
		m.countPublish(PublishSendError)
		return PublishSendError, fmt.Errorf("unknown broker %q", brokerID)
	}

	if !topics.Allowed(mb.cfg.Publish, topic) {
		m.countPublish(PublishRejectedByACL)
		return PublishRejectedByACL, fmt.Errorf("broker %q does not allow publishing to %q", brokerID, topic)
	}

	result, err := mb.publish(topic, payload, qos, retain)
	m.countPublish(result)
	if err != nil {
		m.logger.Debug("publish failed", "broker_id", brokerID, "topic", topic, "result", string(result))
	}
	return result, err
}

// StatusAll snapshots every broker, ordered by id.
func (m *Manager) StatusAll() []Status {
	statuses := make([]Status, 0)
	for _, mb := range m.snapshot() {
		statuses = append(statuses, mb.Status())
	}
	return statuses
}

func (m *Manager) snapshot() []*ManagedBroker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*ManagedBroker, 0, len(m.brokers))
	for _, mb := range m.brokers {
		list = append(list, mb)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// broadcastAll follows every per-broker transition with a fleet-wide
// snapshot so late subscribers can settle on one envelope.
func (m *Manager) broadcastAll() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TypeBrokerStatusAll, map[string]any{"brokers": m.StatusAll()})
}

func (m *Manager) countPublish(result PublishResult) {
	if m.metrics != nil {
		m.metrics.IncPublishTotal(string(result))
	}
}
