//file: internal/broker/broker.go

// Package broker supervises the MQTT client fleet. Each configured
// broker gets one paho client whose lifecycle events drive a small
// state machine; every transition is broadcast as a status envelope.
// Reconnection is left entirely to the client library.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/slalaure/mqtt-uns-viewer-sub001/config"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/bus"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/logger"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/metrics"
	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/store"
)

// State is the supervisor's view of one broker connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateOffline      State = "offline"
	StateError        State = "error"
	StateShuttingDown State = "shutting_down"
	StateDisconnected State = "disconnected"
)

// Inbound subscriptions join at QoS 1: duplicates across reconnects are
// cheaper than lost frames.
const subscribeQoS = 1

const (
	connectWaitTimeout   = 10 * time.Second
	operationTimeout     = 5 * time.Second
	connectRetryInterval = 5 * time.Second
	disconnectQuiesceMS  = 250
)

// Status is one broker's state snapshot as broadcast on the bus. Seq
// increases monotonically per broker so consumers can discard stale
// updates delivered out of order.
type Status struct {
	BrokerID  string `json:"broker_id"`
	State     State  `json:"state"`
	Error     string `json:"error,omitempty"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
}

// ManagedBroker owns one paho client and its subscription set.
type ManagedBroker struct {
	id      string
	cfg     *config.BrokerConfig
	client  mqtt.Client
	handler MessageHandler
	logger  *logger.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus

	// onTransition lets the manager follow every state change with a
	// fleet-wide snapshot envelope.
	onTransition func()

	mu           sync.RWMutex
	state        State
	lastError    error
	seq          uint64
	connectedAt  time.Time
	shuttingDown bool
}

func newManagedBroker(cfg *config.BrokerConfig, handler MessageHandler, log *logger.Logger, metricsService *metrics.Metrics, b *bus.Bus, onTransition func()) (*ManagedBroker, error) {
	mb := &ManagedBroker{
		id:           cfg.ID,
		cfg:          cfg,
		handler:      handler,
		logger:       log,
		metrics:      metricsService,
		bus:          b,
		onTransition: onTransition,
		state:        StateDisconnected,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		// Random suffix so a restarted instance does not kick a
		// lingering session with the same id off the broker.
		clientID = fmt.Sprintf("uns-hub-%s-%s", cfg.ID, uuid.NewString()[:8])
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval)

	if cfg.UseTLS() {
		tlsConfig, err := newTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", cfg.ID, err)
		}
		if tlsConfig.InsecureSkipVerify {
			log.Warn("SERVER CERTIFICATE VERIFICATION IS DISABLED, the connection can be intercepted",
				"broker_id", cfg.ID)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		mb.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		mb.handleConnectionLost(err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		mb.handleReconnecting()
	})

	mb.client = mqtt.NewClient(opts)
	return mb, nil
}

// transition moves the state machine and broadcasts the new status. A
// nil cause keeps the previous error visible until the next successful
// connect.
func (b *ManagedBroker) transition(state State, cause error) {
	b.mu.Lock()
	b.state = state
	if cause != nil {
		b.lastError = cause
	}
	if state == StateConnected {
		b.lastError = nil
		b.connectedAt = time.Now()
	}
	b.seq++
	status := b.statusLocked()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetBrokerConnectionStatus(b.id, state == StateConnected)
	}
	if b.bus != nil {
		b.bus.Publish(bus.TypeBrokerStatus, status.busFields())
	}
	if b.onTransition != nil {
		b.onTransition()
	}
}

func (b *ManagedBroker) statusLocked() Status {
	status := Status{
		BrokerID:  b.id,
		State:     b.state,
		Seq:       b.seq,
		Timestamp: store.FormatTimestamp(time.Now()),
	}
	if b.lastError != nil {
		status.Error = b.lastError.Error()
	}
	return status
}

// busFields flattens the status into envelope fields.
func (s Status) busFields() map[string]any {
	fields := map[string]any{
		"broker_id": s.BrokerID,
		"state":     s.State,
		"seq":       s.Seq,
		"timestamp": s.Timestamp,
	}
	if s.Error != "" {
		fields["error"] = s.Error
	}
	return fields
}

// Status returns the current snapshot.
func (b *ManagedBroker) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statusLocked()
}

// connect starts the connection attempt. With connect retry enabled the
// token stays open while the library backs off, so a wait timeout means
// "still trying", not failure.
func (b *ManagedBroker) connect(ctx context.Context) error {
	b.transition(StateConnecting, nil)
	b.logger.Info("connecting to broker", "broker_id", b.id, "address", b.cfg.URL())

	token := b.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		if err := token.Error(); err != nil {
			b.transition(StateError, err)
			return fmt.Errorf("broker %s: connect: %w", b.id, err)
		}
		return nil
	case <-time.After(connectWaitTimeout):
		b.logger.Warn("broker not reachable yet, retrying in background", "broker_id", b.id)
		return nil
	}
}

func (b *ManagedBroker) handleConnect() {
	b.transition(StateConnected, nil)
	b.logger.Info("broker connected", "broker_id", b.id, "address", b.cfg.URL())
	b.subscribeAll()
}

func (b *ManagedBroker) handleConnectionLost(err error) {
	if b.isShuttingDown() {
		return
	}
	b.transition(StateOffline, err)
	b.logger.Warn("broker connection lost", "broker_id", b.id, "error", err)
}

func (b *ManagedBroker) handleReconnecting() {
	if b.isShuttingDown() {
		return
	}
	if b.metrics != nil {
		b.metrics.IncBrokerReconnects(b.id)
	}
	b.transition(StateConnecting, nil)
	b.logger.Info("broker reconnecting", "broker_id", b.id)
}

func (b *ManagedBroker) isShuttingDown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shuttingDown
}

// subscribeAll joins every configured filter. Sessions are clean, so
// this runs on every connect, not just the first.
func (b *ManagedBroker) subscribeAll() {
	for _, filter := range b.cfg.Subscribe {
		token := b.client.Subscribe(filter, subscribeQoS, b.route)
		if !token.WaitTimeout(operationTimeout) {
			b.logger.Error("subscribe timed out", "broker_id", b.id, "filter", filter)
			continue
		}
		if err := token.Error(); err != nil {
			b.logger.Error("subscribe failed", "broker_id", b.id, "filter", filter, "error", err)
			continue
		}
		b.logger.Info("subscribed", "broker_id", b.id, "filter", filter, "qos", subscribeQoS)
	}
}

func (b *ManagedBroker) route(_ mqtt.Client, msg mqtt.Message) {
	if b.handler != nil {
		b.handler(b.id, msg.Topic(), msg.Payload())
	}
}

// publish sends one frame. The ACL has already been consulted by the
// manager.
func (b *ManagedBroker) publish(topic string, payload []byte, qos byte, retain bool) (PublishResult, error) {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	if state != StateConnected || !b.client.IsConnected() {
		return PublishNoConnection, fmt.Errorf("broker %q is not connected", b.id)
	}

	token := b.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(operationTimeout) {
		return PublishSendError, fmt.Errorf("broker %q: publish to %q timed out", b.id, topic)
	}
	if err := token.Error(); err != nil {
		return PublishSendError, fmt.Errorf("broker %q: publish to %q: %w", b.id, topic, err)
	}
	return PublishAccepted, nil
}

// stop disconnects gracefully. Idempotent.
func (b *ManagedBroker) stop() {
	b.mu.Lock()
	if b.shuttingDown {
		b.mu.Unlock()
		return
	}
	b.shuttingDown = true
	b.mu.Unlock()

	b.transition(StateShuttingDown, nil)
	if b.client.IsConnected() {
		b.client.Disconnect(disconnectQuiesceMS)
	}
	b.transition(StateDisconnected, nil)
	b.logger.Info("broker disconnected", "broker_id", b.id)
}
