//file: internal/metrics/metrics.go

package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the hub.
type Metrics struct {
	messagesTotal    *prometheus.CounterVec
	publishTotal     *prometheus.CounterVec
	transformTotal   *prometheus.CounterVec
	brokerConnected  *prometheus.GaugeVec
	brokerReconnects *prometheus.CounterVec

	queueDepth      prometheus.Gauge
	queueDropped    prometheus.Counter
	batchCommits    prometheus.Counter
	batchRollbacks  prometheus.Counter
	eventsPersisted prometheus.Counter

	alertsTriggered prometheus.Counter
	busDropped      prometheus.Counter
	busSubscribers  prometheus.Gauge

	storeSizeBytes prometheus.Gauge
	storeEvents    prometheus.Gauge
	storePruned    prometheus.Counter

	goroutines  prometheus.Gauge
	memoryBytes prometheus.Gauge
}

// NewMetrics creates and registers all hub metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_messages_total",
			Help: "Inbound MQTT messages by handling result",
		}, []string{"result"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_publish_total",
			Help: "Outbound publish attempts by result",
		}, []string{"result"}),
		transformTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_transform_total",
			Help: "Transform target executions by result",
		}, []string{"result"}),
		brokerConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "uns_broker_connected",
			Help: "Connection status per broker (1 connected, 0 not)",
		}, []string{"broker_id"}),
		brokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uns_broker_reconnects_total",
			Help: "Reconnection attempts per broker",
		}, []string{"broker_id"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_queue_depth",
			Help: "Events waiting in the persistence queue",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_queue_dropped_total",
			Help: "Events dropped from the persistence queue on overflow",
		}),
		batchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_batch_commits_total",
			Help: "Committed persistence batches",
		}),
		batchRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_batch_rollbacks_total",
			Help: "Rolled back persistence batches",
		}),
		eventsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_events_persisted_total",
			Help: "Events written to the store",
		}),
		alertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_alerts_triggered_total",
			Help: "Alerts created by the alert engine",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_bus_dropped_total",
			Help: "Bus envelopes dropped for slow subscribers",
		}),
		busSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_bus_subscribers",
			Help: "Current bus subscriber count",
		}),
		storeSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_store_size_bytes",
			Help: "Store file size in bytes",
		}),
		storeEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_store_events",
			Help: "Rows in the events table",
		}),
		storePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_store_pruned_total",
			Help: "Rows removed by retention pruning",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_goroutines",
			Help: "Current goroutine count",
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_memory_bytes",
			Help: "Heap bytes in use",
		}),
	}

	collectors := []prometheus.Collector{
		m.messagesTotal, m.publishTotal, m.transformTotal,
		m.brokerConnected, m.brokerReconnects,
		m.queueDepth, m.queueDropped,
		m.batchCommits, m.batchRollbacks, m.eventsPersisted,
		m.alertsTriggered, m.busDropped, m.busSubscribers,
		m.storeSizeBytes, m.storeEvents, m.storePruned,
		m.goroutines, m.memoryBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// IncMessagesTotal increments the inbound message counter for a result:
// received, processed, throttled, oversize, decode_error, invalid_topic.
func (m *Metrics) IncMessagesTotal(result string) {
	m.messagesTotal.WithLabelValues(result).Inc()
}

// IncPublishTotal increments the outbound publish counter for a result:
// accepted, rejected_by_acl, no_connection, send_error.
func (m *Metrics) IncPublishTotal(result string) {
	m.publishTotal.WithLabelValues(result).Inc()
}

// IncTransformTotal increments the transform counter for success or error.
func (m *Metrics) IncTransformTotal(result string) {
	m.transformTotal.WithLabelValues(result).Inc()
}

// SetBrokerConnectionStatus records the connection state of one broker.
func (m *Metrics) SetBrokerConnectionStatus(brokerID string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	m.brokerConnected.WithLabelValues(brokerID).Set(v)
}

// IncBrokerReconnects counts a reconnect attempt for one broker.
func (m *Metrics) IncBrokerReconnects(brokerID string) {
	m.brokerReconnects.WithLabelValues(brokerID).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AddQueueDropped(n int) {
	m.queueDropped.Add(float64(n))
}

func (m *Metrics) IncBatchCommits() {
	m.batchCommits.Inc()
}

func (m *Metrics) IncBatchRollbacks() {
	m.batchRollbacks.Inc()
}

func (m *Metrics) AddEventsPersisted(n int) {
	m.eventsPersisted.Add(float64(n))
}

func (m *Metrics) IncAlertsTriggered() {
	m.alertsTriggered.Inc()
}

func (m *Metrics) IncBusDropped() {
	m.busDropped.Inc()
}

func (m *Metrics) SetBusSubscribers(n int) {
	m.busSubscribers.Set(float64(n))
}

func (m *Metrics) SetStoreSizeBytes(n int64) {
	m.storeSizeBytes.Set(float64(n))
}

func (m *Metrics) SetStoreEvents(n int64) {
	m.storeEvents.Set(float64(n))
}

func (m *Metrics) AddStorePruned(n int) {
	m.storePruned.Add(float64(n))
}

// MetricsCollector periodically samples process-level gauges.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

func NewMetricsCollector(m *Metrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sampling loop.
func (c *MetricsCollector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop. Safe to call more than once.
func (c *MetricsCollector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
}

func (c *MetricsCollector) collect() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	c.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	c.metrics.memoryBytes.Set(float64(ms.HeapInuse))
}
