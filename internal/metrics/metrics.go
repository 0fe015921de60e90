package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tenant_mux"

// Metrics holds the Prometheus collectors for tenant sessions and messages
type Metrics struct {
	sessionUp       *prometheus.GaugeVec
	activeSessions  prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	sessionErrors   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_up",
			Help:      "Whether the tenant currently holds a live session (1) or not (0)",
		}, []string{"tenant"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live tenant sessions",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers scheduled per tenant",
		}, []string{"tenant"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by status (delivered, dropped, parse_error, published, publish_error, rejected)",
		}, []string{"status"}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Transport errors reported on established sessions",
		}, []string{"tenant"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.sessionUp,
		m.activeSessions,
		m.connectAttempts,
		m.reconnects,
		m.messagesTotal,
		m.sessionErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// SetSessionStatus records whether tenant holds a live session
func (m *Metrics) SetSessionStatus(tenant string, connected bool) {
	if connected {
		m.sessionUp.WithLabelValues(tenant).Set(1)
		return
	}
	m.sessionUp.WithLabelValues(tenant).Set(0)
}

// SetActiveSessions sets the live session gauge
func (m *Metrics) SetActiveSessions(n float64) {
	m.activeSessions.Set(n)
}

// IncConnectAttempts counts a connection attempt with the given result
func (m *Metrics) IncConnectAttempts(result string) {
	m.connectAttempts.WithLabelValues(result).Inc()
}

// IncReconnects counts a scheduled reconnect for tenant
func (m *Metrics) IncReconnects(tenant string) {
	m.reconnects.WithLabelValues(tenant).Inc()
}

// IncMessagesTotal counts a message with the given status
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

// IncSessionErrors counts a transport error on an established session
func (m *Metrics) IncSessionErrors(tenant string) {
	m.sessionErrors.WithLabelValues(tenant).Inc()
}

// SessionCounter reports the number of live sessions
type SessionCounter interface {
	ActiveSessions() int
}

// MetricsCollector periodically samples gauges that are not event driven
type MetricsCollector struct {
	metrics  *Metrics
	source   SessionCounter
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMetricsCollector creates a collector sampling source every interval
func NewMetricsCollector(m *Metrics, source SessionCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins sampling in the background
func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts sampling and waits for the sampler to exit
func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	c.metrics.SetActiveSessions(float64(c.source.ActiveSessions()))
}
