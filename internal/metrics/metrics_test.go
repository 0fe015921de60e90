package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCounter int

func (s staticCounter) ActiveSessions() int { return int(s) }

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	assert.NoError(t, err)
	assert.NotNil(t, m)

	// Registering twice on the same registry fails
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	m.IncMessagesTotal("delivered")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesTotal.WithLabelValues("delivered")))
}

func TestMetricsSetSessionStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.SetSessionStatus("acme", true)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionUp.WithLabelValues("acme")))

	m.SetSessionStatus("acme", false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.sessionUp.WithLabelValues("acme")))
}

func TestMetricsIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.IncMessagesTotal("delivered")
	m.IncMessagesTotal("delivered")
	m.IncMessagesTotal("dropped")
	m.IncConnectAttempts("success")
	m.IncConnectAttempts("failure")
	m.IncReconnects("acme")
	m.IncSessionErrors("acme")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.messagesTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.messagesTotal.WithLabelValues("dropped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectAttempts.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reconnects.WithLabelValues("acme")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionErrors.WithLabelValues("acme")))
}

func TestMetricsCollector(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	collector := NewMetricsCollector(m, staticCounter(3), 10*time.Millisecond)
	collector.Start()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.activeSessions) == 3
	}, time.Second, 5*time.Millisecond)

	collector.Stop()
	collector.Stop()
}
