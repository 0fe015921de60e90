package tenant

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-mux/internal/metrics"
	"tenant-mux/internal/stats"
	"tenant-mux/internal/transport"
)

func newTestMultiplexer(t *testing.T, mutate func(*MultiplexerConfig)) (*Multiplexer, *fakeSession, *recordingSink, *recordingReporter) {
	t.Helper()

	session := newFakeSession(transport.Options{})
	sink := &recordingSink{}
	reporter := &recordingReporter{}

	cfg := MultiplexerConfig{
		Tenant:          "acme",
		UserID:          "user_1",
		Topics:          testTopics,
		SubscribePrefix: "/topic/",
		SendPrefix:      "/app/send/",
		Sink:            sink,
		Reporter:        reporter,
		Stats:           stats.NewStatsCollector(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	x := NewMultiplexer(session, cfg)
	x.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return x, session, sink, reporter
}

func TestSubscribeAll(t *testing.T) {
	x, session, _, _ := newTestMultiplexer(t, nil)

	require.NoError(t, x.SubscribeAll())
	assert.True(t, x.IsSubscribed())
	assert.Len(t, session.subs, len(testTopics))

	for _, topic := range testTopics {
		sub, ok := session.subs["/topic/"+topic]
		require.True(t, ok, "missing subscription for %s", topic)
		assert.Equal(t, "sub-"+topic+"-acme", sub.opts.ID)
		assert.False(t, sub.opts.Durable)
		assert.False(t, sub.opts.Exclusive)
	}

	// Subscribing again does not duplicate
	require.NoError(t, x.SubscribeAll())
	assert.Len(t, session.order, len(testTopics))

	x.Close()
	assert.False(t, x.IsSubscribed())
	for _, sub := range session.subs {
		assert.True(t, sub.unsubscribed)
	}
}

func TestSubscribeAllIsAtomic(t *testing.T) {
	x, session, _, _ := newTestMultiplexer(t, nil)
	session.subscribeErr["/topic/alerts"] = errors.New("denied")

	err := x.SubscribeAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alerts")
	assert.False(t, x.IsSubscribed())

	require.Contains(t, session.subs, "/topic/news")
	assert.True(t, session.subs["/topic/news"].unsubscribed)
	assert.NotContains(t, session.subs, "/topic/chat")
}

func TestHandleFrame(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		headers      map[string]string
		wantDelivery bool
		wantReport   bool
		wantOutgoing bool
		wantUserID   string
		wantKind     string
	}{
		{
			name:         "Own tenant message",
			body:         `{"content":"hello","tenant":"acme","userId":"user_9","scope":"chat"}`,
			wantDelivery: true,
			wantUserID:   "user_9",
			wantKind:     KindChat,
		},
		{
			name:         "Own message is outgoing",
			body:         `{"content":"hello","tenant":"acme","userId":"user_1"}`,
			wantDelivery: true,
			wantOutgoing: true,
			wantUserID:   "user_1",
			wantKind:     KindChat,
		},
		{
			name:         "Sender falls back to header",
			body:         `{"content":"hello","tenant":"acme"}`,
			headers:      map[string]string{transport.HeaderCustomUserID: "user_1"},
			wantDelivery: true,
			wantOutgoing: true,
			wantUserID:   "user_1",
			wantKind:     KindChat,
		},
		{
			name:         "Acknowledgement",
			body:         `{"content":"ACK: hello","tenant":"acme","acknowledged":true}`,
			wantDelivery: true,
			wantKind:     KindAck,
		},
		{
			name:         "Echo",
			body:         `{"content":"ECHO: hello","tenant":"acme","timestamp":1709294400000}`,
			wantDelivery: true,
			wantKind:     KindEcho,
		},
		{
			name: "Other tenant",
			body: `{"content":"hello","tenant":"globex"}`,
		},
		{
			name: "Missing tenant",
			body: `{"content":"hello"}`,
		},
		{
			name:       "Not JSON",
			body:       `hello`,
			wantReport: true,
		},
		{
			name:       "JSON array",
			body:       `[1,2,3]`,
			wantReport: true,
		},
		{
			name:       "Empty body",
			body:       ``,
			wantReport: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, _, sink, reporter := newTestMultiplexer(t, nil)

			x.HandleFrame("chat", transport.Frame{
				Destination: "/topic/chat",
				Headers:     tt.headers,
				Body:        []byte(tt.body),
			})

			got := sink.all()
			if !tt.wantDelivery {
				assert.Empty(t, got)
			} else {
				require.Len(t, got, 1)
				assert.Equal(t, "acme", got[0].tenant)
				assert.Equal(t, "chat", got[0].topic)
				assert.Equal(t, tt.wantOutgoing, got[0].msg.Outgoing)
				assert.Equal(t, tt.wantUserID, got[0].msg.UserID)
				assert.Equal(t, tt.wantKind, got[0].msg.Kind())
			}

			reports := reporter.all()
			if tt.wantReport {
				require.Len(t, reports, 1)
				assert.Equal(t, []byte(tt.body), reports[0].raw)
				assert.Contains(t, reports[0].context, "tenant=acme")
			} else {
				assert.Empty(t, reports)
			}
		})
	}
}

func TestHandleFrameRecoversSinkPanic(t *testing.T) {
	reporter := &recordingReporter{}
	x, _, _, _ := newTestMultiplexer(t, func(c *MultiplexerConfig) {
		c.Reporter = reporter
		c.Sink = SinkFunc(func(string, string, Message) { panic("render failed") })
	})

	assert.NotPanics(t, func() {
		x.HandleFrame("news", transport.Frame{Body: []byte(`{"content":"x","tenant":"acme"}`)})
	})
	require.Len(t, reporter.all(), 1)
	assert.Contains(t, reporter.all()[0].err.Error(), "render failed")
}

func TestMultiplexerPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	x, session, sink, _ := newTestMultiplexer(t, func(c *MultiplexerConfig) { c.Metrics = m })

	msg, err := x.Publish("news", "breaking")
	require.NoError(t, err)
	assert.Equal(t, Message{
		Content:   "breaking",
		Tenant:    "acme",
		UserID:    "user_1",
		Scope:     "news",
		Timestamp: Timestamp{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}, msg)

	sent := session.sentFrames()
	require.Len(t, sent, 1)
	assert.Equal(t, "/app/send/news", sent[0].destination)
	assert.Equal(t, map[string]string{
		transport.HeaderAuthorization: "Bearer acme",
		transport.HeaderUserID:        "guest",
		transport.HeaderCustomUserID:  "user_1",
	}, sent[0].headers)
	assert.JSONEq(t, `{
		"content": "breaking",
		"tenant": "acme",
		"userId": "user_1",
		"scope": "news",
		"acknowledged": false,
		"timestamp": "2024-03-01T12:00:00Z"
	}`, string(sent[0].body))

	assert.Empty(t, sink.all())

	_, err = x.Publish("news", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Len(t, session.sentFrames(), 1)

	assert.Equal(t, float64(1), messageCount(t, reg, "published"))
	assert.Equal(t, float64(1), messageCount(t, reg, "rejected"))
}

func messageCount(t *testing.T, reg *prometheus.Registry, status string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tenant_mux_messages_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status" && label.GetValue() == status {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMultiplexerPublishLocalEcho(t *testing.T) {
	x, session, sink, _ := newTestMultiplexer(t, func(c *MultiplexerConfig) { c.LocalEcho = true })

	session.sendErr = errors.New("socket closed")
	_, err := x.Publish("chat", "lost")
	require.Error(t, err)
	assert.Empty(t, sink.all(), "failed sends are never rendered")

	session.sendErr = nil
	_, err = x.Publish("chat", "kept")
	require.NoError(t, err)

	got := sink.all()
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].msg.Content)
	assert.True(t, got[0].msg.Outgoing)
}

func TestPublishedPayloadParsesBack(t *testing.T) {
	x, session, _, _ := newTestMultiplexer(t, nil)

	_, err := x.Publish("alerts", "disk full")
	require.NoError(t, err)

	raw := session.sentFrames()[0].body
	require.True(t, json.Valid(raw))

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "disk full", parsed.Content)
	assert.Equal(t, "acme", parsed.Tenant)
	assert.Equal(t, "alerts", parsed.Scope)
	assert.True(t, parsed.Timestamp.Equal(x.now()))
}
