package tenant

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/metrics"
	"tenant-mux/internal/stats"
	"tenant-mux/internal/transport"
)

// MultiplexerConfig configures a Multiplexer
type MultiplexerConfig struct {
	Tenant          string
	UserID          string
	Topics          []string
	SubscribePrefix string
	SendPrefix      string
	LocalEcho       bool

	Sink     Sink
	Reporter ErrorReporter
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Stats    *stats.StatsCollector
}

// Multiplexer subscribes one session to the whole topic set, filters inbound
// traffic to its tenant and stamps outbound messages with the sender.
type Multiplexer struct {
	cfg     MultiplexerConfig
	session transport.Session
	topics  map[string]struct{}
	now     func() time.Time

	mu         sync.Mutex
	subs       []transport.Subscription
	subscribed bool
}

// NewMultiplexer creates a multiplexer over session
func NewMultiplexer(session transport.Session, cfg MultiplexerConfig) *Multiplexer {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{Logger: cfg.Logger}
	}

	topics := make(map[string]struct{}, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics[t] = struct{}{}
	}

	return &Multiplexer{
		cfg:     cfg,
		session: session,
		topics:  topics,
		now:     time.Now,
	}
}

// SubscribeAll subscribes every topic. Either all topics end up subscribed
// or none do.
func (x *Multiplexer) SubscribeAll() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.subscribed {
		return nil
	}

	subs := make([]transport.Subscription, 0, len(x.cfg.Topics))
	for _, topic := range x.cfg.Topics {
		destination := x.cfg.SubscribePrefix + topic
		sub, err := x.session.Subscribe(destination, x.handler(topic), transport.SubscribeOptions{
			ID:        SubscriptionID(topic, x.cfg.Tenant),
			Ack:       "auto",
			Durable:   false,
			Exclusive: false,
		})
		if err != nil {
			x.cfg.Logger.Error("failed to subscribe to topic",
				"tenant", x.cfg.Tenant,
				"topic", topic,
				"error", err)
			unsubscribeAll(subs, x.cfg.Logger)
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
		}
		subs = append(subs, sub)
		x.cfg.Logger.Debug("subscribed to topic",
			"tenant", x.cfg.Tenant,
			"destination", destination)
	}

	x.subs = subs
	x.subscribed = true
	return nil
}

// Close removes every subscription
func (x *Multiplexer) Close() {
	x.mu.Lock()
	subs := x.subs
	x.subs = nil
	x.subscribed = false
	x.mu.Unlock()

	unsubscribeAll(subs, x.cfg.Logger)
}

// IsSubscribed returns whether the topic set is subscribed
func (x *Multiplexer) IsSubscribed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.subscribed
}

func unsubscribeAll(subs []transport.Subscription, log *logger.Logger) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug("failed to unsubscribe", "error", err)
		}
	}
}

func (x *Multiplexer) handler(topic string) transport.Handler {
	return func(f transport.Frame) {
		x.HandleFrame(topic, f)
	}
}

// HandleFrame decodes one inbound frame received on topic and hands it to
// the sink when it belongs to this tenant.
func (x *Multiplexer) HandleFrame(topic string, f transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			x.cfg.Reporter.Report(x.reportContext(topic), f.Body, fmt.Errorf("panic in message handler: %v", r))
			x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("error") })
		}
	}()

	msg, err := ParseMessage(f.Body)
	if err != nil {
		x.cfg.Reporter.Report(x.reportContext(topic), f.Body, &ParseError{
			Tenant: x.cfg.Tenant,
			Topic:  topic,
			Err:    err,
		})
		x.safeStatsUpdate(func(s *stats.StatsCollector) { s.IncParseErrors() })
		x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("parse_error") })
		return
	}

	if msg.Tenant != x.cfg.Tenant {
		x.cfg.Logger.Debug("dropping message",
			"topic", topic,
			"error", &TenantMismatchError{Want: x.cfg.Tenant, Got: msg.Tenant})
		x.safeStatsUpdate(func(s *stats.StatsCollector) { s.IncDropped() })
		x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("dropped") })
		return
	}

	if msg.UserID == "" {
		msg.UserID = f.Header(transport.HeaderCustomUserID)
	}
	msg.Outgoing = msg.UserID != "" && msg.UserID == x.cfg.UserID

	x.cfg.Logger.Debug("message accepted",
		"tenant", x.cfg.Tenant,
		"topic", topic,
		"kind", msg.Kind())

	x.cfg.Sink.Deliver(x.cfg.Tenant, topic, msg)
	x.safeStatsUpdate(func(s *stats.StatsCollector) { s.IncDelivered() })
	x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("delivered") })
}

// Publish stamps content with the tenant, user and topic and sends it to the
// topic's outbound destination. Nothing is retried.
func (x *Multiplexer) Publish(topic, content string) (Message, error) {
	if content == "" {
		x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("rejected") })
		return Message{}, ErrEmptyContent
	}
	if _, ok := x.topics[topic]; !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	msg := Message{
		Content:   content,
		Tenant:    x.cfg.Tenant,
		UserID:    x.cfg.UserID,
		Scope:     topic,
		Timestamp: Timestamp{x.now()},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode message: %w", err)
	}

	headers := map[string]string{
		transport.HeaderAuthorization: "Bearer " + x.cfg.Tenant,
		transport.HeaderUserID:        "guest",
		transport.HeaderCustomUserID:  x.cfg.UserID,
	}

	destination := x.cfg.SendPrefix + topic
	if err := x.session.Send(destination, headers, body); err != nil {
		x.safeStatsUpdate(func(s *stats.StatsCollector) { s.IncErrors() })
		x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("publish_error") })
		x.cfg.Logger.Error("failed to publish message",
			"tenant", x.cfg.Tenant,
			"destination", destination,
			"error", err)
		return Message{}, fmt.Errorf("failed to publish to %s: %w", destination, err)
	}

	x.safeStatsUpdate(func(s *stats.StatsCollector) { s.IncPublished() })
	x.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncMessagesTotal("published") })
	x.cfg.Logger.Debug("published message",
		"tenant", x.cfg.Tenant,
		"destination", destination,
		"payloadSize", len(body))

	if x.cfg.LocalEcho {
		echo := msg
		echo.Outgoing = true
		x.cfg.Sink.Deliver(x.cfg.Tenant, topic, echo)
	}

	return msg, nil
}

func (x *Multiplexer) reportContext(topic string) string {
	return fmt.Sprintf("tenant=%s topic=%s", x.cfg.Tenant, topic)
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (x *Multiplexer) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if x.cfg.Metrics != nil {
		fn(x.cfg.Metrics)
	}
}

func (x *Multiplexer) safeStatsUpdate(fn func(*stats.StatsCollector)) {
	if x.cfg.Stats != nil {
		fn(x.cfg.Stats)
	}
}
