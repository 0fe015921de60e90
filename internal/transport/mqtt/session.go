// Package mqtt runs tenant sessions over an MQTT 3.1.1 broker.
//
// Destinations map to MQTT topics with the leading slash removed. MQTT 3.1.1
// has no per-message headers, so send headers are not transmitted and
// inbound frames carry none; the sender is identified by the message body.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/transport"
)

const (
	defaultQoS     byte = 1
	quiesceMillis  uint = 250
	defaultTimeout      = 10 * time.Second
)

// ClientFactory creates the underlying paho client
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Dialer opens MQTT sessions
type Dialer struct {
	logger    *logger.Logger
	newClient ClientFactory
	qos       byte
}

// NewDialer creates an MQTT dialer
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithFactory(log, mqtt.NewClient)
}

// NewDialerWithFactory creates a dialer with a provided client factory (for testing)
func NewDialerWithFactory(log *logger.Logger, factory ClientFactory) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{
		logger:    log,
		newClient: factory,
		qos:       defaultQoS,
	}
}

// Open implements transport.Dialer
func (d *Dialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	s := &Session{
		logger: d.logger.With("tenant", opts.Tenant, "clientId", opts.ClientID),
		opts:   opts,
		qos:    d.qos,
		subs:   make(map[string]struct{}),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Endpoint).
		SetClientID(opts.ClientID).
		SetUsername(opts.Tenant).
		SetPassword(opts.Authorization()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(timeoutFrom(ctx)).
		SetConnectionLostHandler(s.handleConnectionLost)

	if ka := keepAlive(opts.Heartbeat); ka > 0 {
		clientOpts.SetKeepAlive(ka)
	}
	if opts.TLS != nil {
		clientOpts.SetTLSConfig(opts.TLS)
	}

	s.client = d.newClient(clientOpts)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		s.client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to broker: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	s.logger.Info("mqtt client connected", "broker", opts.Endpoint)
	return s, nil
}

// Session is one MQTT client connection
type Session struct {
	logger *logger.Logger
	opts   transport.Options
	client mqtt.Client
	qos    byte
	closed atomic.Bool

	mu   sync.Mutex
	subs map[string]struct{}
}

// Subscribe implements transport.Session
func (s *Session) Subscribe(destination string, handler transport.Handler, _ transport.SubscribeOptions) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrNotConnected
	}

	topic := ToTopic(destination)
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		handler(transport.Frame{
			Destination: destination,
			Body:        msg.Payload(),
		})
	}

	if err := s.wait(s.client.Subscribe(topic, s.qos, callback)); err != nil {
		s.logger.Error("failed to subscribe to topic", "topic", topic, "error", err)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	s.mu.Lock()
	s.subs[topic] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("subscribed to topic", "topic", topic)
	return &subscription{session: s, topic: topic}, nil
}

// Send implements transport.Session
func (s *Session) Send(destination string, _ map[string]string, body []byte) error {
	if s.closed.Load() {
		return transport.ErrNotConnected
	}

	topic := ToTopic(destination)
	if err := s.wait(s.client.Publish(topic, s.qos, false, body)); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	s.logger.Debug("published message", "topic", topic, "payloadSize", len(body))
	return nil
}

// Disconnect implements transport.Session
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("disconnecting from mqtt broker")
	s.client.Disconnect(quiesceMillis)
	return nil
}

func (s *Session) handleConnectionLost(_ mqtt.Client, err error) {
	if s.closed.Load() {
		return
	}
	s.logger.Error("mqtt connection lost", "error", err)
	s.opts.ReportError(fmt.Errorf("%w: %v", transport.ErrConnectionLost, err))
}

func (s *Session) wait(token mqtt.Token) error {
	if !token.WaitTimeout(defaultTimeout) {
		return fmt.Errorf("timed out after %s", defaultTimeout)
	}
	return token.Error()
}

type subscription struct {
	session *Session
	topic   string
	once    sync.Once
}

func (sub *subscription) Unsubscribe() error {
	var err error
	sub.once.Do(func() {
		s := sub.session
		s.mu.Lock()
		delete(s.subs, sub.topic)
		s.mu.Unlock()

		if s.closed.Load() {
			return
		}
		if werr := s.wait(s.client.Unsubscribe(sub.topic)); werr != nil {
			err = fmt.Errorf("failed to unsubscribe from topic %s: %w", sub.topic, werr)
		}
	})
	return err
}

// ToTopic converts a slash-prefixed destination into an MQTT topic
func ToTopic(destination string) string {
	return strings.TrimPrefix(destination, "/")
}

func keepAlive(hb transport.Heartbeat) time.Duration {
	ka := hb.Outgoing
	if hb.Incoming > ka {
		ka = hb.Incoming
	}
	if ka <= 0 {
		return 0
	}
	if ka < time.Second {
		return time.Second
	}
	return ka
}

func timeoutFrom(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return defaultTimeout
}
