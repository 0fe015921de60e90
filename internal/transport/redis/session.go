// Package redis runs tenant sessions over Redis pub/sub.
//
// Every destination maps to a channel namespaced by the tenant, so tenants
// sharing one Redis server never see each other's traffic. Pub/sub carries
// no headers; the sender is identified by the message body.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/transport"
)

const defaultTimeout = 10 * time.Second

// Channel returns the pub/sub channel carrying destination for tenant
func Channel(tenant, destination string) string {
	return fmt.Sprintf("%s:%s", tenant, destination)
}

// Dialer opens Redis sessions
type Dialer struct {
	logger *logger.Logger
}

// NewDialer creates a Redis dialer
func NewDialer(log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log}
}

// Open implements transport.Dialer
func (d *Dialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	redisOpts, err := redis.ParseURL(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid redis endpoint: %w", err)
	}
	redisOpts.DialTimeout = timeoutFrom(ctx)
	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &Session{
		logger: d.logger.With("tenant", opts.Tenant, "clientId", opts.ClientID),
		opts:   opts,
		client: client,
		subs:   make(map[*subscription]struct{}),
	}
	s.logger.Info("connected to redis", "addr", redisOpts.Addr)
	return s, nil
}

// Session is one Redis client
type Session struct {
	logger *logger.Logger
	opts   transport.Options
	client *redis.Client
	closed atomic.Bool
	lost   atomic.Bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// Subscribe implements transport.Session
func (s *Session) Subscribe(destination string, handler transport.Handler, _ transport.SubscribeOptions) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrNotConnected
	}

	channel := Channel(s.opts.Tenant, destination)
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	ps := s.client.Subscribe(ctx, channel)
	// The first reply confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	sub := &subscription{session: s, pubsub: ps, done: make(chan struct{})}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.receive(destination, handler)

	s.logger.Debug("subscribed to topic", "destination", destination, "channel", channel)
	return sub, nil
}

// Send implements transport.Session
func (s *Session) Send(destination string, _ map[string]string, body []byte) error {
	if s.closed.Load() {
		return transport.ErrNotConnected
	}

	channel := Channel(s.opts.Tenant, destination)
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}

	s.logger.Debug("published message", "channel", channel, "payloadSize", len(body))
	return nil
}

// Disconnect implements transport.Session
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("disconnecting from redis")

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return s.client.Close()
}

// connectionLost reports the first receive failure of a live session
func (s *Session) connectionLost(err error) {
	if s.closed.Load() || !s.lost.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("redis connection lost", "error", err)
	s.opts.ReportError(fmt.Errorf("%w: %v", transport.ErrConnectionLost, err))
}

type subscription struct {
	session *Session
	pubsub  *redis.PubSub
	done    chan struct{}
	once    sync.Once
}

// receive dispatches messages in arrival order until the subscription ends
func (sub *subscription) receive(destination string, handler transport.Handler) {
	s := sub.session
	interval := s.opts.Heartbeat.Incoming
	ctx := context.Background()

	for {
		msg, err := sub.pubsub.ReceiveTimeout(ctx, interval)
		if err != nil {
			if sub.stopped() {
				return
			}
			var netErr net.Error
			if interval > 0 && errors.As(err, &netErr) && netErr.Timeout() {
				if perr := sub.pubsub.Ping(ctx); perr == nil {
					continue
				}
			}
			s.connectionLost(err)
			return
		}

		switch m := msg.(type) {
		case *redis.Message:
			handler(transport.Frame{
				Destination: destination,
				Body:        []byte(m.Payload),
			})
		case *redis.Subscription, *redis.Pong:
		}
	}
}

func (sub *subscription) stopped() bool {
	select {
	case <-sub.done:
		return true
	default:
		return sub.session.closed.Load()
	}
}

func (sub *subscription) Unsubscribe() error {
	var err error
	sub.once.Do(func() {
		close(sub.done)

		s := sub.session
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()

		err = sub.pubsub.Close()
	})
	return err
}

func timeoutFrom(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return defaultTimeout
}
