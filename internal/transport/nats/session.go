// Package nats runs tenant sessions over a NATS server. Destinations become
// dot-separated subjects and frame headers travel as NATS message headers.
package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/transport"
)

const defaultTimeout = 10 * time.Second

// Dialer opens NATS sessions
type Dialer struct {
	logger *logger.Logger
}

// NewDialer creates a NATS dialer
func NewDialer(log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log}
}

// Open implements transport.Dialer
func (d *Dialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("no NATS server URL provided")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Session{
		logger: d.logger.With("tenant", opts.Tenant, "clientId", opts.ClientID),
		opts:   opts,
	}

	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.Token(opts.Authorization()),
		nats.NoReconnect(),
		nats.Timeout(timeoutFrom(ctx)),
		nats.DisconnectErrHandler(s.handleDisconnect),
		nats.ErrorHandler(s.handleAsyncError),
	}
	if hb := opts.Heartbeat.Outgoing; hb > 0 {
		natsOpts = append(natsOpts, nats.PingInterval(hb))
	}
	if opts.TLS != nil {
		natsOpts = append(natsOpts, nats.Secure(opts.TLS))
	}

	s.logger.Info("connecting to NATS server", "url", opts.Endpoint)

	conn, err := nats.Connect(opts.Endpoint, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	s.conn = conn

	s.logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return s, nil
}

// Session is one NATS connection
type Session struct {
	logger *logger.Logger
	opts   transport.Options
	conn   *nats.Conn
	closed atomic.Bool
}

// Subscribe implements transport.Session
func (s *Session) Subscribe(destination string, handler transport.Handler, _ transport.SubscribeOptions) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrNotConnected
	}

	subject := ToSubject(destination)
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(transport.Frame{
			Destination: destination,
			Headers:     FromHeader(msg.Header),
			Body:        msg.Data,
		})
	})
	if err != nil {
		s.logger.Error("failed to subscribe to subject", "subject", subject, "error", err)
		return nil, fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	s.logger.Debug("subscribed to topic", "destination", destination, "subject", subject)
	return &subscription{sub: sub}, nil
}

// Send implements transport.Session
func (s *Session) Send(destination string, headers map[string]string, body []byte) error {
	if s.closed.Load() {
		return transport.ErrNotConnected
	}

	msg := &nats.Msg{
		Subject: ToSubject(destination),
		Header:  ToHeader(headers),
		Data:    body,
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", msg.Subject, err)
	}

	s.logger.Debug("published message", "subject", msg.Subject, "payloadSize", len(body))
	return nil
}

// Disconnect implements transport.Session
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("disconnecting from NATS server")
	s.conn.Close()
	return nil
}

func (s *Session) handleDisconnect(_ *nats.Conn, err error) {
	if s.closed.Load() {
		return
	}
	if err == nil {
		err = fmt.Errorf("server closed the connection")
	}
	s.logger.Error("disconnected from NATS server", "error", err)
	s.opts.ReportError(fmt.Errorf("%w: %v", transport.ErrConnectionLost, err))
}

func (s *Session) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if s.closed.Load() {
		return
	}
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	s.logger.Error("async NATS error", "subject", subject, "error", err)
	s.opts.ReportError(err)
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
}

func (sub *subscription) Unsubscribe() error {
	var err error
	sub.once.Do(func() {
		if !sub.sub.IsValid() {
			return
		}
		if uerr := sub.sub.Unsubscribe(); uerr != nil {
			err = fmt.Errorf("failed to unsubscribe from subject %s: %w", sub.sub.Subject, uerr)
		}
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
