// Package stomp runs tenant sessions as STOMP over a WebSocket, the framing
// spoken by Spring-style message brokers.
package stomp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/transport"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	contentTypeJSON         = "application/json"
)

// Subprotocols offered during the WebSocket handshake
var Subprotocols = []string{"v11.stomp", "v10.stomp"}

// Dialer opens STOMP-over-WebSocket sessions
type Dialer struct {
	logger *logger.Logger
}

// NewDialer creates a STOMP dialer
func NewDialer(log *logger.Logger) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log}
}

// Open implements transport.Dialer
func (d *Dialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	endpoint, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	header := http.Header{}
	header.Set(transport.HeaderAuthorization, opts.Authorization())

	wsDialer := websocket.Dialer{
		HandshakeTimeout: defaultHandshakeTimeout,
		TLSClientConfig:  opts.TLS,
		Subprotocols:     Subprotocols,
	}

	ws, _, err := wsDialer.DialContext(ctx, opts.Endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("websocket handshake failed: %w", err)
	}
	rwc := newWSConn(ws)

	// stomp.Connect does not take a context; closing the socket unblocks it
	connected := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rwc.Close()
		case <-connected:
		}
	}()

	conn, err := stomp.Connect(rwc, connectOptions(endpoint.Host, opts)...)
	close(connected)
	if err != nil {
		rwc.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stomp connect: %w", ctx.Err())
		}
		return nil, fmt.Errorf("stomp connect: %w", err)
	}

	s := &Session{
		logger: d.logger.With("tenant", opts.Tenant, "clientId", opts.ClientID),
		opts:   opts,
		conn:   conn,
	}
	s.logger.Info("stomp session connected",
		"endpoint", opts.Endpoint,
		"version", string(conn.Version()),
		"server", conn.Server())
	return s, nil
}

func connectOptions(host string, opts transport.Options) []func(*stomp.Conn) error {
	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.AcceptVersion(stomp.V11, stomp.V10),
		stomp.ConnOpt.HeartBeat(opts.Heartbeat.Outgoing, opts.Heartbeat.Incoming),
	}
	if host != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Host(host))
	}
	for k, v := range opts.Headers {
		switch k {
		case transport.HeaderAcceptVersion, transport.HeaderHeartBeat:
			// negotiated by the options above
			continue
		}
		connOpts = append(connOpts, stomp.ConnOpt.Header(k, v))
	}
	return connOpts
}

// Session is one STOMP connection
type Session struct {
	logger *logger.Logger
	opts   transport.Options
	conn   *stomp.Conn
	closed atomic.Bool
	lost   atomic.Bool
}

// Subscribe implements transport.Session
func (s *Session) Subscribe(destination string, handler transport.Handler, opts transport.SubscribeOptions) (transport.Subscription, error) {
	if s.closed.Load() {
		return nil, transport.ErrNotConnected
	}

	subOpts := []func(*frame.Frame) error{
		stomp.SubscribeOpt.Header("durable", strconv.FormatBool(opts.Durable)),
		stomp.SubscribeOpt.Header("exclusive", strconv.FormatBool(opts.Exclusive)),
	}
	if opts.ID != "" {
		subOpts = append(subOpts, stomp.SubscribeOpt.Id(opts.ID))
	}

	sub, err := s.conn.Subscribe(destination, AckMode(opts.Ack), subOpts...)
	if err != nil {
		s.logger.Error("failed to subscribe", "destination", destination, "error", err)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", destination, err)
	}

	go s.receive(sub, handler)

	s.logger.Debug("subscribed to topic", "destination", destination, "id", sub.Id())
	return &subscription{sub: sub, session: s}, nil
}

// receive dispatches messages in arrival order until the subscription ends
func (s *Session) receive(sub *stomp.Subscription, handler transport.Handler) {
	for msg := range sub.C {
		if msg.Err != nil {
			s.connectionLost(msg.Err)
			return
		}
		handler(transport.Frame{
			Destination: msg.Destination,
			Headers:     headerMap(msg.Header),
			Body:        msg.Body,
		})
	}
}

// Send implements transport.Session
func (s *Session) Send(destination string, headers map[string]string, body []byte) error {
	if s.closed.Load() {
		return transport.ErrNotConnected
	}

	sendOpts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		sendOpts = append(sendOpts, stomp.SendOpt.Header(k, v))
	}

	if err := s.conn.Send(destination, contentTypeJSON, body, sendOpts...); err != nil {
		return fmt.Errorf("failed to send to %s: %w", destination, err)
	}

	s.logger.Debug("sent message", "destination", destination, "payloadSize", len(body))
	return nil
}

// Disconnect implements transport.Session
func (s *Session) Disconnect() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("disconnecting stomp session")
	if err := s.conn.Disconnect(); err != nil {
		s.conn.MustDisconnect()
		return err
	}
	return nil
}

func (s *Session) connectionLost(err error) {
	if s.closed.Load() || !s.lost.CompareAndSwap(false, true) {
		return
	}
	s.logger.Error("stomp connection lost", "error", err)
	s.opts.ReportError(fmt.Errorf("%w: %v", transport.ErrConnectionLost, err))
}

type subscription struct {
	sub     *stomp.Subscription
	session *Session
	once    sync.Once
}

func (sub *subscription) Unsubscribe() error {
	var err error
	sub.once.Do(func() {
		if sub.session.closed.Load() || !sub.sub.Active() {
			return
		}
		err = sub.sub.Unsubscribe()
	})
	return err
}

// AckMode maps an ack option to the STOMP acknowledgement mode
func AckMode(ack string) stomp.AckMode {
	switch strings.ToLower(ack) {
	case "client":
		return stomp.AckClient
	case "client-individual":
		return stomp.AckClientIndividual
	default:
		return stomp.AckAuto
	}
}

func headerMap(h *frame.Header) map[string]string {
	if h == nil || h.Len() == 0 {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}
