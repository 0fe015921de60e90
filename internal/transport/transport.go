// Package transport defines the duplex publish/subscribe channel a tenant
// session runs over, independent of the broker protocol behind it.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	// ErrConnectionLost is reported through Options.OnError when an
	// established session drops
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned by operations on a closed session
	ErrNotConnected = errors.New("not connected")
)

// Well-known header names carried on connect and send
const (
	HeaderAuthorization = "Authorization"
	HeaderUserID        = "user-id"
	HeaderCustomUserID  = "custom-user-id"
	HeaderAcceptVersion = "accept-version"
	HeaderHeartBeat     = "heart-beat"
)

// Heartbeat holds the liveness intervals requested from the broker
type Heartbeat struct {
	Outgoing time.Duration
	Incoming time.Duration
}

// String renders the heartbeat in the STOMP "out,in" millisecond form
func (h Heartbeat) String() string {
	return fmt.Sprintf("%d,%d", h.Outgoing.Milliseconds(), h.Incoming.Milliseconds())
}

// Options describes a single session to open
type Options struct {
	Endpoint string
	// Tenant is the namespace the session authenticates as
	Tenant string
	// ClientID is the per-connect user id
	ClientID  string
	Headers   map[string]string
	Heartbeat Heartbeat
	TLS       *tls.Config
	// OnError receives transport failures on the established session
	OnError func(error)
}

// Authorization returns the bearer credential presented for the tenant
func (o Options) Authorization() string {
	if v, ok := o.Headers[HeaderAuthorization]; ok {
		return v
	}
	return "Bearer " + o.Tenant
}

// ReportError forwards err to OnError when set
func (o Options) ReportError(err error) {
	if o.OnError != nil && err != nil {
		o.OnError(err)
	}
}

// Frame is one inbound message
type Frame struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

// Header returns the header value for key or ""
func (f Frame) Header(key string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[key]
}

// Handler consumes inbound frames for one subscription. Frames on a
// subscription are handed over in broker order.
type Handler func(Frame)

// SubscribeOptions are the per-subscription settings
type SubscribeOptions struct {
	ID        string
	Ack       string
	Durable   bool
	Exclusive bool
}

// Subscription is a registered inbound handler
type Subscription interface {
	Unsubscribe() error
}

// Session is one authenticated duplex connection
type Session interface {
	// Subscribe registers handler for destination
	Subscribe(destination string, handler Handler, opts SubscribeOptions) (Subscription, error)

	// Send publishes body to destination
	Send(destination string, headers map[string]string, body []byte) error

	// Disconnect closes the session and releases its resources
	Disconnect() error
}

// Dialer opens sessions
type Dialer interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, opts Options) (Session, error)

// Open calls f(ctx, opts)
func (f DialerFunc) Open(ctx context.Context, opts Options) (Session, error) {
	return f(ctx, opts)
}

// NewTLSConfig builds a client TLS configuration from PEM files
func NewTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
