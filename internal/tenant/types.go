// Package tenant manages one reconnecting broker session per tenant and
// multiplexes a fixed topic set over it.
package tenant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tenant-mux/internal/transport"
)

// State represents the connection state of a tenant
type State string

const (
	// StateDisconnected indicates the tenant holds no session
	StateDisconnected State = "disconnected"
	// StateConnecting indicates the first connection attempt is in flight
	StateConnecting State = "connecting"
	// StateReconnecting indicates a retry is scheduled or in flight
	StateReconnecting State = "reconnecting"
	// StateConnected indicates the tenant holds a live session
	StateConnected State = "connected"
)

// Message kinds derived from the content prefix the broker uses for replies
const (
	KindChat = "chat"
	KindAck  = "ack"
	KindEcho = "echo"
)

// Timestamp accepts both ISO-8601 strings and epoch milliseconds on decode
// and always encodes as RFC 3339.
type Timestamp struct {
	time.Time
}

// MarshalJSON implements json.Marshaler
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// localLayout is an ISO timestamp without a zone, read in local time
const localLayout = "2006-01-02T15:04:05.999999999"

// UnmarshalJSON implements json.Unmarshaler. It accepts RFC 3339 strings,
// zone-less ISO strings, epoch milliseconds and [y,m,d,h,m,s,ns] arrays.
// Values in any other shape leave the timestamp zero.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		} else if parsed, err := time.ParseInLocation(localLayout, s, time.Local); err == nil {
			t.Time = parsed
		}
	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err == nil && len(parts) >= 3 {
			parts = append(parts, make([]int, 7-min(len(parts), 7))...)
			t.Time = time.Date(parts[0], time.Month(parts[1]), parts[2],
				parts[3], parts[4], parts[5], parts[6], time.Local)
		}
	default:
		if ms, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
		}
	}
	return nil
}

// Message is the chat payload exchanged on every topic
type Message struct {
	Content      string    `json:"content"`
	Tenant       string    `json:"tenant"`
	UserID       string    `json:"userId,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	Timestamp    Timestamp `json:"timestamp"`

	// Outgoing is set on delivery when the sender is this session's own user
	Outgoing bool `json:"-"`
}

// Kind classifies the message by its content prefix
func (m Message) Kind() string {
	switch {
	case strings.HasPrefix(m.Content, "ACK:"):
		return KindAck
	case strings.HasPrefix(m.Content, "ECHO:"):
		return KindEcho
	default:
		return KindChat
	}
}

// ParseMessage decodes a raw inbound payload. The payload must be a JSON object.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, fmt.Errorf("payload is not a JSON object")
	}

	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Sink receives accepted messages
type Sink interface {
	Deliver(tenant, topic string, msg Message)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(tenant, topic string, msg Message)

// Deliver calls f(tenant, topic, msg)
func (f SinkFunc) Deliver(tenant, topic string, msg Message) {
	f(tenant, topic, msg)
}

// ErrorReporter receives inbound payloads that could not be handled
type ErrorReporter interface {
	Report(context string, raw []byte, err error)
}

// StateHandler is notified whenever a tenant changes state
type StateHandler func(tenant string, state State)

// RetryState tracks reconnect attempts during a connecting phase
type RetryState struct {
	Attempts    int
	MaxAttempts int
	Delay       time.Duration
}

// CanRetry reports whether another retry may be scheduled
func (r RetryState) CanRetry() bool {
	return r.Attempts < r.MaxAttempts
}

// Reset clears the attempt counter
func (r *RetryState) Reset() {
	r.Attempts = 0
}

// ConnectResult is the outcome of one connection attempt
type ConnectResult struct {
	Session transport.Session
	Err     error
}

// Connected returns a successful result
func Connected(s transport.Session) ConnectResult {
	return ConnectResult{Session: s}
}

// Failed returns a failed result
func Failed(err error) ConnectResult {
	return ConnectResult{Err: err}
}

// OK reports whether the attempt produced a session
func (r ConnectResult) OK() bool {
	return r.Err == nil && r.Session != nil
}

// SubscriptionID derives the per-tenant subscription identifier for topic
func SubscriptionID(topic, tenant string) string {
	return fmt.Sprintf("sub-%s-%s", topic, tenant)
}
