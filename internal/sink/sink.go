// Package sink renders delivered tenant messages.
package sink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/tenant"
)

const timeLayout = "15:04:05"

// Message tags rendered in front of the sender
const (
	TagIncoming = "incoming"
	TagOutgoing = "outgoing"
	TagAck      = "ack"
	TagEcho     = "echo"
	TagAlert    = "alert"
)

// Tag classifies msg for rendering
func Tag(topic, alertTopic string, msg tenant.Message) string {
	switch {
	case alertTopic != "" && topic == alertTopic && msg.UserID == "":
		return TagAlert
	case msg.Kind() == tenant.KindAck:
		return TagAck
	case msg.Kind() == tenant.KindEcho:
		return TagEcho
	case msg.Outgoing:
		return TagOutgoing
	default:
		return TagIncoming
	}
}

// ConsoleOption configures a ConsoleSink
type ConsoleOption func(*ConsoleSink)

// WithAlertTopic marks topic as carrying synthetic alerts
func WithAlertTopic(topic string) ConsoleOption {
	return func(c *ConsoleSink) { c.alertTopic = topic }
}

// WithColor enables or disables ANSI colors
func WithColor(enabled bool) ConsoleOption {
	return func(c *ConsoleSink) { c.colored = enabled }
}

// WithClock replaces the clock used for messages without a timestamp
func WithClock(now func() time.Time) ConsoleOption {
	return func(c *ConsoleSink) { c.now = now }
}

// ConsoleSink writes one line per message:
//
//	[15:04:05] acme/chat outgoing User user_1: hello
type ConsoleSink struct {
	alertTopic string
	colored    bool
	now        func() time.Time
	palette    map[string]*color.Color

	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a console renderer writing to w
func NewConsoleSink(w io.Writer, opts ...ConsoleOption) *ConsoleSink {
	c := &ConsoleSink{
		w:       w,
		colored: !color.NoColor,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.palette = map[string]*color.Color{
		TagIncoming: color.New(color.FgCyan),
		TagOutgoing: color.New(color.FgGreen),
		TagAck:      color.New(color.FgYellow),
		TagEcho:     color.New(color.FgMagenta),
		TagAlert:    color.New(color.FgRed, color.Bold),
	}
	for _, p := range c.palette {
		if c.colored {
			p.EnableColor()
		} else {
			p.DisableColor()
		}
	}
	return c
}

// Deliver implements tenant.Sink
func (c *ConsoleSink) Deliver(tenantID, topic string, msg tenant.Message) {
	ts := msg.Timestamp.Time
	if ts.IsZero() {
		ts = c.now()
	}

	tag := Tag(topic, c.alertTopic, msg)
	sender := "server"
	if msg.UserID != "" {
		sender = "User " + msg.UserID
	}

	line := fmt.Sprintf("[%s] %s/%s %s %s: %s\n",
		ts.Local().Format(timeLayout),
		tenantID,
		topic,
		c.palette[tag].Sprint(tag),
		sender,
		msg.Content)

	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.w, line)
}

// LogSink writes every message to the structured log
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink backed by log
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogSink{logger: log}
}

// Deliver implements tenant.Sink
func (l *LogSink) Deliver(tenantID, topic string, msg tenant.Message) {
	l.logger.Info("message delivered",
		"tenant", tenantID,
		"topic", topic,
		"userId", msg.UserID,
		"kind", msg.Kind(),
		"outgoing", msg.Outgoing,
		"acknowledged", msg.Acknowledged,
		"content", msg.Content)
}

// Multi fans every message out to each sink in order
type Multi []tenant.Sink

// Deliver implements tenant.Sink
func (m Multi) Deliver(tenantID, topic string, msg tenant.Message) {
	for _, s := range m {
		s.Deliver(tenantID, topic, msg)
	}
}
