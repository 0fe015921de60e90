package stats

import (
	"sync/atomic"
	"time"
)

// StatsCollector counts tenant session and message events
type StatsCollector struct {
	StartTime         time.Time
	MessagesDelivered uint64
	MessagesDropped   uint64
	ParseErrors       uint64
	MessagesPublished uint64
	Errors            uint64
	Reconnects        uint64
	lastUpdate        atomic.Int64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	s := &StatsCollector{StartTime: time.Now()}
	s.touch()
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

// IncDelivered counts a message handed to the sink
func (s *StatsCollector) IncDelivered() {
	atomic.AddUint64(&s.MessagesDelivered, 1)
	s.touch()
}

// IncDropped counts a message dropped for belonging to another tenant
func (s *StatsCollector) IncDropped() {
	atomic.AddUint64(&s.MessagesDropped, 1)
	s.touch()
}

// IncParseErrors counts an inbound payload that could not be decoded
func (s *StatsCollector) IncParseErrors() {
	atomic.AddUint64(&s.ParseErrors, 1)
	s.touch()
}

// IncPublished counts a message handed to the transport
func (s *StatsCollector) IncPublished() {
	atomic.AddUint64(&s.MessagesPublished, 1)
	s.touch()
}

// IncErrors counts a transport or publish failure
func (s *StatsCollector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
	s.touch()
}

// IncReconnects counts a scheduled reconnect
func (s *StatsCollector) IncReconnects() {
	atomic.AddUint64(&s.Reconnects, 1)
	s.touch()
}

// LastUpdate returns the time of the most recent event
func (s *StatsCollector) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":             uptime.String(),
		"messages_delivered": atomic.LoadUint64(&s.MessagesDelivered),
		"messages_dropped":   atomic.LoadUint64(&s.MessagesDropped),
		"parse_errors":       atomic.LoadUint64(&s.ParseErrors),
		"messages_published": atomic.LoadUint64(&s.MessagesPublished),
		"errors":             atomic.LoadUint64(&s.Errors),
		"reconnects":         atomic.LoadUint64(&s.Reconnects),
		"delivery_rate":      s.CalculateRate(),
		"last_update":        s.LastUpdate(),
	}
}

// CalculateRate calculates the delivery rate in messages per second
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesDelivered)) / uptime
}
