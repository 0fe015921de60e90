package tenant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenant-mux/internal/logger"
	"tenant-mux/internal/metrics"
	"tenant-mux/internal/stats"
	"tenant-mux/internal/transport"
)

// Config contains the connection manager configuration
type Config struct {
	Endpoint        string
	Topics          []string
	AlertTopic      string
	SubscribePrefix string
	SendPrefix      string

	// MaxReconnectAttempts is the number of retries after a failed attempt
	MaxReconnectAttempts int
	// ReconnectDelay is the constant delay before each retry
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Heartbeat      transport.Heartbeat
	TLS            *tls.Config
	LocalEcho      bool
}

// Option configures optional Manager collaborators
type Option func(*Manager)

// WithScheduler replaces the timer source used for retries
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithStats replaces the stats collector
func WithStats(s *stats.StatsCollector) Option {
	return func(m *Manager) { m.stats = s }
}

// WithErrorReporter replaces the reporter for undecodable payloads
func WithErrorReporter(r ErrorReporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// WithStateHandler registers a callback for tenant state changes
func WithStateHandler(h StateHandler) Option {
	return func(m *Manager) { m.onState = h }
}

// WithUserIDGenerator replaces the per-connect user id generator
func WithUserIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newUserID = gen }
}

// session is the per-tenant handle. conn is non-nil only while the session is live.
type session struct {
	tenant string
	userID string

	conn  transport.Session
	mux   *Multiplexer
	retry RetryState
	timer Timer
	state State
}

// binding ties transport callbacks to the connection they were registered for.
// All fields are guarded by Manager.mu.
type binding struct {
	conn transport.Session
	// settled is set once the owning attempt has finished
	settled bool
	// lost holds a connection loss reported before the attempt finished
	lost error
}

// dial is the handshake currently in flight for a tenant
type dial struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns at most one session per tenant
type Manager struct {
	cfg       Config
	dialer    transport.Dialer
	sink      Sink
	reporter  ErrorReporter
	logger    *logger.Logger
	metrics   *metrics.Metrics
	stats     *stats.StatsCollector
	scheduler Scheduler
	newUserID func() string
	onState   StateHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	dialing  map[string]*dial
	closed   bool
}

// NewManager creates a new connection manager
func NewManager(cfg Config, dialer transport.Dialer, sink Sink, log *logger.Logger, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative")
	}
	if cfg.ReconnectDelay < 0 {
		return nil, fmt.Errorf("reconnect delay must not be negative")
	}
	if log == nil {
		log = logger.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		sink:      sink,
		logger:    log,
		stats:     stats.NewStatsCollector(),
		scheduler: clockScheduler{},
		newUserID: func() string { return "user_" + uuid.NewString()[:8] },
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		dialing:   make(map[string]*dial),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reporter == nil {
		m.reporter = LogReporter{Logger: log}
	}

	return m, nil
}

// Connect tears down any existing session for tenant, generates a new user
// id and makes the first connection attempt. A handshake still in flight for
// the tenant is cancelled and awaited first, so Connect must not be called
// for the same tenant from inside Dialer.Open. A non-nil error means the
// attempt failed; the retry policy has then taken over unless the returned
// error is a *RetryExhaustedError.
func (m *Manager) Connect(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrEmptyTenant
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.sessions[tenant]
	s := &session{
		tenant: tenant,
		userID: m.newUserID(),
		state:  StateConnecting,
		retry: RetryState{
			MaxAttempts: m.cfg.MaxReconnectAttempts,
			Delay:       m.cfg.ReconnectDelay,
		},
	}
	m.sessions[tenant] = s
	prev := m.dialing[tenant]
	m.mu.Unlock()

	if old != nil {
		m.logger.Debug("disconnecting existing connection", "tenant", tenant)
		// The tenant goes straight to connecting, observers never see it disconnected
		m.teardown(old, false)
	}
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	m.logger.Info("connecting tenant",
		"tenant", tenant,
		"userId", s.userID,
		"endpoint", m.cfg.Endpoint)
	m.notify(tenant, StateConnecting)

	return m.attempt(ctx, s).Err
}

// attempt dials once and either records the live session or hands the
// failure to the retry policy.
func (m *Manager) attempt(ctx context.Context, s *session) ConnectResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancelTimeout()
	}

	d := &dial{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.sessions[s.tenant] != s {
		m.mu.Unlock()
		return Failed(ErrSuperseded)
	}
	m.dialing[s.tenant] = d
	m.mu.Unlock()

	b := &binding{}
	defer m.settle(b)

	conn, err := m.dialer.Open(ctx, m.sessionOptions(s, b))
	m.finishDial(s.tenant, d)
	if err != nil {
		return Failed(m.connectFailed(s, err))
	}

	if !m.isCurrent(s) {
		m.discard(s, conn, nil)
		return Failed(ErrSuperseded)
	}

	mux := NewMultiplexer(conn, MultiplexerConfig{
		Tenant:          s.tenant,
		UserID:          s.userID,
		Topics:          m.cfg.Topics,
		SubscribePrefix: m.cfg.SubscribePrefix,
		SendPrefix:      m.cfg.SendPrefix,
		LocalEcho:       m.cfg.LocalEcho,
		Sink:            m.sink,
		Reporter:        m.reporter,
		Logger:          m.logger,
		Metrics:         m.metrics,
		Stats:           m.stats,
	})
	if err := mux.SubscribeAll(); err != nil {
		m.discard(s, conn, nil)
		return Failed(m.connectFailed(s, err))
	}

	m.mu.Lock()
	if m.sessions[s.tenant] != s {
		m.mu.Unlock()
		m.discard(s, conn, mux)
		return Failed(ErrSuperseded)
	}
	b.settled = true
	if lost := b.lost; lost != nil {
		m.mu.Unlock()
		m.logger.Warn("connection lost while connecting", "tenant", s.tenant, "error", lost)
		m.discard(s, conn, mux)
		return Failed(m.connectFailed(s, lost))
	}
	b.conn = conn
	s.conn = conn
	s.mux = mux
	s.timer = nil
	s.state = StateConnected
	s.retry.Reset()
	m.mu.Unlock()

	m.safeMetricsUpdate(func(mt *metrics.Metrics) {
		mt.IncConnectAttempts("success")
		mt.SetSessionStatus(s.tenant, true)
	})
	m.logger.Info("tenant connected",
		"tenant", s.tenant,
		"userId", s.userID,
		"topics", m.cfg.Topics)
	m.notify(s.tenant, StateConnected)

	return Connected(conn)
}

// connectFailed applies the retry policy to a failed attempt and returns
// the error describing the outcome.
func (m *Manager) connectFailed(s *session, cause error) error {
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncConnectAttempts("failure") })

	m.mu.Lock()
	if m.sessions[s.tenant] != s {
		m.mu.Unlock()
		return ErrSuperseded
	}

	attempt := s.retry.Attempts
	connectErr := &ConnectError{Tenant: s.tenant, Attempt: attempt, Err: cause}

	if s.retry.CanRetry() {
		s.retry.Attempts++
		s.state = StateReconnecting
		s.timer = m.scheduler.AfterFunc(s.retry.Delay, func() { m.retryConnect(s) })
		retries, maxAttempts := s.retry.Attempts, s.retry.MaxAttempts
		m.mu.Unlock()

		m.logger.Warn("connection failed, scheduling reconnect",
			"tenant", s.tenant,
			"attempt", retries,
			"maxAttempts", maxAttempts,
			"delay", s.retry.Delay,
			"error", cause)
		m.safeStatsUpdate(func(st *stats.StatsCollector) { st.IncReconnects() })
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncReconnects(s.tenant) })
		m.deliverAlert(s, cause)
		m.notify(s.tenant, StateReconnecting)
		return connectErr
	}

	delete(m.sessions, s.tenant)
	s.state = StateDisconnected
	s.timer = nil
	m.mu.Unlock()

	exhausted := &RetryExhaustedError{Tenant: s.tenant, Attempts: s.retry.MaxAttempts, Err: cause}
	m.logger.Error("giving up on tenant", "tenant", s.tenant, "error", exhausted)
	m.safeStatsUpdate(func(st *stats.StatsCollector) { st.IncErrors() })
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSessionStatus(s.tenant, false) })
	m.deliverAlert(s, exhausted)
	m.notify(s.tenant, StateDisconnected)
	return exhausted
}

func (m *Manager) finishDial(tenant string, d *dial) {
	m.mu.Lock()
	if m.dialing[tenant] == d {
		delete(m.dialing, tenant)
	}
	m.mu.Unlock()
	close(d.done)
}

func (m *Manager) settle(b *binding) {
	m.mu.Lock()
	b.settled = true
	m.mu.Unlock()
}

func (m *Manager) retryConnect(s *session) {
	m.mu.RLock()
	current := m.sessions[s.tenant] == s && s.conn == nil && !m.closed
	attempt := s.retry.Attempts
	m.mu.RUnlock()
	if !current {
		return
	}

	m.logger.Info("attempting to reconnect",
		"tenant", s.tenant,
		"attempt", attempt,
		"maxAttempts", s.retry.MaxAttempts)
	m.attempt(m.ctx, s)
}

// handleSessionError is the OnError callback of a session, live or still connecting
func (m *Manager) handleSessionError(s *session, b *binding, err error) {
	lost := errors.Is(err, transport.ErrConnectionLost)

	m.mu.Lock()
	if m.sessions[s.tenant] != s || b.settled && b.conn == nil {
		m.mu.Unlock()
		return
	}
	if b.conn == nil {
		// The attempt is still running; it turns a loss into a connect failure
		if lost && b.lost == nil {
			b.lost = err
		}
		m.mu.Unlock()
		if !lost {
			m.logger.Error("session error while connecting", "tenant", s.tenant, "error", err)
			m.deliverAlert(s, err)
		}
		return
	}
	if s.conn != b.conn {
		m.mu.Unlock()
		return
	}

	var conn transport.Session
	var mux *Multiplexer
	if lost {
		conn, mux = s.conn, s.mux
		s.conn, s.mux = nil, nil
		s.state = StateDisconnected
	}
	m.mu.Unlock()

	m.logger.Error("session error", "tenant", s.tenant, "error", err)
	m.safeStatsUpdate(func(st *stats.StatsCollector) { st.IncErrors() })
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncSessionErrors(s.tenant) })

	if !lost {
		m.deliverAlert(s, err)
		return
	}

	m.discard(s, conn, mux)
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSessionStatus(s.tenant, false) })
	// connectFailed raises the alert and schedules the reconnect
	m.connectFailed(s, err)
}

// deliverAlert surfaces err to the sink as a message on the alert topic
func (m *Manager) deliverAlert(s *session, err error) {
	if m.cfg.AlertTopic == "" {
		return
	}
	m.sink.Deliver(s.tenant, m.cfg.AlertTopic, Message{
		Content:   fmt.Sprintf("Connection error: %v", err),
		Tenant:    s.tenant,
		Scope:     m.cfg.AlertTopic,
		Timestamp: Timestamp{time.Now()},
	})
}

// Disconnect closes the tenant's session and removes all of its state.
// It is a no-op for unknown tenants.
func (m *Manager) Disconnect(tenant string) {
	m.mu.Lock()
	if d := m.dialing[tenant]; d != nil {
		d.cancel()
	}
	s, ok := m.sessions[tenant]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, tenant)
	m.mu.Unlock()

	m.teardown(s, true)
	m.logger.Info("tenant disconnected", "tenant", tenant)
}

// teardown releases everything held by a session already removed from the map
func (m *Manager) teardown(s *session, notify bool) {
	m.mu.Lock()
	timer := s.timer
	conn, mux := s.conn, s.mux
	s.timer, s.conn, s.mux = nil, nil, nil
	s.state = StateDisconnected
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	m.discard(s, conn, mux)
	m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.SetSessionStatus(s.tenant, false) })
	if notify {
		m.notify(s.tenant, StateDisconnected)
	}
}

func (m *Manager) discard(s *session, conn transport.Session, mux *Multiplexer) {
	if mux != nil {
		mux.Close()
	}
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		m.logger.Debug("error closing session", "tenant", s.tenant, "error", err)
	}
}

// Publish sends content on topic through the tenant's live session
func (m *Manager) Publish(tenant, topic, content string) (Message, error) {
	if content == "" {
		m.safeMetricsUpdate(func(mt *metrics.Metrics) { mt.IncMessagesTotal("rejected") })
		return Message{}, ErrEmptyContent
	}

	m.mu.RLock()
	var mux *Multiplexer
	if s, ok := m.sessions[tenant]; ok {
		mux = s.mux
	}
	m.mu.RUnlock()

	if mux == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrNotConnected, tenant)
	}
	return mux.Publish(topic, content)
}

// Status returns the tenant's current state
func (m *Manager) Status(tenant string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[tenant]
	if !ok {
		return StateDisconnected
	}
	if s.conn != nil {
		return StateConnected
	}
	return s.state
}

// IsConnected reports whether the tenant holds a live session
func (m *Manager) IsConnected(tenant string) bool {
	return m.Status(tenant) == StateConnected
}

// UserID returns the user id generated for the tenant's current session
func (m *Manager) UserID(tenant string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[tenant]
	if !ok {
		return "", false
	}
	return s.userID, true
}

// Tenants returns the tenants with a session or a connect cycle in progress
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	tenants := make([]string, 0, len(m.sessions))
	for t := range m.sessions {
		tenants = append(tenants, t)
	}
	m.mu.RUnlock()

	sort.Strings(tenants)
	return tenants
}

// ActiveSessions returns the number of live sessions
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.conn != nil {
			n++
		}
	}
	return n
}

// Stats returns current message and session statistics
func (m *Manager) Stats() map[string]interface{} {
	st := map[string]interface{}{}
	if m.stats != nil {
		st = m.stats.GetStats()
	}
	st["active_sessions"] = m.ActiveSessions()
	return st
}

// Close disconnects every tenant. The manager rejects new connects afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	for _, tenant := range m.Tenants() {
		m.Disconnect(tenant)
	}
	m.logger.Info("connection manager closed")
}

func (m *Manager) sessionOptions(s *session, b *binding) transport.Options {
	return transport.Options{
		Endpoint: m.cfg.Endpoint,
		Tenant:   s.tenant,
		ClientID: s.userID,
		Headers: map[string]string{
			transport.HeaderAuthorization: "Bearer " + s.tenant,
			transport.HeaderUserID:        "guest",
			transport.HeaderCustomUserID:  s.userID,
			transport.HeaderAcceptVersion: "1.1,1.0",
			transport.HeaderHeartBeat:     m.cfg.Heartbeat.String(),
		},
		Heartbeat: m.cfg.Heartbeat,
		TLS:       m.cfg.TLS,
		OnError:   func(err error) { m.handleSessionError(s, b, err) },
	}
}

func (m *Manager) isCurrent(s *session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[s.tenant] == s
}

func (m *Manager) notify(tenant string, state State) {
	if m.onState != nil {
		m.onState(tenant, state)
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (m *Manager) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if m.metrics != nil {
		fn(m.metrics)
	}
}

func (m *Manager) safeStatsUpdate(fn func(*stats.StatsCollector)) {
	if m.stats != nil {
		fn(m.stats)
	}
}
