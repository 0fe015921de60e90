package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"tenant-mux/internal/transport"
)

var errRefused = errors.New("connection refused")

// fakeSubscription implements transport.Subscription for testing
type fakeSubscription struct {
	destination  string
	handler      transport.Handler
	opts         transport.SubscribeOptions
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe() error {
	s.unsubscribed = true
	return nil
}

type sentFrame struct {
	destination string
	headers     map[string]string
	body        []byte
}

// fakeSession implements transport.Session for testing
type fakeSession struct {
	opts transport.Options

	mu           sync.Mutex
	subs         map[string]*fakeSubscription
	order        []string
	sent         []sentFrame
	sendErr      error
	subscribeErr map[string]error
	disconnected bool
}

func newFakeSession(opts transport.Options) *fakeSession {
	return &fakeSession{
		opts:         opts,
		subs:         make(map[string]*fakeSubscription),
		subscribeErr: make(map[string]error),
	}
}

func (s *fakeSession) Subscribe(destination string, handler transport.Handler, opts transport.SubscribeOptions) (transport.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.subscribeErr[destination]; err != nil {
		return nil, err
	}
	sub := &fakeSubscription{destination: destination, handler: handler, opts: opts}
	s.subs[destination] = sub
	s.order = append(s.order, destination)
	return sub, nil
}

func (s *fakeSession) Send(destination string, headers map[string]string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentFrame{destination: destination, headers: headers, body: body})
	return nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	return nil
}

// deliver pushes body to the handler subscribed on destination
func (s *fakeSession) deliver(destination string, body []byte, headers map[string]string) bool {
	s.mu.Lock()
	sub, ok := s.subs[destination]
	s.mu.Unlock()
	if !ok || sub.unsubscribed {
		return false
	}
	sub.handler(transport.Frame{Destination: destination, Headers: headers, Body: body})
	return true
}

func (s *fakeSession) sentFrames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentFrame, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) isDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// fakeDialer implements transport.Dialer for testing
type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	failures int // remaining Opens that fail; negative fails forever
	err      error
	sessions []*fakeSession
	prepare  func(*fakeSession)
	onOpen   func()
	// wait runs during Open with the call number; Open then fails if ctx is done
	wait func(ctx context.Context, call int)

	inFlight    int
	maxInFlight int
}

func (d *fakeDialer) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	onOpen, wait := d.onOpen, d.wait
	fail := d.failures != 0
	if d.failures > 0 {
		d.failures--
	}
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if onOpen != nil {
		onOpen()
	}
	if wait != nil {
		wait(ctx, call)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if fail {
		err := d.err
		if err == nil {
			err = errRefused
		}
		return nil, err
	}

	s := newFakeSession(opts)
	if d.prepare != nil {
		d.prepare(s)
	}

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) peakInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

// fakeTimer implements Timer for testing
type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

// fakeScheduler records timers and fires them on demand
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fireNext runs the oldest pending timer and reports whether one existed
func (s *fakeScheduler) fireNext() bool {
	s.mu.Lock()
	var next *fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.fn()
	return true
}

type delivery struct {
	tenant string
	topic  string
	msg    Message
}

// recordingSink implements Sink for testing
type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (r *recordingSink) Deliver(tenant, topic string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, delivery{tenant: tenant, topic: topic, msg: msg})
}

func (r *recordingSink) all() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

func (r *recordingSink) onTopic(topic string) []delivery {
	var out []delivery
	for _, d := range r.all() {
		if d.topic == topic {
			out = append(out, d)
		}
	}
	return out
}

type report struct {
	context string
	raw     []byte
	err     error
}

// recordingReporter implements ErrorReporter for testing
type recordingReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *recordingReporter) Report(context string, raw []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{context: context, raw: raw, err: err})
}

func (r *recordingReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]report, len(r.reports))
	copy(out, r.reports)
	return out
}
