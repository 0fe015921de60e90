package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-mux/internal/transport"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []transport.Frame
}

func (r *frameRecorder) handle(f transport.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *frameRecorder) all() []transport.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Frame(nil), r.frames...)
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errorRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func openTestSession(t *testing.T, server *miniredis.Miniredis, tenant string, errs *errorRecorder) *Session {
	t.Helper()

	opts := transport.Options{
		Endpoint: "redis://" + server.Addr(),
		Tenant:   tenant,
		ClientID: "user_1",
	}
	if errs != nil {
		opts.OnError = errs.report
	}

	sess, err := NewDialer(nil).Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Disconnect() })
	return sess.(*Session)
}

func TestOpenFailure(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"Invalid URL", "http://localhost:6379"},
		{"Unreachable", "redis://127.0.0.1:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			sess, err := NewDialer(nil).Open(ctx, transport.Options{Endpoint: tt.endpoint, Tenant: "acme"})
			assert.Nil(t, sess)
			assert.Error(t, err)
		})
	}
}

func TestSubscribeAndSend(t *testing.T) {
	server := miniredis.RunT(t)
	sess := openTestSession(t, server, "acme", nil)

	rec := &frameRecorder{}
	sub, err := sess.Subscribe("/topic/chat", rec.handle, transport.SubscribeOptions{ID: "sub-chat-acme"})
	require.NoError(t, err)

	require.NoError(t, sess.Send("/topic/chat", nil, []byte(`{"content":"one"}`)))
	require.NoError(t, sess.Send("/topic/chat", nil, []byte(`{"content":"two"}`)))

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	frames := rec.all()
	assert.Equal(t, "/topic/chat", frames[0].Destination)
	assert.Equal(t, `{"content":"one"}`, string(frames[0].Body))
	assert.Equal(t, `{"content":"two"}`, string(frames[1].Body))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestTenantsAreIsolated(t *testing.T) {
	server := miniredis.RunT(t)
	acme := openTestSession(t, server, "acme", nil)
	globex := openTestSession(t, server, "globex", nil)

	rec := &frameRecorder{}
	_, err := acme.Subscribe("/topic/news", rec.handle, transport.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, globex.Send("/topic/news", nil, []byte("for globex")))
	server.Publish(Channel("acme", "/topic/news"), "for acme")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	frames := rec.all()
	require.Len(t, frames, 1)
	assert.Equal(t, "for acme", string(frames[0].Body))
}

func TestConnectionLost(t *testing.T) {
	server := miniredis.RunT(t)
	errs := &errorRecorder{}
	sess := openTestSession(t, server, "acme", errs)

	_, err := sess.Subscribe("/topic/news", func(transport.Frame) {}, transport.SubscribeOptions{})
	require.NoError(t, err)
	_, err = sess.Subscribe("/topic/chat", func(transport.Frame) {}, transport.SubscribeOptions{})
	require.NoError(t, err)

	server.Close()

	require.Eventually(t, func() bool { return len(errs.all()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	reported := errs.all()
	require.Len(t, reported, 1, "a lost session is reported once")
	assert.ErrorIs(t, reported[0], transport.ErrConnectionLost)
}

func TestDisconnect(t *testing.T) {
	server := miniredis.RunT(t)
	errs := &errorRecorder{}
	sess := openTestSession(t, server, "acme", errs)

	_, err := sess.Subscribe("/topic/news", func(transport.Frame) {}, transport.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, sess.Disconnect())
	require.NoError(t, sess.Disconnect())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, errs.all(), "local disconnects are not connection losses")

	assert.ErrorIs(t, sess.Send("/topic/news", nil, []byte("x")), transport.ErrNotConnected)
	_, err = sess.Subscribe("/topic/news", func(transport.Frame) {}, transport.SubscribeOptions{})
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "acme:/topic/news", Channel("acme", "/topic/news"))
	assert.NotEqual(t, Channel("acme", "/topic/news"), Channel("globex", "/topic/news"))
}
