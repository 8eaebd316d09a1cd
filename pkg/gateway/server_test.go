package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat4all/backbone/pkg/auth"
)

// fakeSubscriber hands out channel-backed subscriptions so tests can inject
// pub/sub traffic without Redis.
type fakeSubscriber struct {
	mu   sync.Mutex
	subs map[string][]*fakeSubscription
	err  error
}

type fakeSubscription struct {
	ch     chan *redis.Message
	closed bool
	mu     sync.Mutex
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[string][]*fakeSubscription)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{ch: make(chan *redis.Message, 16)}
	f.subs[channel] = append(f.subs[channel], sub)
	return sub, nil
}

func (f *fakeSubscriber) publish(channel, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[channel] {
		sub.mu.Lock()
		if !sub.closed {
			sub.ch <- &redis.Message{Channel: channel, Payload: payload}
		}
		sub.mu.Unlock()
	}
}

func (f *fakeSubscriber) subscriberCount(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs[channel] {
		sub.mu.Lock()
		if !sub.closed {
			n++
		}
		sub.mu.Unlock()
	}
	return n
}

func (s *fakeSubscription) Messages() <-chan *redis.Message {
	return s.ch
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

type testEnv struct {
	server     *httptest.Server
	gateway    *Server
	subscriber *fakeSubscriber
	verifier   *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	verifier := auth.NewVerifier([]byte("test-secret"))
	subscriber := newFakeSubscriber()
	gw := NewServer(verifier, subscriber, nil)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return &testEnv{server: server, gateway: gw, subscriber: subscriber, verifier: verifier}
}

func (env *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws" + query
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := env.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (env *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.wsURL("?token="+env.token(t, userID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return data
}

func TestWebSocket(t *testing.T) {
	t.Run("forwards published events to the socket", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect(t, "user-b")
		waitFor(t, func() bool { return env.subscriber.subscriberCount("user:user-b") == 1 })

		env.subscriber.publish("user:user-b", `{"message_id":"msg-1"}`)
		assert.JSONEq(t, `{"message_id":"msg-1"}`, string(readMessage(t, conn)))
	})

	t.Run("a user can hold several sessions", func(t *testing.T) {
		env := newTestEnv(t)
		conn1 := env.connect(t, "user-b")
		conn2 := env.connect(t, "user-b")
		waitFor(t, func() bool { return env.subscriber.subscriberCount("user:user-b") == 2 })
		waitFor(t, func() bool { return env.gateway.registry.userSessions("user-b") == 2 })

		env.subscriber.publish("user:user-b", `{"message_id":"msg-2"}`)
		assert.JSONEq(t, `{"message_id":"msg-2"}`, string(readMessage(t, conn1)))
		assert.JSONEq(t, `{"message_id":"msg-2"}`, string(readMessage(t, conn2)))
	})

	t.Run("accepts a bearer header instead of the query parameter", func(t *testing.T) {
		env := newTestEnv(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, env.wsURL(""), &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": {"Bearer " + env.token(t, "user-b")}},
		})
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")
		waitFor(t, func() bool { return env.subscriber.subscriberCount("user:user-b") == 1 })
	})

	t.Run("rejects a missing token", func(t *testing.T) {
		env := newTestEnv(t)
		resp, err := http.Get(env.server.URL + "/ws")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("rejects a bad token", func(t *testing.T) {
		env := newTestEnv(t)
		resp, err := http.Get(env.server.URL + "/ws?token=garbage")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("disconnect unregisters the session", func(t *testing.T) {
		env := newTestEnv(t)
		conn := env.connect(t, "user-b")
		waitFor(t, func() bool { return env.gateway.registry.userSessions("user-b") == 1 })

		conn.Close(websocket.StatusNormalClosure, "")
		waitFor(t, func() bool { return env.gateway.registry.userSessions("user-b") == 0 })
	})

	t.Run("shutdown closes live sessions and their subscriptions", func(t *testing.T) {
		env := newTestEnv(t)
		env.connect(t, "user-b")
		env.connect(t, "user-c")
		waitFor(t, func() bool { return env.gateway.registry.connectionCount() == 2 })

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, env.gateway.Shutdown(ctx))

		waitFor(t, func() bool { return env.gateway.registry.connectionCount() == 0 })
		waitFor(t, func() bool { return env.subscriber.subscriberCount("user:user-b") == 0 })
		waitFor(t, func() bool { return env.subscriber.subscriberCount("user:user-c") == 0 })
	})
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "user-b")
	env.connect(t, "user-c")
	waitFor(t, func() bool { return env.gateway.registry.connectionCount() == 2 })

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Connections)
	assert.Equal(t, 2, health.ConnectedUsers)
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	a1 := &session{id: "1", userID: "user-a"}
	a2 := &session{id: "2", userID: "user-a"}
	b1 := &session{id: "3", userID: "user-b"}

	r.add(a1)
	r.add(a2)
	r.add(b1)
	assert.Equal(t, 3, r.connectionCount())
	assert.Equal(t, 2, r.userCount())
	assert.Equal(t, 2, r.userSessions("user-a"))

	r.remove(a1)
	assert.Equal(t, 1, r.userSessions("user-a"))

	r.remove(a2)
	r.remove(b1)
	assert.Equal(t, 0, r.connectionCount())
	assert.Equal(t, 0, r.userCount())

	// Removing an unknown session is a no-op.
	r.remove(&session{id: "9", userID: "user-z"})
}
