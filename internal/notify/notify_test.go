package notify

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/barwatch/internal/resilience"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeResistanceEvent, map[string]string{"instrument": "EUR_USD"}, 1500*time.Microsecond)

	assert.Equal(t, TypeResistanceEvent, env.Type)
	assert.InDelta(t, 1.5, env.Metadata.DetectionLatencyMs, 1e-9)
	assert.False(t, env.Metadata.Timestamp.IsZero())

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"detection_latency_ms":1.5`)
	assert.Contains(t, string(b), `"type":"resistance_event"`)
}

func TestLogSink(t *testing.T) {
	require.NoError(t, LogSink{}.Notify(context.Background(), Envelope{Type: TypeResistanceEvent}))
}

func startHub(t *testing.T, maxClients int) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(maxClients)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv
}

func TestHub_Broadcast(t *testing.T) {
	hub, srv := startHub(t, 10)

	var conns []*websocket.Conn
	for range 2 {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Envelope{Type: TypeResistanceEvent, Data: "EUR_USD"}))

	for _, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got Envelope
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, TypeResistanceEvent, got.Type)
		assert.Equal(t, "EUR_USD", got.Data)
	}
}

func TestHub_Unregister(t *testing.T) {
	hub, srv := startHub(t, 10)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	hub, srv := startHub(t, 1)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_NotifyAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(1)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// fill the broadcast buffer so the send cannot succeed
	for range sendBuffer {
		hub.broadcast <- nil
	}
	err := hub.Notify(context.Background(), Envelope{Type: "x"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketSink_Delivers(t *testing.T) {
	received := make(chan Envelope, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	defer srv.Close()

	sink := NewWebSocketSink(wsURL(srv))
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Notify(ctx, Envelope{Type: "first"}))
	require.NoError(t, sink.Notify(ctx, Envelope{Type: "second"}))

	for _, want := range []string{"first", "second"} {
		select {
		case env := <-received:
			assert.Equal(t, want, env.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	assert.Equal(t, resilience.StateClosed, sink.Breaker().State())
}

func TestWebSocketSink_BreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	sink := NewWebSocketSink(url,
		WithBreaker(resilience.NewCircuitBreaker("test", resilience.BreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 1,
		})),
		WithDialRetry(resilience.RetryPolicy{MaxRetries: 0}),
	)

	ctx := context.Background()
	err := sink.Notify(ctx, Envelope{Type: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, resilience.ErrCircuitOpen)

	err = sink.Notify(ctx, Envelope{Type: "x"})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestWebSocketSink_Closed(t *testing.T) {
	sink := NewWebSocketSink("ws://127.0.0.1:1")
	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Notify(context.Background(), Envelope{}), ErrClosed)
}

func TestWebSocketSink_CloseDuringStalledDial(t *testing.T) {
	// Accepts TCP connections but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for {
			select {
			case c := <-accepted:
				_ = c.Close()
			default:
				return
			}
		}
	})

	sink := NewWebSocketSink("ws://"+ln.Addr().String(), WithDialRetry(resilience.RetryPolicy{MaxRetries: 0}))

	notified := make(chan error, 1)
	go func() { notified <- sink.Notify(context.Background(), Envelope{Type: "x"}) }()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the listener")
	}
	defer func() { _ = conn.Close() }()

	closed := make(chan error, 1)
	go func() { closed <- sink.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind the dial")
	}

	select {
	case err := <-notified:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Notify did not abort its dial")
	}
	assert.Equal(t, resilience.StateClosed, sink.Breaker().State())
}

func TestWebSocketSink_ConcurrentNotify(t *testing.T) {
	received := make(chan Envelope, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	defer srv.Close()

	sink := NewWebSocketSink(wsURL(srv))
	defer func() { _ = sink.Close() }()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Notify(context.Background(), Envelope{Type: "x"}))
		}()
	}
	wg.Wait()

	for range 8 {
		select {
		case env := <-received:
			assert.Equal(t, "x", env.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for envelopes")
		}
	}
}
