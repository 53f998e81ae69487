package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahmethakanbesel/barwatch/internal/resilience"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

var ErrClosed = errors.New("notify: sink closed")

// WebSocketSink pushes envelopes to a remote websocket endpoint. The
// connection is dialled lazily and re-dialled after a write failure.
type WebSocketSink struct {
	url     string
	dialer  *websocket.Dialer
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy

	// done is cancelled by Close and aborts in-flight dials.
	done context.Context
	stop context.CancelFunc

	mu     sync.Mutex // guards conn and closed, never held across I/O
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

type WebSocketOption func(*WebSocketSink)

func WithBreaker(cb *resilience.CircuitBreaker) WebSocketOption {
	return func(s *WebSocketSink) { s.breaker = cb }
}

func WithDialRetry(p resilience.RetryPolicy) WebSocketOption {
	return func(s *WebSocketSink) { s.retry = p }
}

func NewWebSocketSink(url string, opts ...WebSocketOption) *WebSocketSink {
	s := &WebSocketSink{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		breaker: resilience.NewCircuitBreaker("notify_websocket", resilience.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 1,
			CallTimeout:      handshakeTimeout,
		}),
		retry: resilience.RetryPolicy{
			Name:          "notify_websocket_dial",
			MaxRetries:    2,
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		},
	}
	s.done, s.stop = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebSocketSink) Notify(ctx context.Context, env Envelope) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(env)
	s.writeMu.Unlock()
	if err != nil {
		s.drop(conn)
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// connection returns the current connection or dials a new one. Concurrent
// dials may race; the first to finish is kept.
func (s *WebSocketSink) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if conn != nil {
		return conn, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.done, cancel)()

	conn, err := s.dial(ctx)
	if err != nil {
		if s.done.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		_ = conn.Close()
		return nil, ErrClosed
	case s.conn != nil:
		_ = conn.Close()
		return s.conn, nil
	}
	s.conn = conn
	slog.Info("notify: websocket connected", "url", s.url)
	return conn, nil
}

func (s *WebSocketSink) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retry.Execute(ctx, func(ctx context.Context) error {
			c, resp, err := s.dialer.DialContext(ctx, s.url, nil)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err != nil {
				return fmt.Errorf("dial %s: %w", s.url, err)
			}
			conn = c
			return nil
		})
	})
	return conn, err
}

// drop forgets conn after a failed write so the next Notify re-dials.
func (s *WebSocketSink) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// Breaker exposes the dial breaker for status reporting.
func (s *WebSocketSink) Breaker() *resilience.CircuitBreaker { return s.breaker }

// Close stops further deliveries, aborts a dial in progress and closes the
// connection. It does not wait for a pending write.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.stop()
	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
