// Package resilience provides the fault isolation primitives used by the
// streaming and batch paths: a three-state circuit breaker and an exponential
// backoff retry policy.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var (
	// ErrCircuitOpen is returned without invoking the guarded call while the
	// breaker is open and the recovery timeout has not elapsed.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout is returned when the guarded call exceeds CallTimeout.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	CallTimeout      time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 3,
		CallTimeout:      30 * time.Second,
	}
}

// CircuitBreaker isolates a failing dependency. Closed passes calls through,
// Open rejects them and HalfOpen lets trial calls through until SuccessThreshold
// consecutive successes close it again.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn under the breaker. A cancelled parent context is returned
// as-is and does not count against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := cb.call(ctx, fn)
	if err != nil && ctx.Err() != nil {
		return err
	}

	if err != nil {
		cb.onFailure(err)
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	cb.state = StateHalfOpen
	cb.successes = 0
	slog.Info("circuit breaker half-open", "breaker", cb.name)
	return nil
}

func (cb *CircuitBreaker) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.cfg.CallTimeout <= 0 {
		return safeCall(ctx, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- safeCall(callCtx, fn) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s: %w after %s", cb.name, ErrCallTimeout, cb.cfg.CallTimeout)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w after %s", cb.name, ErrCallTimeout, cb.cfg.CallTimeout)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			slog.Info("circuit breaker closed", "breaker", cb.name)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		slog.Warn("circuit breaker re-opened", "breaker", cb.name, "error", err)
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened", "breaker", cb.name, "failures", cb.failures, "error", err)
		}
	}
}

// Snapshot is the breaker's observable state.
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	SuccessCount    int           `json:"success_count"`
	LastFailureTime *time.Time    `json:"last_failure_time"`
	Config          BreakerConfig `json:"config"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failures,
		SuccessCount: cb.successes,
		Config:       cb.cfg,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		s.LastFailureTime = &t
	}
	return s
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
