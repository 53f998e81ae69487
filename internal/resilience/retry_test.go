package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    retries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestRetry_ExhaustsAndReturnsOriginalError(t *testing.T) {
	calls := 0
	original := &statusError{code: 503}

	err := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return original
	})

	assert.Equal(t, 4, calls)
	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Same(t, original, se)
	assert.Equal(t, "status 503", err.Error())
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ZeroRetriesCallsOnce(t *testing.T) {
	calls := 0
	err := fastPolicy(0).Execute(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelDuringBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := p.Execute(ctx, func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestRetry_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 60 * time.Second, BackoffFactor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetry_JitterStaysInRange(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:    1,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}

	var first time.Time
	var gap time.Duration
	calls := 0
	_ = p.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			first = time.Now()
		} else {
			gap = time.Since(first)
		}
		return errBoom
	})

	// base delay is 20ms, jitter scales it into [10ms, 30ms)
	assert.GreaterOrEqual(t, gap, 10*time.Millisecond)
	assert.Less(t, gap, 200*time.Millisecond)
}
