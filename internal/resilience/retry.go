package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

type RetryPolicy struct {
	Name          string        `yaml:"name"`
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

// Delay returns the un-jittered wait before attempt (attempt >= 1):
// min(InitialDelay * BackoffFactor^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Execute calls fn up to MaxRetries+1 times. When every attempt fails the
// error from the last attempt is returned unchanged.
func (p RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			d := p.Delay(attempt)
			if p.Jitter {
				d = time.Duration(float64(d) * (0.5 + rand.Float64())) //nolint:gosec // jitter does not need crypto randomness
			}
			slog.Debug("retrying", "policy", p.Name, "attempt", attempt, "delay", d, "error", err)
			if werr := wait(ctx, d); werr != nil {
				return werr
			}
		}

		if err = safeCall(ctx, fn); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}

	slog.Warn("retries exhausted", "policy", p.Name, "attempts", p.MaxRetries+1, "error", err)
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
