// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
)

// Retry configuration constants
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter, exponential only
)

// Backoff returns the wait before the next attempt. failures is 1 after the first failed attempt.
type Backoff func(cfg RetryConfig, failures int) time.Duration

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts  int // total calls, including the first
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Backoff      Backoff
	IsRetryable  func(error) bool
	OnRetry      func(failures int, delay time.Duration, err error)
}

// DefaultRetryConfig returns the policy used by the remote speech and answer clients:
// three attempts, waiting failures*1s between them, retrying classified transient errors only.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Backoff:     LinearBackoff,
		IsRetryable: apperrors.IsRetryable,
	}
}

// LinearBackoff waits failures*BaseDelay, capped at MaxDelay.
func LinearBackoff(cfg RetryConfig, failures int) time.Duration {
	delay := time.Duration(failures) * cfg.BaseDelay
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// ExponentialBackoff doubles the delay per failure and adds jitter.
func ExponentialBackoff(cfg RetryConfig, failures int) time.Duration {
	delay := cfg.BaseDelay << min(failures-1, 6) // Cap shift to prevent overflow
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

// Retry executes fn up to MaxAttempts times. Non-retryable errors return immediately;
// otherwise the last error is returned once attempts are exhausted.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		delay := cfg.Backoff(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "error", lastErr)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// RetryValue is Retry for functions that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := Retry(ctx, cfg, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.Backoff == nil {
		c.Backoff = LinearBackoff
	}
	if c.IsRetryable == nil {
		c.IsRetryable = apperrors.IsRetryable
	}
	return c
}
