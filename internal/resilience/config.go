package resilience

import (
	"time"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
)

// Circuit breaker configuration constants
const (
	DefaultThreshold         = 5
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenSuccesses = 2
)

// Config holds circuit breaker settings.
type Config struct {
	Threshold         int              // failures before opening
	ResetTimeout      time.Duration    // wait before half-open attempt
	HalfOpenSuccesses int              // successes needed to close
	Trips             func(error) bool // which errors count as failures
}

// DefaultConfig returns the settings used in front of the remote speech and answer APIs.
// Only transient upstream errors count toward opening.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		ResetTimeout:      DefaultResetTimeout,
		HalfOpenSuccesses: DefaultHalfOpenSuccesses,
		Trips:             apperrors.IsRetryable,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if c.Trips == nil {
		c.Trips = func(err error) bool { return err != nil }
	}
	return c
}
