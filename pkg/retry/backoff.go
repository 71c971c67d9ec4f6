// Package retry runs an operation until it succeeds, the attempts run
// out, or the context is cancelled, sleeping an exponentially growing
// interval between attempts. Jitter spreads simultaneous retriers apart.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/migadu/sift/logger"
)

// BackoffConfig shapes the delay curve. MaxRetries counts retries after
// the first attempt, so MaxRetries=2 allows three calls in total.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// DefaultBackoffConfig is a general-purpose curve: 1s doubling to 30s,
// jittered, five retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay function for a config: attempt n
// (1-based) sleeps InitialInterval * Multiplier^(n-1), capped at
// MaxInterval. With jitter the delay lands uniformly in [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := config.InitialInterval
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * config.Multiplier)
			if d >= config.MaxInterval {
				d = config.MaxInterval
				break
			}
		}
		if d > config.MaxInterval {
			d = config.MaxInterval
		}
		if config.Jitter && d > 1 {
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
		}
		return d
	}
}

type RetryableFunc func() error

// WithRetry runs fn until it returns nil or the attempts are exhausted.
// Every error is treated as transient.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, false)
}

// WithRetryAdvanced is WithRetry that additionally honors Stop-wrapped
// errors: a StopError ends the loop at once and surfaces the wrapped error.
func WithRetryAdvanced(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	return run(ctx, fn, config, true)
}

func run(ctx context.Context, fn RetryableFunc, config BackoffConfig, honorStop bool) error {
	delay := ExponentialBackoff(config)

	var lastErr error
	for attempt := 1; attempt <= config.MaxRetries+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay(attempt - 1)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if honorStop {
			var stop StopError
			if errors.As(err, &stop) {
				logger.Debugf("retry: permanent error on attempt %d, stopping: %v", attempt, stop.Err)
				return stop.Err
			}
		}
		logger.Debugf("retry: attempt %d failed: %v", attempt, err)
		lastErr = err
	}
	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

// StopError marks an error as permanent so WithRetryAdvanced gives up.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }

func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err as permanent.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError reports whether err carries a StopError anywhere in its chain.
func IsStopError(err error) bool {
	var stop StopError
	return errors.As(err, &stop)
}
