package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2.0,
	})

	if got := backoff(1); got != 10*time.Millisecond {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := backoff(10); got != 40*time.Millisecond {
		t.Errorf("attempt 10: expected cap, got %v", got)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryExhausted(t *testing.T) {
	err := WithRetry(context.Background(), func() error {
		return errors.New("always")
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 2})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestWithRetryAdvancedStops(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := WithRetryAdvanced(context.Background(), func() error {
		calls++
		return Stop(permanent)
	}, BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 5})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, func() error {
		return errors.New("transient")
	}, BackoffConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxRetries: 3})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
