package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/harkvoice/hark/internal/errors"
)

func quickConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0.01,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), quickConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.CodeTimeout, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), quickConfig(), func() error {
		calls++
		return errors.New(errors.CodeTimeout, "always failing")
	})
	if !errors.IsCode(err, errors.CodeTimeout) {
		t.Errorf("err = %v, want the last CodeTimeout error", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), quickConfig(), func() error {
		calls++
		return errors.New(errors.CodeUnreachable, "backend down")
	})
	if !errors.IsCode(err, errors.CodeUnreachable) {
		t.Errorf("err = %v, want CodeUnreachable", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (connection refused is not retryable)", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, quickConfig(), func() error {
		calls++
		cancel()
		return errors.New(errors.CodeTimeout, "transient")
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     time.Second,
		JitterFactor: 0.0001,
	}
	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := Backoff(cfg, attempt)
		if d < prev {
			t.Errorf("attempt %d: delay %v shrank below %v", attempt, d, prev)
		}
		// Jitter is at most half the factor in either direction.
		if d > cfg.MaxDelay+cfg.MaxDelay/10 {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, cfg.MaxDelay)
		}
		prev = d
	}

	// Large attempt numbers must not overflow past the cap.
	if d := Backoff(cfg, 100); d > cfg.MaxDelay+cfg.MaxDelay/10 {
		t.Errorf("attempt 100: delay %v exceeds cap %v", d, cfg.MaxDelay)
	}
}
