package utils

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("attempt %d failed", attempts)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return fmt.Errorf("always failing")
	})
	if err == nil || err.Error() != "always failing" {
		t.Errorf("Retry: %v, want the last error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	attempts := 0
	if err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return nil
	}); err != nil {
		t.Errorf("Retry: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	err := Retry(ctx, fastRetryConfig(), func() error {
		attempts++
		cancel()
		return fmt.Errorf("failing")
	})
	if err != context.Canceled {
		t.Errorf("Retry: %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 before cancellation", attempts)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Hour,
		MaxDelay:      time.Hour,
		BackoffFactor: 2.0,
	}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, func() error {
			attempts++
			return fmt.Errorf("failing")
		})
	}()

	// The first failure parks Retry in an hour-long backoff; cancellation
	// must interrupt the wait rather than let it run out.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Retry: %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Retry did not return after cancellation during backoff")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, fmt.Errorf("not yet")
		}
		return 42, nil
	})
	if err != nil {
		t.Errorf("RetryWithResult: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestRetryWithResultReturnsZeroOnFailure(t *testing.T) {
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (string, error) {
		return "partial", fmt.Errorf("failing")
	})
	if err == nil {
		t.Error("expected error")
	}
	if got != "" {
		t.Errorf("result = %q, want zero value", got)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, 5 * time.Second}, // capped
	}
	for _, tc := range cases {
		got := CalculateBackoff(tc.attempt, 100*time.Millisecond, 5*time.Second, 2.0)
		if got != tc.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
