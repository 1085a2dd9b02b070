package errors

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		Multiplier:     2.0,
		RetryableErrors: func(err error) bool {
			return IsRetryable(err)
		},
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 5 {
		t.Errorf("MaxRetries = %v, want 5", config.MaxRetries)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.RetryableErrors == nil {
		t.Error("RetryableErrors function is nil")
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attemptCount := 0
	err := RetryWithBackoff(context.Background(), testRetryConfig(3), func() error {
		attemptCount++
		if attemptCount < 3 {
			return NewTransportError("temporary failure", nil)
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if attemptCount != 3 {
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

func TestRetryWithBackoff_MaxRetriesExceeded(t *testing.T) {
	attemptCount := 0
	err := RetryWithBackoff(context.Background(), testRetryConfig(2), func() error {
		attemptCount++
		return NewTransportError("persistent failure", nil)
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attemptCount != 3 { // Initial attempt + 2 retries
		t.Errorf("Expected 3 attempts, got %d", attemptCount)
	}
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	attemptCount := 0
	err := RetryWithBackoff(context.Background(), testRetryConfig(3), func() error {
		attemptCount++
		return NewCoordinationError("duplicate")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attemptCount != 1 {
		t.Errorf("Expected 1 attempt, got %d", attemptCount)
	}
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := testRetryConfig(5)
	config.InitialBackoff = time.Second
	config.MaxBackoff = time.Second

	attemptCount := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := RetryWithBackoff(ctx, config, func() error {
		attemptCount++
		return fmt.Errorf("wrapped: %w", NewPreconditionError("no connectivity"))
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attemptCount != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attemptCount)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second},
	}

	for _, tt := range tests {
		got := calculateBackoff(tt.attempt, time.Second, 30*time.Second, 2.0)
		if got != tt.expected {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffWithJitterStaysInBounds(t *testing.T) {
	config := DefaultRetryConfig()

	for attempt := 0; attempt < 10; attempt++ {
		got := config.Backoff(attempt)
		if got < config.InitialBackoff || got > config.MaxBackoff {
			t.Errorf("Backoff(%d) = %v, outside [%v, %v]", attempt, got, config.InitialBackoff, config.MaxBackoff)
		}
	}
}
