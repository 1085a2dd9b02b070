package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines retry behavior configuration
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// Multiplier is the backoff multiplier for exponential backoff
	Multiplier float64
	// Jitter is the fraction of the backoff randomized in both directions
	Jitter float64
	// RetryableErrors is a function to determine if an error is retryable
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
		RetryableErrors: func(err error) bool {
			return IsRetryable(err)
		},
	}
}

// RetryWithBackoff executes a function with exponential backoff retry logic
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(config.Backoff(attempt)):
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

// Backoff returns the delay before retry number attempt+1, jittered and
// capped at MaxBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := calculateBackoff(attempt, c.InitialBackoff, c.MaxBackoff, c.Multiplier)
	if c.Jitter <= 0 {
		return backoff
	}

	jitter := time.Duration(float64(backoff) * c.Jitter * (2.0*rand.Float64() - 1.0))
	backoff += jitter

	if backoff < c.InitialBackoff {
		backoff = c.InitialBackoff
	}
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// calculateBackoff calculates the backoff duration for a given attempt
func calculateBackoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	// initial * (multiplier ^ attempt)
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))

	if backoff > float64(max) {
		backoff = float64(max)
	}

	return time.Duration(backoff)
}
