package omni

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the Omni retry policy.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// JitterFactor randomizes delays by ±factor (0.0 to 1.0).
	JitterFactor float64
}

// DefaultRetryConfig returns the general-purpose policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

// ForAPICalls returns the policy for interactive API calls.
func ForAPICalls() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          15 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.15,
	}
}

// ForMetadataSync returns the more tolerant policy for sync operations.
func ForMetadataSync() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
	}
}

// ForHealthChecks returns the quick-fail policy for health probes.
func ForHealthChecks() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

// RetryPolicy executes operations with exponential backoff, honoring the
// error taxonomy's IsTemporary classification and suggested delays.
type RetryPolicy struct {
	Config RetryConfig
}

// Execute runs op until success, a permanent error, or attempt exhaustion.
func (p *RetryPolicy) Execute(ctx context.Context, operationName string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry",
					"operation", operationName, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			slog.Warn("operation failed with non-retriable error",
				"operation", operationName, "attempt", attempt, "error", err)
			return err
		}
		if attempt >= p.Config.MaxAttempts {
			slog.Warn("operation failed after all retry attempts",
				"operation", operationName, "attempts", attempt, "error", err)
			break
		}

		delay := p.calculateDelay(attempt, err)
		slog.Warn("operation failed, retrying after delay",
			"operation", operationName, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (p *RetryPolicy) calculateDelay(attempt int, err error) time.Duration {
	var omniErr *Error
	if errors.As(err, &omniErr) {
		if seconds, ok := omniErr.RetryDelay(); ok {
			return time.Duration(seconds) * time.Second
		}
	}
	delay := float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.Config.MaxDelay) {
		delay = float64(p.Config.MaxDelay)
	}
	if p.Config.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * p.Config.JitterFactor // #nosec G404 -- jitter does not require cryptographic randomness
		delay *= 1 + jitter
	}
	return time.Duration(delay)
}

func shouldRetry(err error) bool {
	var omniErr *Error
	if errors.As(err, &omniErr) {
		return omniErr.IsTemporary()
	}
	return false
}
