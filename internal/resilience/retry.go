// Package resilience provides reliability patterns for the pipeline's
// driver-facing paths: retry with capped exponential backoff and
// transient-error classification.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// RetryPolicy defines configuration for retry behavior with exponential
// backoff.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth of the delay. Jitter is added
	// after the cap, so a jittered delay can exceed MaxDelay by up to 10%.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases.
	Multiplier float64

	// Jitter adds up to 10% randomness to every delay after the first
	// (BaseDelay is used as is) to prevent thundering herd.
	Jitter bool

	// IsRetryable decides which errors trigger a retry. If nil, only
	// transient pipeline errors (core.IsTransient) are retried.
	IsRetryable func(error) bool

	// Logger for retry events (optional).
	Logger *slog.Logger
}

// DefaultRetryPolicy returns the policy used for driver transients: 5
// retries from 500ms up to 30s with jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry executes the operation with retry logic according to the policy.
// Context cancellation is respected: if ctx is cancelled during a retry
// delay, WithRetry returns immediately with ctx.Err().
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = core.IsTransient
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}

		lastErr = err

		if !retryable(err) {
			logger.Debug("Error is non-retryable, stopping retry loop",
				"error", err, "attempt", attempt+1)
			return lastErr
		}

		if attempt >= policy.MaxRetries {
			logger.Error("Operation failed after all retries",
				"max_retries", policy.MaxRetries, "error", lastErr)
			break
		}

		logger.Warn("Operation failed, retrying",
			"attempt", attempt+1,
			"max_retries", policy.MaxRetries,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// nextDelay calculates the next retry delay using exponential backoff.
func nextDelay(current time.Duration, policy *RetryPolicy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		next += time.Duration(float64(next) * 0.1 * rand.Float64())
	}
	return next
}
