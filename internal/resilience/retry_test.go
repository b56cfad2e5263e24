package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastPolicy(3), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: connection lost", core.ErrDriverTransient)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	fatal := fmt.Errorf("%w: missing privileges", core.ErrDriverFatal)
	err := WithRetry(context.Background(), fastPolicy(5), func() error {
		attempts++
		return fatal
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDriverFatal)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_ExhaustsRetries(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), fastPolicy(2), func() error {
		attempts++
		return fmt.Errorf("%w: still down", core.ErrDriverTransient)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDriverTransient)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := &RetryPolicy{
		MaxRetries: 10,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- WithRetry(ctx, policy, func() error {
			return fmt.Errorf("%w: down", core.ErrDriverTransient)
		})
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestWithRetry_CustomChecker(t *testing.T) {
	attempts := 0
	sentinel := errors.New("special")
	policy := fastPolicy(3)
	policy.IsRetryable = func(err error) bool { return errors.Is(err, sentinel) }

	err := WithRetry(context.Background(), policy, func() error {
		attempts++
		if attempts == 1 {
			return sentinel
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
