package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Sleep waits for the given duration, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepBackoff computes the delay for attempt under policy and sleeps.
func SleepBackoff(ctx context.Context, policy Policy, attempt int) error {
	return Sleep(ctx, Compute(policy, attempt))
}

// Retry runs fn up to maxAttempts times, sleeping per policy between
// failures. retryable decides whether an error is worth another attempt;
// a nil retryable retries everything. The last error is wrapped under
// ErrAttemptsExhausted when attempts run out.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := SleepBackoff(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
