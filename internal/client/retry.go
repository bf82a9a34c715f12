package client

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op with exponential backoff per the stabilizer's retry
// policy. Transport failures, timeouts, and retryable 5xx responses are
// retried up to maxAttempts; the service-unavailable class stops after
// the first attempt and defers recovery detection to the probe loop.
func Do[T any](ctx context.Context, s *Stabilizer, op func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retry.BaseDelay()
	bo.MaxInterval = s.retry.MaxDelay()
	bo.Multiplier = s.retry.BackoffFactor
	bo.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() (T, error) {
		if attempts > 0 {
			s.recordRetryAttempt()
		}
		attempts++

		v, err := op(ctx)
		if err == nil {
			s.recordRequestSuccess()
			return v, nil
		}
		if IsServiceUnavailable(err) {
			s.markServiceUnavailable()
			return v, backoff.Permanent(err)
		}
		if !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		s.recordProbeFailure(err)
		return v, err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.retry.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryWithData(wrapped, policy)
}

// DoWithFallback runs op through Do and returns fallback when every
// attempt fails. Used for best-effort reads where stale or empty data
// beats an error.
func DoWithFallback[T any](ctx context.Context, s *Stabilizer, op func(context.Context) (T, error), fallback T) T {
	v, err := Do(ctx, s, op)
	if err != nil {
		return fallback
	}
	return v
}
