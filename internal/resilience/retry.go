package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter. delay is the
// initial backoff; it doubles each attempt up to a 60s cap. Every non-nil
// error from fn is retried; errors are not classified. Used by the
// dispatcher to retry adapter calls before the task-level attempt budget
// is charged.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("openskelo")
	attemptCounter, _ := meter.Int64Counter("openskelo_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("openskelo_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("openskelo_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// RetryAfter computes a backoff duration honoring a server-supplied
// Retry-After hint when present, otherwise falling back to exponential
// backoff with jitter capped at max.
func RetryAfter(attempt int, base, max time.Duration, hint time.Duration) time.Duration {
	if hint > 0 {
		if hint > max {
			return max
		}
		return hint
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
