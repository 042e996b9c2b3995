package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// MaxJitter bounds the random component added to every backoff delay.
const MaxJitter = 500 * time.Millisecond

// RetryOptions configures Retry.
type RetryOptions struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry, doubled per attempt
	MaxDelay   time.Duration // cap on any single delay; <= 0 means uncapped
	// Retryable decides whether an error may be retried. nil retries every error.
	Retryable func(error) bool
	Label     string
	Logger    *slog.Logger
}

// Package hooks, replaced in tests.
var (
	sleepFn  = sleepCtx
	jitterFn = func() time.Duration { return time.Duration(rand.Int64N(int64(MaxJitter))) }
)

// Retry runs op up to MaxRetries+1 times with exponential backoff and
// jitter. A non-retryable error is returned immediately; after the last
// attempt the last error is returned unchanged. Cancelling ctx during a
// backoff returns ctx.Err().
func Retry[T any](ctx context.Context, opts RetryOptions, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
		if attempt == opts.MaxRetries {
			break
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay)
		if opts.Logger != nil {
			opts.Logger.Warn("retrying after failure",
				"label", opts.Label,
				"attempt", attempt+1,
				"max_attempts", opts.MaxRetries+1,
				"delay", delay,
				"error", err,
			)
		}
		if err := sleepFn(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// Do is Retry for operations without a result.
func Do(ctx context.Context, opts RetryOptions, op func(context.Context) error) error {
	_, err := Retry(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Backoff returns min(base*2^attempt + jitter, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base<<attempt + jitterFn()
	if delay < 0 || (max > 0 && delay > max) {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
