package helper

import (
	"context"
	"math/rand"
	"time"
)

const maxRetryDelay = 30 * time.Second

// Retry runs fn up to attempts times with exponential backoff and full jitter.
// delay is the initial backoff and doubles after every failed attempt.
// The last error is returned once all attempts are used up.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}

	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		if cur > maxRetryDelay {
			cur = maxRetryDelay
		}
		sleep := time.Duration(0)
		if cur > 0 {
			sleep = time.Duration(rand.Int63n(int64(cur) + 1))
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}

	return zero, lastErr
}
