// Package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNoAttempts is returned when Do is asked to make fewer than one attempt.
var ErrNoAttempts = errors.New("retry: attempts must be at least 1")

// OnRetry is told about each failed attempt that will be followed by another.
type OnRetry func(attempt int, err error)

// Do calls fn until it succeeds or attempts calls have been made, and
// returns the last result. Attempts are numbered from 1. There is no delay
// between attempts; fn is expected to do its own waiting. A cancelled ctx
// stops further attempts and returns the last error.
func Do[T any](ctx context.Context, attempts int, fn func(ctx context.Context, attempt int) (T, error), onRetry OnRetry) (T, error) {
	var zero T
	if attempts < 1 {
		return zero, ErrNoAttempts
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	v, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		return zero, err
	}
	return v, nil
}
