// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent wraps err so that Do stops retrying and returns err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func policy(ctx context.Context, times int, delay time.Duration) backoff.BackOffContext {
	if times < 1 {
		times = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(times-1)), ctx)
}

// Do calls op up to times times, sleeping delay between failures. It returns
// nil on the first success, otherwise the last error.
func Do(ctx context.Context, times int, delay time.Duration, op func() error) error {
	return backoff.Retry(op, policy(ctx, times, delay))
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, times int, delay time.Duration, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(op, policy(ctx, times, delay))
}
