package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryPolicy struct {
	MaxRetries uint64
	Wait       time.Duration
}

// Retry calls fn until it succeeds, returns an error wrapped by Permanent,
// MaxRetries extra attempts were spent or ctx is done.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Wait), p.MaxRetries),
		ctx,
	)

	return backoff.RetryWithData(func() (T, error) {
		return fn(ctx)
	}, policy)
}

func Permanent(err error) error {
	return backoff.Permanent(err)
}
