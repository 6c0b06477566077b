package resilience

import (
	"context"
	"errors"
	"time"

	retry "github.com/sethvargo/go-retry"
)

// RetryPolicy defines bounded retry behavior for transient failures.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, MaxBackoff: 2 * time.Second}
}

// Do runs fn until it succeeds, returns a permanent error, or retries run out.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	b := retry.NewExponential(backoff)
	if r.MaxBackoff > 0 {
		b = retry.WithCappedDuration(r.MaxBackoff, b)
	}
	b = retry.WithMaxRetries(uint64(max(r.MaxRetries, 0)), b)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return retry.RetryableError(err)
	})
	var perm permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
