package llm

import (
	"context"

	"github.com/ryanm/call-gpt/pkg/resilience"
)

// RetryClient retries opening a stream. Once a stream is open its deltas are
// passed through untouched; a mid-stream failure is never replayed.
type RetryClient struct {
	inner  Client
	policy resilience.RetryPolicy
}

func NewRetryClient(inner Client, policy resilience.RetryPolicy) *RetryClient {
	return &RetryClient{inner: inner, policy: policy}
}

func (r *RetryClient) Name() string { return r.inner.Name() }

func (r *RetryClient) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	var out <-chan Delta
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		ch, err := r.inner.Stream(ctx, req)
		if err != nil {
			if resilience.IsRateLimit(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		out = ch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
