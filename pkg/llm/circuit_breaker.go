package llm

import (
	"context"
	"sync"
	"time"

	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

// CircuitBreakerClient wraps a Client with rate-limit circuit breaking.
type CircuitBreakerClient struct {
	inner   Client
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerClient(inner Client, breaker *resilience.CircuitBreaker) *CircuitBreakerClient {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerClient{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerClient) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerClient) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerClient) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return nil, resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	a.setOpen(false)
	ch, err := a.inner.Stream(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return ch, nil
}

func (a *CircuitBreakerClient) record(name string) {
	metrics.Record(a.obs, name, map[string]string{
		"provider":  a.inner.Name(),
		"component": "llm",
	}, nil)
}

func (a *CircuitBreakerClient) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
