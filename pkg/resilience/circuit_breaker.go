package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response. RetryAfter is
// the provider's requested back-off, zero when it sent none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Provider + ": rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops completion requests after repeated rate limit
// failures. Once the cooldown elapses a single trial request is let through;
// its outcome closes the breaker or re-opens it. Other errors do not count
// towards the threshold.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trial     bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case c.failures < c.threshold:
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

// Allow reports whether a request may proceed. In the half-open state only
// one caller is admitted until that trial reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.stateLocked() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.trial {
			return false
		}
		c.trial = true
		return true
	default:
		return false
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.trial = false
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trial = false
	var rl RateLimitError
	if !errors.As(err, &rl) {
		return
	}
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = c.now().Add(max(c.cooldown, rl.RetryAfter))
	}
}
