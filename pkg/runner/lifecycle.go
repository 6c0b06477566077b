package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned by Stop when active calls did not finish
// before the drain deadline.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner moves the server through new -> running -> draining ->
// stopped. Stop may be called from any goroutine and any number of times.
type LifecycleRunner struct {
	state   atomic.Int32
	mu      sync.Mutex
	cancel  context.CancelFunc
	once    sync.Once
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	stopErr error
	done    chan struct{}
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("run from state %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if !r.hooks.Quiet {
		PrintBanner()
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	select {
	case <-ctx.Done():
	case <-r.done:
		return r.stopErr
	}
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	return r.stop()
}

// Done is closed once the runner has fully stopped.
func (r *LifecycleRunner) Done() <-chan struct{} {
	return r.done
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.once.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			errCh := make(chan error, 1)
			go func() { errCh <- r.drainer.Drain(ctx) }()
			select {
			case err := <-errCh:
				r.stopErr = err
			case <-ctx.Done():
				r.stopErr = ErrDrainTimeout
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
		close(r.done)
	})
	<-r.done
	return r.stopErr
}
