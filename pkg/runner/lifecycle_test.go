package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

type drainFunc func(ctx context.Context) error

func (d drainFunc) Drain(ctx context.Context) error { return d(ctx) }

func TestLifecycleRunsHooksAndDrains(t *testing.T) {
	var started, stopped, drained bool
	r := NewLifecycleRunner(drainFunc(func(context.Context) error { drained = true; return nil }), Hooks{
		OnStart: func() { started = true },
		OnStop:  func() { stopped = true },
		Quiet:   true,
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("runner never reached running, state=%s", r.State())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
	<-r.Done()
	if !started || !stopped || !drained {
		t.Fatalf("hooks not run: started=%v stopped=%v drained=%v", started, stopped, drained)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestLifecycleDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(drainFunc(func(context.Context) error { <-block; return nil }), Hooks{Quiet: true}, 10*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout error, got %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("second stop should report the same error, got %v", err)
	}
}

func TestRunTwiceFails(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{Quiet: true}, time.Second)
	_ = r.Stop()
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected invalid state transition")
	}
}

func TestDrainErrorIsReturned(t *testing.T) {
	want := errors.New("calls still active")
	r := NewLifecycleRunner(drainFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("drain context should carry a deadline")
		}
		return want
	}), Hooks{Quiet: true}, time.Second)
	if err := r.Stop(); !errors.Is(err, want) {
		t.Fatalf("expected drain error, got %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}
