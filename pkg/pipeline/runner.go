package pipeline

import (
	"context"
	"time"

	"github.com/ryanm/call-gpt/pkg/runner"
)

// Runner drives the process lifecycle: banner, ready hook, drain on stop.
type Runner struct {
	lc *runner.LifecycleRunner
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) State() runner.State           { return r.lc.State() }
func (r *Runner) Done() <-chan struct{}         { return r.lc.Done() }

type DrainerFunc func(ctx context.Context) error

func (r DrainerFunc) Drain(ctx context.Context) error { return r(ctx) }

func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	lc := runner.NewLifecycleRunner(drainer, hooks, timeout)
	return &Runner{lc: lc}
}
