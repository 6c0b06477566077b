package pipeline

import (
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/ryanm/call-gpt/pkg/errorsx"
)

// Poster schedules fn to run on a session's loop.
type Poster interface {
	Post(fn func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func())

func (p PosterFunc) Post(fn func()) { p(fn) }

// Inline runs posted functions immediately on the caller's goroutine.
var Inline Poster = PosterFunc(func(fn func()) { fn() })

// Loop runs posted functions one at a time, in post order, on a single
// goroutine. Post never blocks. A panicking task is logged and the loop
// keeps going.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
	started bool
	logger  *slog.Logger
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Stop discards queued tasks and ends the loop after the running task
// returns. It does not wait; use Done for that.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.stop)
	if !l.started {
		close(l.done)
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.notify:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			if r := panics.Try(fn); r != nil {
				l.logger.Error("loop_task_panic",
					slog.Any("panic", r.Value),
					slog.String("stack", string(r.Stack)),
					slog.String("reason_code", string(errorsx.ReasonFramePanic)))
			}
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}
