package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
	// Quiet skips the startup banner.
	Quiet bool
}

// Drainer finishes in-flight work. ctx carries the drain deadline.
type Drainer interface {
	Drain(ctx context.Context) error
}

const Version = "dev"

// BannerOutput is where PrintBanner writes. Tests point it at io.Discard.
var BannerOutput io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"call-gpt\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(BannerOutput, true, true, bytes.NewBufferString(tpl))
}
