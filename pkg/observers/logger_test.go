package observers

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/ryanm/call-gpt/pkg/metrics"
)

type panicObserver struct{}

func (panicObserver) RecordEvent(metrics.MetricsEvent) { panic("sink broke") }

func TestMultiObserverSurvivesPanickingSink(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	var panicked string
	multi := NewMultiObserver(panicObserver{}, nil, mem).OnPanic(func(name string, _ any) {
		panicked = name
	})
	metrics.Record(multi, metrics.EventMarkAck, map[string]string{"call_sid": "CA1"}, nil)

	if panicked != metrics.EventMarkAck {
		t.Fatalf("expected panic callback for mark_ack, got %q", panicked)
	}
	if got := len(mem.Events()); got != 1 {
		t.Fatalf("memory sink should still record, got %d events", got)
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	obs := NewLoggerObserver(log)

	metrics.Record(obs, metrics.EventSegmentEmitted, map[string]string{"call_sid": "CA1"}, nil)
	if buf.Len() != 0 {
		t.Fatalf("debug event should be filtered at warn level: %s", buf.String())
	}
	metrics.Record(obs, metrics.EventBreakerOpen, map[string]string{"provider": "openai"}, map[string]any{"failures": 3})
	out := buf.String()
	for _, want := range []string{"msg=llm_breaker_open", "provider=openai", "failures=3"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}
