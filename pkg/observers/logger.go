package observers

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sourcegraph/conc/panics"

	"github.com/ryanm/call-gpt/pkg/metrics"
)

// warnEvents are logged at warn level; everything else is debug.
var warnEvents = map[string]bool{
	metrics.EventBreakerOpen:   true,
	metrics.EventBreakerDenied: true,
	metrics.EventRateLimit:     true,
}

// LoggerObserver mirrors metrics events into the log, using the event name
// as the message so pipeline events read like the rest of the call log.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if warnEvents[ev.Name] {
		level = slog.LevelWarn
	}
	if !o.log.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, len(ev.Tags)+len(ev.Fields)+1)
	attrs = append(attrs, slog.Time("event_time", ev.Time))
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		attrs = append(attrs, slog.Any(k, ev.Fields[k]))
	}
	o.log.LogAttrs(context.Background(), level, ev.Name, attrs...)
}

// MultiObserver fans an event out to every sink. A sink that panics is
// skipped for that event; the others still receive it.
type MultiObserver struct {
	list    []metrics.Observer
	onPanic func(name string, recovered any)
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		m.Add(obs)
	}
	return m
}

// OnPanic sets a callback for sinks that panic while recording.
func (m *MultiObserver) OnPanic(fn func(name string, recovered any)) *MultiObserver {
	m.onPanic = fn
	return m
}

func (m *MultiObserver) Add(obs metrics.Observer) {
	if obs != nil {
		m.list = append(m.list, obs)
	}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if r := panics.Try(func() { obs.RecordEvent(ev) }); r != nil && m.onPanic != nil {
			m.onPanic(ev.Name, r.Value)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
