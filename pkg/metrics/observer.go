package metrics

import "time"

// Event names emitted by the call pipeline.
const (
	EventSegmentEmitted = "segment_emitted"
	EventToolInvoked    = "tool_invoked"
	EventBargeIn        = "barge_in"
	EventMarkSent       = "mark_sent"
	EventMarkAck        = "mark_ack"
	EventTranscription  = "transcription"
	EventFirstAudio     = "first_audio"
	EventBreakerOpen    = "llm_breaker_open"
	EventBreakerClose   = "llm_breaker_close"
	EventBreakerDenied  = "llm_breaker_denied"
	EventRateLimit      = "llm_rate_limit"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe helper for components holding an optional observer.
func Record(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags, Fields: fields})
}
