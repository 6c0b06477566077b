package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ryanm/call-gpt/pkg/metrics"
)

// LatencyObserver logs per-turn response latency: from the transcription
// that started a turn to its first reply segment and first synthesized audio.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turn
	log   *slog.Logger
}

type turn struct {
	transcribed  time.Time
	firstSegment time.Time
	interaction  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turn),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventTranscription:
		o.turns[streamID] = &turn{transcribed: ev.Time, interaction: ev.Tags["interaction"]}
	case metrics.EventSegmentEmitted:
		t := o.turns[streamID]
		if t != nil && t.firstSegment.IsZero() {
			t.firstSegment = ev.Time
		}
	case metrics.EventFirstAudio:
		t := o.turns[streamID]
		if t == nil {
			return
		}
		o.log.Info("turn_latency",
			"stream_id", streamID,
			"interaction", t.interaction,
			"first_segment_ms", durationMs(t.transcribed, t.firstSegment),
			"first_audio_ms", durationMs(t.transcribed, ev.Time),
		)
		delete(o.turns, streamID)
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
