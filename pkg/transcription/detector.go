// Package transcription turns recognizer fragments into caller utterances.
package transcription

import (
	"log/slog"
	"strings"

	"github.com/ryanm/call-gpt/pkg/adapters/stt"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/redact"
)

// DefaultMinLength is the length a finished transcript must exceed before
// it is treated as something the caller said.
const DefaultMinLength = 5

type Config struct {
	MinLength int
	Logger    *slog.Logger
	Observer  metrics.Observer
	StreamID  string
}

// Detector accumulates final fragments until the recognizer marks the end
// of speech. It is not safe for concurrent use; feed it from one goroutine.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	buffer          string
	speechFinalSeen bool

	onTranscription []func(string)
	onUtterance     []func(string)
}

func NewDetector(cfg Config) *Detector {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	logger := logging.NewComponentLogger(cfg.Logger, "transcription")
	if cfg.StreamID != "" {
		logger = logger.With(slog.String("stream_id", cfg.StreamID))
	}
	return &Detector{cfg: cfg, logger: logger}
}

// OnTranscription subscribes to completed caller utterances.
func (d *Detector) OnTranscription(fn func(string)) {
	d.onTranscription = append(d.onTranscription, fn)
}

// OnUtterance subscribes to interim text, used to detect barge-in.
func (d *Detector) OnUtterance(fn func(string)) {
	d.onUtterance = append(d.onUtterance, fn)
}

// Buffer returns the text accumulated since the last emission.
func (d *Detector) Buffer() string { return d.buffer }

// Consume applies one recognizer event.
func (d *Detector) Consume(ev stt.Event) {
	switch ev.Type {
	case stt.EventUtteranceEnd:
		d.utteranceEnd()
	case stt.EventTranscript:
		if ev.IsFinal && strings.TrimSpace(ev.Text) != "" {
			d.buffer += " " + ev.Text
			if ev.SpeechFinal {
				d.speechFinalSeen = true
				d.emit()
			} else {
				d.speechFinalSeen = false
			}
			return
		}
		for _, fn := range d.onUtterance {
			fn(ev.Text)
		}
	}
}

func (d *Detector) utteranceEnd() {
	if d.speechFinalSeen {
		d.buffer = ""
		d.speechFinalSeen = false
		return
	}
	d.logger.Debug("utterance_end_without_speech_final")
	d.emit()
}

func (d *Detector) emit() {
	text := strings.TrimSpace(d.buffer)
	d.buffer = ""
	if len(text) <= d.cfg.MinLength {
		return
	}
	d.logger.Info("transcription", redact.Attr("text", text))
	metrics.Record(d.cfg.Observer, metrics.EventTranscription, map[string]string{
		"stream_id": d.cfg.StreamID,
	}, map[string]any{"chars": len(text)})
	for _, fn := range d.onTranscription {
		fn(text)
	}
}

// Attach feeds every event from events into d on poster until the channel
// closes. It returns immediately.
func (d *Detector) Attach(events <-chan stt.Event, poster pipeline.Poster) {
	if poster == nil {
		poster = pipeline.Inline
	}
	go func() {
		for ev := range events {
			ev := ev
			poster.Post(func() { d.Consume(ev) })
		}
		d.logger.Debug("transcription_stream_closed")
	}()
}
