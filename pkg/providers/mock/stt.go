package mock

import (
	"context"
	"sync"

	"github.com/ryanm/call-gpt/pkg/adapters/stt"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/frames"
)

type STTConfig struct {
	// Transcript is emitted as a final, speech-final fragment.
	Transcript string
	// InterimTranscript, when set, is emitted first as a non-final fragment.
	InterimTranscript string
	EmitUtteranceEnd  bool
	// Events overrides the generated sequence.
	Events []stt.Event
}

// StreamingSTT replays a scripted recognizer sequence on the first audio frame.
type StreamingSTT struct {
	cfg STTConfig
	out chan stt.Event

	mu      sync.Mutex
	started bool
	closed  bool
	emitted bool
	audio   int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" && len(cfg.Events) == 0 {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Event, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	s.audio++
	if s.emitted {
		return nil
	}
	s.emitted = true
	for _, ev := range s.events() {
		select {
		case s.out <- ev:
		default:
		}
	}
	return nil
}

// AudioFrames returns how many audio frames were received.
func (s *StreamingSTT) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

func (s *StreamingSTT) events() []stt.Event {
	if len(s.cfg.Events) > 0 {
		return s.cfg.Events
	}
	var out []stt.Event
	if s.cfg.InterimTranscript != "" {
		out = append(out, stt.Event{Type: stt.EventTranscript, Text: s.cfg.InterimTranscript})
	}
	out = append(out, stt.Event{Type: stt.EventTranscript, Text: s.cfg.Transcript, IsFinal: true, SpeechFinal: true})
	if s.cfg.EmitUtteranceEnd {
		out = append(out, stt.Event{Type: stt.EventUtteranceEnd})
	}
	return out
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
