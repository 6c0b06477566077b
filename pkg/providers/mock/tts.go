package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/errorsx"
)

type TTSConfig struct {
	// Manual defers readiness until Open is called.
	Manual bool
	// Padding is the number of leading 0xFF bytes on every chunk.
	Padding int
}

// StreamingTTS returns one chunk per Flush: padding followed by the text
// sent since the previous flush.
type StreamingTTS struct {
	cfg   TTSConfig
	out   chan []byte
	ready chan struct{}

	mu        sync.Mutex
	open      bool
	closed    bool
	readyOnce sync.Once
	pending   strings.Builder
	sent      []string
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	return &StreamingTTS{
		cfg:   cfg,
		out:   make(chan []byte, 64),
		ready: make(chan struct{}),
	}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	if !s.cfg.Manual {
		s.Open()
	}
	return nil
}

// Open marks the connection ready.
func (s *StreamingTTS) Open() {
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *StreamingTTS) Ready() <-chan struct{} { return s.ready }

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.open = false
		close(s.out)
	}
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errorsx.New(errorsx.ReasonTTSSend, "not open")
	}
	s.sent = append(s.sent, text)
	s.pending.WriteString(text)
	return nil
}

func (s *StreamingTTS) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errorsx.New(errorsx.ReasonTTSSend, "not open")
	}
	if s.pending.Len() == 0 {
		return nil
	}
	chunk := make([]byte, 0, s.cfg.Padding+s.pending.Len())
	for i := 0; i < s.cfg.Padding; i++ {
		chunk = append(chunk, 0xFF)
	}
	chunk = append(chunk, s.pending.String()...)
	s.pending.Reset()
	select {
	case s.out <- chunk:
	default:
	}
	return nil
}

// Sent returns every text passed to SendText.
func (s *StreamingTTS) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *StreamingTTS) Results() <-chan []byte { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
