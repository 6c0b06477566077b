// Package synthesis drives a streaming speech engine for reply segments and
// relays the audio it produces.
package synthesis

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/redact"
)

// DefaultFillByte is μ-law silence, which some engines prepend to audio.
const DefaultFillByte byte = 0xFF

// Chunk is synthesized audio tagged with the segment that was most recently
// sent for synthesis.
type Chunk struct {
	Data             []byte
	SegmentIndex     *int
	InteractionCount int
}

type Config struct {
	// FillByte is stripped from the start of every chunk. Nil selects
	// DefaultFillByte.
	FillByte *byte
	Logger   *slog.Logger
	Observer metrics.Observer
	StreamID string
}

// Synthesizer must be used from a single goroutine, normally the session
// loop it was started with.
type Synthesizer struct {
	engine tts.StreamingTTS
	cfg    Config
	fill   byte
	logger *slog.Logger

	ready   bool
	onReady []func()
	onChunk []func(Chunk)

	index       *int
	interaction int
	lastAudio   int
	audioSeen   bool
}

func New(engine tts.StreamingTTS, cfg Config) *Synthesizer {
	fill := DefaultFillByte
	if cfg.FillByte != nil {
		fill = *cfg.FillByte
	}
	logger := logging.NewComponentLogger(cfg.Logger, "synthesis").With(slog.String("engine", engine.Name()))
	if cfg.StreamID != "" {
		logger = logger.With(slog.String("stream_id", cfg.StreamID))
	}
	return &Synthesizer{engine: engine, cfg: cfg, fill: fill, logger: logger}
}

// Start opens the engine and relays its readiness and audio onto poster.
func (s *Synthesizer) Start(ctx context.Context, poster pipeline.Poster) error {
	if poster == nil {
		poster = pipeline.Inline
	}
	if err := s.engine.Start(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	go func() {
		select {
		case <-s.engine.Ready():
			poster.Post(s.markReady)
		case <-ctx.Done():
		}
	}()
	go func() {
		for data := range s.engine.Results() {
			data := data
			poster.Post(func() { s.handleAudio(data) })
		}
		s.logger.Debug("synthesis_stream_closed")
	}()
	return nil
}

func (s *Synthesizer) Close() error { return s.engine.Close() }

// Ready reports whether the engine connection has opened. An engine that is
// already open counts as ready even before the watcher has reported it.
func (s *Synthesizer) Ready() bool {
	if !s.ready {
		select {
		case <-s.engine.Ready():
			s.markReady()
		default:
		}
	}
	return s.ready
}

// OnReady runs fn once the engine is open, immediately if it already is.
func (s *Synthesizer) OnReady(fn func()) {
	if s.Ready() {
		fn()
		return
	}
	s.onReady = append(s.onReady, fn)
}

// OnChunk subscribes to audio with padding removed.
func (s *Synthesizer) OnChunk(fn func(Chunk)) { s.onChunk = append(s.onChunk, fn) }

func (s *Synthesizer) markReady() {
	if s.ready {
		return
	}
	s.ready = true
	s.logger.Info("tts_ready")
	pending := s.onReady
	s.onReady = nil
	for _, fn := range pending {
		fn()
	}
}

// Generate sends text for synthesis. Audio arriving afterwards is tagged
// with index and interactionCount. Empty text is ignored.
func (s *Synthesizer) Generate(index *int, text string, interactionCount int) {
	if text == "" {
		return
	}
	s.index = index
	s.interaction = interactionCount
	s.logger.Debug("tts_generate",
		slog.Int("interaction", interactionCount),
		slog.String("index", formatIndex(index)),
		redact.Attr("text", text),
	)
	if err := s.engine.SendText(text); err != nil {
		s.dropped(err)
		return
	}
	if err := s.engine.Flush(); err != nil {
		s.dropped(err)
	}
}

func (s *Synthesizer) dropped(err error) {
	s.logger.Warn("tts_send_dropped",
		slog.String("reason", string(errorsx.ReasonTTSSend)),
		slog.String("error", err.Error()),
	)
}

func (s *Synthesizer) handleAudio(data []byte) {
	audio := StripPadding(data, s.fill)
	if len(audio) == 0 {
		return
	}
	if !s.audioSeen || s.lastAudio != s.interaction {
		s.audioSeen = true
		s.lastAudio = s.interaction
		metrics.Record(s.cfg.Observer, metrics.EventFirstAudio, map[string]string{
			"stream_id":   s.cfg.StreamID,
			"interaction": strconv.Itoa(s.interaction),
		}, map[string]any{"bytes": len(audio)})
	}
	chunk := Chunk{Data: audio, SegmentIndex: s.index, InteractionCount: s.interaction}
	for _, fn := range s.onChunk {
		fn(chunk)
	}
}

// StripPadding removes the leading run of fill from data. The result is
// empty when data holds nothing else.
func StripPadding(data []byte, fill byte) []byte {
	i := 0
	for i < len(data) && data[i] == fill {
		i++
	}
	return data[i:]
}

func formatIndex(index *int) string {
	if index == nil {
		return "filler"
	}
	return strconv.Itoa(*index)
}
