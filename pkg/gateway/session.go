// Package gateway runs one phone call: it feeds caller audio to the
// recognizer, turns transcripts into replies, and relays synthesized audio
// back to the carrier with playback marks.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ryanm/call-gpt/pkg/adapters/stt"
	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/completion"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/frames"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/metrics"
	"github.com/ryanm/call-gpt/pkg/pipeline"
	"github.com/ryanm/call-gpt/pkg/playback"
	"github.com/ryanm/call-gpt/pkg/redact"
	"github.com/ryanm/call-gpt/pkg/synthesis"
	"github.com/ryanm/call-gpt/pkg/tools"
	"github.com/ryanm/call-gpt/pkg/transcription"
)

const (
	DefaultGreetingWait = 5 * time.Second
	DefaultSampleRate   = 8000
	stopTimeout         = 2 * time.Second
)

// Sender delivers outbound frames to the carrier.
type Sender interface {
	Send(f frames.Frame) error
}

type Config struct {
	StreamID string
	CallSID  string
	TraceID  string

	SystemPrompt string
	Greeting     string
	GreetingWait time.Duration

	MinTranscriptLength int
	InterruptLength     int
	FlushLength         int
	// FillByte overrides the synthesis padding byte when set.
	FillByte            *byte
	SampleRate          int
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = completion.DefaultSystemPrompt
	}
	if c.Greeting == "" {
		c.Greeting = completion.DefaultGreeting
	}
	if c.GreetingWait <= 0 {
		c.GreetingWait = DefaultGreetingWait
	}
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	return c
}

type Deps struct {
	STT      stt.StreamingSTT
	TTS      tts.StreamingTTS
	LLM      llm.Client
	Tools    *tools.Catalog
	Sender   Sender
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Session implements pipeline.Handler for a single call. Every state change
// happens on the session loop.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	deps   Deps
	logger *slog.Logger

	loop     *pipeline.Loop
	detector *transcription.Detector
	orc      *completion.Orchestrator
	synth    *synthesis.Synthesizer
	marks    *playback.Tracker

	interaction int
	started     bool
	greeted     bool
	stopped     bool
	stopOnce    sync.Once
}

func NewSession(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.STT == nil:
		return nil, errors.New("gateway: stt required")
	case deps.TTS == nil:
		return nil, errors.New("gateway: tts required")
	case deps.LLM == nil:
		return nil, errors.New("gateway: llm required")
	case deps.Sender == nil:
		return nil, errors.New("gateway: sender required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	logger := logging.WithCall(logging.NewComponentLogger(deps.Logger, "gateway"), cfg.StreamID, cfg.CallSID)
	if cfg.TraceID != "" {
		logger = logger.With(slog.String("trace_id", cfg.TraceID))
	}
	ctx, cancel := context.WithCancel(ctx)
	loop := pipeline.NewLoop(logger)

	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		loop:   loop,
		marks:  playback.NewTracker(cfg.InterruptLength),
	}
	s.detector = transcription.NewDetector(transcription.Config{
		MinLength: cfg.MinTranscriptLength,
		Logger:    logger,
		Observer:  deps.Observer,
		StreamID:  cfg.StreamID,
	})
	s.orc = completion.New(ctx, completion.NewConversation(cfg.SystemPrompt, cfg.Greeting), completion.Config{
		Client:      deps.LLM,
		Tools:       deps.Tools,
		Poster:      loop,
		Logger:      logger,
		Observer:    deps.Observer,
		StreamID:    cfg.StreamID,
		FlushLength: cfg.FlushLength,
	})
	s.synth = synthesis.New(deps.TTS, synthesis.Config{
		FillByte: cfg.FillByte,
		Logger:   logger,
		Observer: deps.Observer,
		StreamID: cfg.StreamID,
	})

	s.detector.OnUtterance(s.onInterim)
	s.detector.OnTranscription(s.onTranscription)
	s.orc.OnReply(func(seg completion.Segment) {
		s.synth.Generate(seg.Index, seg.Text, seg.InteractionCount)
	})
	s.synth.OnChunk(s.relay)
	return s, nil
}

// Start opens the recognizer and synthesizer connections.
func (s *Session) Start() error {
	s.loop.Start()
	if err := s.deps.STT.Start(s.ctx); err != nil {
		s.loop.Stop()
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.detector.Attach(s.deps.STT.Results(), s.loop)
	if err := s.synth.Start(s.ctx, s.loop); err != nil {
		_ = s.deps.STT.Close()
		s.loop.Stop()
		return err
	}
	s.logger.Info("session_started",
		slog.String("stt", s.deps.STT.Name()),
		slog.String("tts", s.deps.TTS.Name()),
		slog.String("llm", s.deps.LLM.Name()),
	)
	return nil
}

// Handle queues an inbound frame for the session loop.
func (s *Session) Handle(f frames.Frame) {
	s.loop.Post(func() { s.handle(f) })
}

// Stop tears the session down. It is safe to call more than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		done := make(chan struct{})
		s.loop.Post(func() {
			s.teardown()
			close(done)
		})
		select {
		case <-done:
		case <-time.After(stopTimeout):
			s.logger.Warn("session_stop_timeout")
		}
		s.loop.Stop()
		s.cancel()
	})
	return nil
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.loop.Done() }

func (s *Session) handle(f frames.Frame) {
	if s.stopped {
		return
	}
	switch f.Kind() {
	case frames.KindAudio:
		af, ok := f.(frames.AudioFrame)
		if !ok {
			return
		}
		if err := s.deps.STT.SendAudio(af); err != nil {
			s.logger.Debug("stt_send_failed", append(errorsx.Attrs(err), "error", err)...)
		}
	case frames.KindControl:
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlMark {
			return
		}
		meta := cf.Meta()
		s.onMark(meta[frames.MetaMarkName], meta[frames.MetaSequence])
	case frames.KindSystem:
		sf, ok := f.(frames.SystemFrame)
		if !ok {
			return
		}
		switch sf.Name() {
		case frames.SystemCallStart:
			s.onStart(sf.Meta())
		case frames.SystemCallEnd:
			s.onStop(sf.Meta()[frames.MetaCallEndReason])
		}
	}
}

func (s *Session) onStart(meta map[string]string) {
	if s.started {
		return
	}
	s.started = true
	if v := meta[frames.MetaCallSID]; v != "" && s.cfg.CallSID == "" {
		s.cfg.CallSID = v
	}
	s.orc.SetCallSID(s.cfg.CallSID)
	s.logger.Info("media_stream_started", slog.String("from", redact.Phone(meta[frames.MetaFromNumber])))

	if s.synth.Ready() {
		s.sendGreeting()
		return
	}
	s.logger.Info("greeting_waiting_for_tts")
	s.synth.OnReady(s.sendGreeting)
	time.AfterFunc(s.cfg.GreetingWait, func() {
		s.loop.Post(func() {
			if !s.synth.Ready() && !s.stopped {
				s.logger.Warn("greeting_wait_timeout", slog.Duration("wait", s.cfg.GreetingWait))
			}
		})
	})
}

func (s *Session) sendGreeting() {
	if s.greeted || s.stopped {
		return
	}
	s.greeted = true
	s.synth.Generate(nil, s.cfg.Greeting, 0)
}

func (s *Session) onMark(label, sequence string) {
	m, ok := s.marks.Ack(label)
	s.logger.Debug("mark_ack",
		slog.String("label", label),
		slog.String("sequence", sequence),
		slog.Bool("known", ok),
	)
	if !ok {
		return
	}
	metrics.Record(s.deps.Observer, metrics.EventMarkAck, map[string]string{
		"stream_id": s.cfg.StreamID,
	}, map[string]any{"mark_sequence": m.Sequence})
}

func (s *Session) onStop(reason string) {
	s.logger.Info("media_stream_ended", slog.String("reason", reason))
	s.teardown()
}

func (s *Session) teardown() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.orc.Close()
	if err := s.deps.STT.Close(); err != nil {
		s.logger.Debug("stt_close_failed", slog.String("error", err.Error()))
	}
	if err := s.synth.Close(); err != nil {
		s.logger.Debug("tts_close_failed", slog.String("error", err.Error()))
	}
	st := s.marks.Stats()
	s.logger.Info("session_stopped",
		slog.Int("interactions", s.interaction),
		slog.Int64("marks_sent", st.Sent),
		slog.Int64("marks_acked", st.Acked),
		slog.Int64("marks_cleared", st.Cleared),
	)
}

func (s *Session) onInterim(text string) {
	if s.stopped || !s.marks.ShouldInterrupt(text) {
		return
	}
	s.logger.Info("barge_in", redact.Attr("text", text))
	metrics.Record(s.deps.Observer, metrics.EventBargeIn, map[string]string{
		"stream_id": s.cfg.StreamID,
	}, map[string]any{"outstanding": s.marks.Outstanding()})
	s.ClearPlayback()
}

func (s *Session) onTranscription(text string) {
	if text == "" || s.stopped {
		return
	}
	s.logger.Info("stt_to_llm", slog.Int("interaction", s.interaction), redact.Attr("text", text))
	s.orc.Completion(text, s.interaction, llm.RoleUser, llm.RoleUser)
	s.interaction++
}

// ClearPlayback tells the carrier to drop buffered audio and forgets every
// outstanding mark. Synthesis already in progress keeps going.
func (s *Session) ClearPlayback() {
	cf := frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlClear, nil)
	if err := s.deps.Sender.Send(cf); err != nil {
		s.logSendError(err)
	}
	n := s.marks.Clear()
	s.logger.Debug("playback_cleared", slog.Int("marks", n))
}

func (s *Session) relay(chunk synthesis.Chunk) {
	if s.stopped {
		return
	}
	meta := map[string]string{
		frames.MetaInteraction: strconv.Itoa(chunk.InteractionCount),
		frames.MetaEncoding:    "mulaw",
	}
	if chunk.SegmentIndex != nil {
		meta[frames.MetaSegmentIndex] = strconv.Itoa(*chunk.SegmentIndex)
	}
	now := time.Now().UnixNano()
	af := frames.NewAudioFrame(s.cfg.StreamID, now, chunk.Data, s.cfg.SampleRate, 1, meta)
	if err := s.deps.Sender.Send(af); err != nil {
		s.logSendError(err)
		return
	}
	m := s.marks.Reserve(chunk.SegmentIndex)
	mark := frames.NewControlFrame(s.cfg.StreamID, now, frames.ControlMark, map[string]string{
		frames.MetaMarkName: m.Label,
		frames.MetaSequence: strconv.FormatInt(m.Sequence, 10),
	})
	if err := s.deps.Sender.Send(mark); err != nil {
		// The carrier never saw this mark, so no ack will come back.
		s.logSendError(err)
		return
	}
	s.marks.Add(m)
	metrics.Record(s.deps.Observer, metrics.EventMarkSent, map[string]string{
		"stream_id":   s.cfg.StreamID,
		"interaction": strconv.Itoa(chunk.InteractionCount),
	}, map[string]any{"bytes": len(chunk.Data)})
}

func (s *Session) logSendError(err error) {
	s.logger.Warn("relay_send_failed",
		slog.String("reason", string(errorsx.ReasonTransportSend)),
		slog.String("error", err.Error()),
	)
}

// Conversation exposes the call's message history.
func (s *Session) Conversation() *completion.Conversation { return s.orc.Conversation() }

// Marks exposes the playback tracker.
func (s *Session) Marks() *playback.Tracker { return s.marks }

var _ pipeline.Handler = (*Session)(nil)
