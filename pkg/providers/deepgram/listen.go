package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ryanm/call-gpt/pkg/adapters/stt"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/frames"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type ListenConfig struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Punctuate      bool
	Interim        bool
	EndpointingMS  int
	UtteranceEndMS int
	StreamID       string
	CallSID        string
	TraceID        string
	Retry          resilience.RetryPolicy
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Retry.Backoff == 0 {
		c.Retry = resilience.NewRetryPolicy(3, 200*time.Millisecond)
	}
	return c
}

// StreamingSTT is a live-transcription session on the Deepgram listen socket.
type StreamingSTT struct {
	cfg        ListenConfig
	dgClient   *client.WSCallback
	out        chan stt.Event
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	mu         sync.Mutex
	closed     bool
	metaLogged bool
}

func NewListen(cfg ListenConfig) *StreamingSTT {
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(
		slog.String("stream_id", cfg.StreamID),
	)
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Event, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Punctuate:      s.cfg.Punctuate,
		InterimResults: s.cfg.Interim,
	}
	if s.cfg.EndpointingMS > 0 {
		transcriptOptions.Endpointing = fmt.Sprintf("%d", s.cfg.EndpointingMS)
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate),
		slog.Int("utterance_end_ms", s.cfg.UtteranceEndMS))

	cb := &callback{parent: s}
	attempt := 0
	err := s.cfg.Retry.Do(s.ctx, func(ctx context.Context) error {
		attempt++
		dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
		if err != nil {
			return resilience.Permanent(err)
		}
		if !dgClient.Connect() {
			s.logger.Warn("deepgram_connect_retry", slog.Int("attempt", attempt))
			return fmt.Errorf("deepgram connection failed")
		}
		s.dgClient = dgClient
		return nil
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		s.logger.Error("deepgram_connect_failed",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.Reason(err))))
		return err
	}

	s.logger.Info("deepgram_connected", slog.String("call_sid", s.cfg.CallSID))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonSTTStream)))
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	s.logger.Info("deepgram_closing")
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return errorsx.New(errorsx.ReasonSTTSend, "not started")
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

func (s *StreamingSTT) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full", slog.String("type", string(ev.Type)))
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	text := ""
	if len(mr.Channel.Alternatives) > 0 {
		text = mr.Channel.Alternatives[0].Transcript
	}
	c.parent.emit(stt.Event{
		Type:        stt.EventTranscript,
		Text:        text,
		IsFinal:     mr.IsFinal,
		SpeechFinal: mr.SpeechFinal,
	})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.emit(stt.Event{Type: stt.EventUtteranceEnd})
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg),
		slog.String("reason_code", string(errorsx.ReasonSTTStream)))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
