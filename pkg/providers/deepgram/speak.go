package deepgram

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

type SpeakConfig struct {
	APIKey     string
	Model      string
	Encoding   string
	SampleRate int
	BaseURL    string
	StreamID   string
	CallSID    string
	Retry      resilience.RetryPolicy
}

func (c SpeakConfig) withDefaults() SpeakConfig {
	if c.Model == "" {
		c.Model = "aura-2-odysseus-en"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.BaseURL == "" {
		c.BaseURL = "wss://api.deepgram.com/v1/speak"
	}
	if c.Retry.Backoff == 0 {
		c.Retry = resilience.NewRetryPolicy(3, 200*time.Millisecond)
	}
	return c
}

// SpeakTTS streams text to the Deepgram speak socket and relays the binary
// audio it returns.
type SpeakTTS struct {
	cfg    SpeakConfig
	logger *slog.Logger
	out    chan []byte
	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	outOnce sync.Once
}

func NewSpeak(cfg SpeakConfig) *SpeakTTS {
	cfg = cfg.withDefaults()
	return &SpeakTTS{
		cfg: cfg,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_tts").With(
			slog.String("stream_id", cfg.StreamID),
		),
		out:   make(chan []byte, 256),
		ready: make(chan struct{}),
	}
}

func (s *SpeakTTS) Name() string { return "deepgram_speak" }

func (s *SpeakTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errorsx.New(errorsx.ReasonTTSConnect, "missing deepgram api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.connect()
	return nil
}

func (s *SpeakTTS) Ready() <-chan struct{} { return s.ready }

func (s *SpeakTTS) Results() <-chan []byte { return s.out }

func (s *SpeakTTS) SendText(text string) error {
	return s.write(map[string]any{"type": "Speak", "text": text})
}

func (s *SpeakTTS) Flush() error {
	return s.write(map[string]any{"type": "Flush"})
}

func (s *SpeakTTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	if conn != nil {
		_ = conn.WriteJSON(map[string]any{"type": "Close"})
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if conn == nil {
		s.closeOut()
		return nil
	}
	return conn.Close()
}

func (s *SpeakTTS) endpoint() string {
	q := url.Values{}
	q.Set("model", s.cfg.Model)
	q.Set("encoding", s.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	return s.cfg.BaseURL + "?" + q.Encode()
}

func (s *SpeakTTS) connect() {
	header := http.Header{"Authorization": []string{"Token " + s.cfg.APIKey}}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	var conn *websocket.Conn
	attempt := 0
	err := s.cfg.Retry.Do(s.ctx, func(ctx context.Context) error {
		attempt++
		c, resp, err := dialer.DialContext(ctx, s.endpoint(), header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return resilience.Permanent(err)
			}
			s.logger.Warn("deepgram_speak_dial_retry", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("deepgram_speak_connect_failed",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonTTSConnect)))
		}
		s.closeOut()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		s.closeOut()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("deepgram_speak_connected", slog.String("call_sid", s.cfg.CallSID), slog.String("model", s.cfg.Model))
	close(s.ready)
	s.readLoop(conn)
}

type speakEvent struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	ErrMsg      string `json:"err_msg"`
}

func (s *SpeakTTS) readLoop(conn *websocket.Conn) {
	defer s.closeOut()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("deepgram_speak_closed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonTTSClosed)))
			}
			return
		}
		if mt == websocket.BinaryMessage {
			if len(data) == 0 {
				continue
			}
			select {
			case s.out <- data:
			case <-s.ctx.Done():
				return
			}
			continue
		}
		var ev speakEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("deepgram_speak_raw", slog.String("data", string(data)))
			continue
		}
		switch ev.Type {
		case "Warning":
			s.logger.Warn("deepgram_speak_warning", slog.String("description", ev.Description))
		case "Error":
			s.logger.Error("deepgram_speak_error",
				slog.String("description", ev.Description),
				slog.String("error_message", ev.ErrMsg))
		default:
			s.logger.Debug("deepgram_speak_event", slog.String("type", ev.Type))
		}
	}
}

func (s *SpeakTTS) write(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return errorsx.New(errorsx.ReasonTTSSend, "speak socket not open")
	}
	if err := s.conn.WriteJSON(payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	return nil
}

func (s *SpeakTTS) closeOut() {
	s.outOnce.Do(func() { close(s.out) })
}

var _ tts.StreamingTTS = (*SpeakTTS)(nil)
