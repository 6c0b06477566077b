package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/logging"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
	StreamID     string
	CallSID      string
	Retry        resilience.RetryPolicy
}

// ElevenLabsTTS streams text to the ElevenLabs stream-input socket.
type ElevenLabsTTS struct {
	cfg     Config
	logger  *slog.Logger
	out     chan []byte
	ready   chan struct{}
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	outOnce sync.Once
}

type ttsMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	}
	if cfg.Retry.Backoff == 0 {
		cfg.Retry = resilience.NewRetryPolicy(3, 200*time.Millisecond)
	}
	return &ElevenLabsTTS{
		cfg: cfg,
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts").With(
			slog.String("stream_id", cfg.StreamID),
		),
		out:     make(chan []byte, 256),
		ready:   make(chan struct{}),
		writeCh: make(chan ttsMessage, 256),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.New(errorsx.ReasonTTSConnect, "missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.connect()
	return nil
}

func (s *ElevenLabsTTS) Ready() <-chan struct{} { return s.ready }

func (s *ElevenLabsTTS) Results() <-chan []byte { return s.out }

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	s.mu.Unlock()
	s.logger.Info("elevenlabs_close")
	if s.cancel != nil {
		s.cancel()
	}
	if conn == nil {
		s.closeOut()
		return nil
	}
	return conn.Close()
}

// SendText queues text. The engine buffers until its chunk schedule or a
// flush triggers generation.
func (s *ElevenLabsTTS) SendText(text string) error {
	if !s.isOpen() {
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs socket not open")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.enqueue(ttsMessage{text: text + " "})
}

func (s *ElevenLabsTTS) Flush() error {
	if !s.isOpen() {
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs socket not open")
	}
	return s.enqueue(ttsMessage{text: " ", flush: true})
}

func (s *ElevenLabsTTS) enqueue(msg ttsMessage) error {
	select {
	case s.writeCh <- msg:
		return nil
	default:
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs write queue full")
	}
}

func (s *ElevenLabsTTS) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

func (s *ElevenLabsTTS) endpoint() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + s.cfg.VoiceID + "/stream-input?" + q.Encode()
}

func (s *ElevenLabsTTS) connect() {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	header := http.Header{"xi-api-key": []string{s.cfg.APIKey}}
	var conn *websocket.Conn
	err := s.cfg.Retry.Do(s.ctx, func(ctx context.Context) error {
		c, resp, err := dialer.DialContext(ctx, s.endpoint(), header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
				return resilience.Permanent(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status})
			}
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return resilience.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("elevenlabs_connect_failed",
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

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	s.logger.Info("elevenlabs_connected", slog.String("output_format", s.cfg.OutputFormat))
	close(s.ready)
	go s.writeLoop()
	s.readLoop(conn)
}

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			if err := s.send(payload); err != nil {
				s.logger.Warn("elevenlabs_send_failed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonTTSSend)))
			}
		case <-ticker.C:
			// keep-alive; the socket times out after 20s of silence
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop(conn *websocket.Conn) {
	defer s.closeOut()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("elevenlabs_read_closed",
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.ReasonTTSClosed)))
			}
			return
		}
		raw := s.decodeAudio(data)
		if len(raw) == 0 {
			continue
		}
		select {
		case s.out <- raw:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ElevenLabsTTS) decodeAudio(data []byte) []byte {
	var msg struct {
		Audio       string `json:"audio"`
		AudioBase64 string `json:"audio_base_64"`
		IsFinal     bool   `json:"isFinal"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("elevenlabs_raw", slog.String("data", string(data)))
		return nil
	}
	if msg.Error != "" {
		s.logger.Error("elevenlabs_error", slog.String("error", msg.Error))
		return nil
	}
	audio := msg.Audio
	if audio == "" {
		audio = msg.AudioBase64
	}
	if audio == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Warn("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
		return nil
	}
	return raw
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errorsx.New(errorsx.ReasonTTSSend, "elevenlabs socket not open")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *ElevenLabsTTS) closeOut() {
	s.outOnce.Do(func() { close(s.out) })
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
