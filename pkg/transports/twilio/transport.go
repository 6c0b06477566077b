package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ryanm/call-gpt/pkg/errorsx"
	"github.com/ryanm/call-gpt/pkg/frames"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":3000"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/incoming"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/connection"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport serves the voice webhook and the media-stream websocket, turning
// stream events into frames and outbound frames into stream messages.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	updateClient callUpdater

	mu          sync.Mutex
	sessions    map[string]*session
	callSIDs    map[string]string
	callStreams map[string]string
	traceIDs    map[string]string
	fromNumbers map[string]string

	draining atomic.Bool
	stopOnce sync.Once
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		sessions:    make(map[string]*session),
		callSIDs:    make(map[string]string),
		callStreams: make(map[string]string),
		traceIDs:    make(map[string]string),
		fromNumbers: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicURL("https", t.cfg.VoicePath),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
		"stream_url":          t.publicURL("wss", t.cfg.WebsocketPath),
	}
}

// Handler returns the HTTP routes served by the transport.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if t.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		for _, sess := range t.sessions {
			_ = sess.close()
		}
		t.sessions = make(map[string]*session)
		t.mu.Unlock()
		close(t.recvCh)
	})
	return nil
}

// ServeHTTP handles one media-stream websocket.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamSID
			if streamID == "" {
				streamID = evt.StreamSID
			}
			callSID := evt.Start.CallSID
			traceID := uuid.NewString()
			from := evt.Start.CustomParameters["from"]
			if oldSess := t.attach(streamID, callSID, traceID, from, conn); oldSess != nil {
				_ = oldSess.close()
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaSource] = "transport"
			if len(evt.Start.MediaFormat.Encoding) > 0 {
				meta[frames.MetaEncoding] = evt.Start.MediaFormat.Encoding
			}
			t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallStart, meta))
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaEncoding] = "mulaw"
			meta[frames.MetaCodec] = "ulaw"
			meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
			t.emit(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
		case "mark":
			if evt.Mark == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaMarkName] = evt.Mark.Name
			meta[frames.MetaSequence] = evt.SequenceNumber
			t.emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, meta))
		case "stop":
			meta := t.metaForStream(streamID)
			meta[frames.MetaCallEndReason] = "completed"
			t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
			t.detach(streamID)
			return
		}
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
		t.detach(streamID)
	}
}

// Send writes an outbound frame to its stream. Audio becomes a media
// message; mark and clear controls become their stream events.
func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	switch fr := f.(type) {
	case frames.AudioFrame:
		return sess.enqueue(outboundMessage{
			Event:     "media",
			StreamSID: streamID,
			Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(fr.RawPayload())},
		})
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlMark:
			return sess.enqueue(outboundMessage{
				Event:     "mark",
				StreamSID: streamID,
				Mark:      &outboundMark{Name: fr.Meta()[frames.MetaMarkName]},
			})
		case frames.ControlClear:
			return sess.enqueue(outboundMessage{Event: "clear", StreamSID: streamID})
		}
	}
	return nil
}

// TransferCall redirects a live call to another number.
func (t *Transport) TransferCall(ctx context.Context, callSID, to string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if strings.TrimSpace(to) == "" {
		return errors.New("transfer number required")
	}
	updater := t.updateClient
	if updater == nil {
		if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
			return errors.New("missing twilio credentials")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(buildTransferTwiml(to))
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	twiml := `<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="` +
		xmlEscape(t.websocketURL(r)) + `">`
	if from := r.FormValue("From"); from != "" {
		twiml += `<Parameter name="from" value="` + xmlEscape(from) + `"/>`
	}
	twiml += `</Stream></Connect></Response>`
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "https" {
		scheme = "http"
	} else if scheme == "wss" {
		scheme = "ws"
	}
	return scheme + "://" + addr + path
}

func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) *session {
	sess := newSession(conn)
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
			delete(t.callSIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.fromNumbers, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.sessions[streamID] = sess
	t.callSIDs[streamID] = callSID
	t.traceIDs[streamID] = traceID
	if from != "" {
		t.fromNumbers[streamID] = from
	}
	t.mu.Unlock()
	go sess.loop()
	return oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	callSID := t.callSIDs[streamID]
	delete(t.sessions, streamID)
	delete(t.callSIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.fromNumbers, streamID)
	if callSID != "" && t.callStreams[callSID] == streamID {
		delete(t.callStreams, callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callSIDs[streamID]; v != "" {
		meta[frames.MetaCallSID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v := t.fromNumbers[streamID]; v != "" {
		meta[frames.MetaFromNumber] = v
	}
	return meta
}

// emit hands an inbound frame to the engine. Frames are dropped, not
// blocked on, when the engine falls behind or the transport is stopping.
func (t *Transport) emit(f frames.Frame) {
	if t.draining.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
		slog.Warn("twilio_recv_overflow", "kind", string(f.Kind()), "stream_id", f.Meta()[frames.MetaStreamID])
	}
}

// validateTwilioRequest checks X-Twilio-Signature. Form posts are signed
// over their parameters; JSON posts carry a bodySHA256 query parameter.
func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	requestURL := t.requestURL(r)
	if r.URL.Query().Get("bodySHA256") != "" {
		return validator.ValidateBody(requestURL, body, signature)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return validator.Validate(requestURL, params, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func buildTransferTwiml(to string) string {
	return fmt.Sprintf(`<Response><Dial>%s</Dial></Response>`, xmlEscape(to))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// session is the write side of one media-stream socket. A single goroutine
// owns every write.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
	mu     sync.Mutex
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, sendCh: make(chan []byte, 1024)}
}

func (s *session) enqueue(msg outboundMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errorsx.New(errorsx.ReasonTransportSend, "stream closed")
	}
	select {
	case s.sendCh <- b:
		return nil
	default:
		return errorsx.New(errorsx.ReasonTransportSend, "send queue full")
	}
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if s.conn == nil {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			slog.Debug("twilio_write_failed", "error", err.Error())
		}
	}
}

func (s *session) close() error {
	s.mu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
