package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ryanm/call-gpt/pkg/frames"
)

func readOutbound(t *testing.T, sess *session) map[string]any {
	t.Helper()
	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return payload
	default:
		t.Fatalf("expected an outbound message")
	}
	return nil
}

func TestSendControlFrames(t *testing.T) {
	tr := New(Config{})
	sess := &session{sendCh: make(chan []byte, 4)}
	tr.mu.Lock()
	tr.sessions["stream-1"] = sess
	tr.mu.Unlock()

	clr := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlClear, nil)
	if err := tr.Send(clr); err != nil {
		t.Fatalf("send error: %v", err)
	}
	if evt := readOutbound(t, sess)["event"]; evt != "clear" {
		t.Fatalf("expected clear event, got %v", evt)
	}

	mark := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlMark, map[string]string{
		frames.MetaMarkName: "label-1",
	})
	if err := tr.Send(mark); err != nil {
		t.Fatalf("send error: %v", err)
	}
	payload := readOutbound(t, sess)
	if payload["event"] != "mark" || payload["streamSid"] != "stream-1" {
		t.Fatalf("unexpected mark message: %v", payload)
	}
	if name := payload["mark"].(map[string]any)["name"]; name != "label-1" {
		t.Fatalf("expected mark name label-1, got %v", name)
	}
}

func TestSendAudioEncodesPayload(t *testing.T) {
	tr := New(Config{})
	sess := &session{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.sessions["stream-1"] = sess
	tr.mu.Unlock()

	af := frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{0x01, 0x02}, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send error: %v", err)
	}
	payload := readOutbound(t, sess)
	media := payload["media"].(map[string]any)
	if media["payload"] != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}) {
		t.Fatalf("unexpected payload %v", media["payload"])
	}
}

func TestSendUnknownStreamIsIgnored(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("missing", 0, []byte{0x01}, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	sess := &session{sendCh: make(chan []byte, 1)}
	_ = sess.close()
	if err := sess.enqueue(outboundMessage{Event: "clear"}); err == nil {
		t.Fatalf("expected error on closed session")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/incoming", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Connect><Stream url="wss://example.com/connection">`) {
		t.Fatalf("unexpected twiml %s", twiml)
	}
	if !strings.Contains(twiml, `<Parameter name="from" value="+123"/>`) {
		t.Fatalf("expected caller parameter in %s", twiml)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/incoming", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceWithoutAuthToken(t *testing.T) {
	tr := New(Config{})
	req := httptest.NewRequest(http.MethodPost, "/incoming", nil)
	req.Host = "agent.example.com"
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `wss://agent.example.com/connection`) {
		t.Fatalf("expected host based stream url, got %s", w.Body.String())
	}

	get := httptest.NewRecorder()
	tr.handleVoice(get, httptest.NewRequest(http.MethodGet, "/incoming", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", get.Code)
	}
}

type stubCallUpdater struct {
	lastSID   string
	lastTwiml string
	err       error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Twiml != nil {
		s.lastTwiml = *params.Twiml
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestTransferCall(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"})
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.TransferCall(context.Background(), "CA123", "+18005550100"); err != nil {
		t.Fatalf("TransferCall error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if stub.lastTwiml != `<Response><Dial>+18005550100</Dial></Response>` {
		t.Fatalf("unexpected twiml %q", stub.lastTwiml)
	}

	stub.err = errors.New("boom")
	if err := tr.TransferCall(context.Background(), "CA123", "+1"); err == nil {
		t.Fatalf("expected error on update failure")
	}
	if err := tr.TransferCall(context.Background(), "", "+1"); err == nil {
		t.Fatalf("expected error for empty call sid")
	}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)
	streamID := "stream-1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.callSIDs[streamID] = callSID
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "completed")

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": callSID, "CallStatus": "completed"}
	req.Header.Set("X-Twilio-Signature", computeSignature(cfg.AuthToken, tr.requestURL(req), params))

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != frames.SystemCallEnd {
			t.Fatalf("expected call_end event, got %q", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "completed" {
			t.Fatalf("expected call_end_reason completed, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != callSID {
			t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("expected call_end frame")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"in-progress":      "",
		"completed":        "completed",
		"no-answer":        "no_answer",
		"busy":             "busy",
		"canceled":         "failed",
		"transport_closed": "failed",
		"weird":            "unknown",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func nextFrame(t *testing.T, tr *Transport) frames.Frame {
	t.Helper()
	select {
	case f := <-tr.Recv():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("expected inbound frame")
	}
	return nil
}

func TestMediaStreamRoundTrip(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connection"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{
		"event":          "start",
		"sequenceNumber": "1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"from": "+15550001"},
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
		"streamSid": "MZ1",
	})
	start, ok := nextFrame(t, tr).(frames.SystemFrame)
	if !ok || start.Name() != frames.SystemCallStart {
		t.Fatalf("expected call_start frame")
	}
	if start.Meta()[frames.MetaCallSID] != "CA1" || start.Meta()[frames.MetaFromNumber] != "+15550001" {
		t.Fatalf("unexpected start meta %v", start.Meta())
	}
	if start.Meta()[frames.MetaTraceID] == "" {
		t.Fatalf("expected trace id")
	}

	send(map[string]any{
		"event":     "media",
		"streamSid": "MZ1",
		"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString([]byte{0x7F, 0x7E})},
	})
	audio, ok := nextFrame(t, tr).(frames.AudioFrame)
	if !ok || string(audio.Data()) != string([]byte{0x7F, 0x7E}) {
		t.Fatalf("expected decoded audio frame")
	}

	send(map[string]any{
		"event":          "mark",
		"sequenceNumber": "3",
		"streamSid":      "MZ1",
		"mark":           map[string]any{"name": "label-9"},
	})
	mark, ok := nextFrame(t, tr).(frames.ControlFrame)
	if !ok || mark.Code() != frames.ControlMark {
		t.Fatalf("expected mark frame")
	}
	if mark.Meta()[frames.MetaMarkName] != "label-9" || mark.Meta()[frames.MetaSequence] != "3" {
		t.Fatalf("unexpected mark meta %v", mark.Meta())
	}

	out := frames.NewControlFrame("MZ1", 0, frames.ControlClear, nil)
	if err := tr.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["event"] != "clear" || got["streamSid"] != "MZ1" {
		t.Fatalf("unexpected outbound %v", got)
	}

	send(map[string]any{"event": "stop", "streamSid": "MZ1", "stop": map[string]any{"callSid": "CA1"}})
	end, ok := nextFrame(t, tr).(frames.SystemFrame)
	if !ok || end.Name() != frames.SystemCallEnd {
		t.Fatalf("expected call_end frame")
	}
	deadline := time.Now().Add(time.Second)
	for tr.session("MZ1") != nil {
		if time.Now().After(deadline) {
			t.Fatalf("expected session detached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
