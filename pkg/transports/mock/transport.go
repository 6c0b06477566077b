package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ryanm/call-gpt/pkg/frames"
	"github.com/ryanm/call-gpt/pkg/transports"
)

// Transport is an in-memory carrier for local runs and engine tests. Inbound
// frames are pushed by the caller; outbound frames are recorded.
type Transport struct {
	recvCh chan frames.Frame

	mu     sync.Mutex
	closed bool
	sent   []frames.Frame
	notify chan struct{}
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		notify: make(chan struct{}, 1),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.sent = append(t.sent, f)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

// Push injects an inbound frame.
func (t *Transport) Push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// StartCall pushes the frame a carrier sends when a media stream opens.
func (t *Transport) StartCall(streamID, callSID string) {
	t.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallStart, map[string]string{
		frames.MetaCallSID: callSID,
		frames.MetaTraceID: "trace-" + streamID,
	}))
}

// Media pushes caller audio.
func (t *Transport) Media(streamID, callSID string, payload []byte) {
	t.Push(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, map[string]string{
		frames.MetaCallSID: callSID,
	}))
}

// Ack pushes a playback mark echo.
func (t *Transport) Ack(streamID, callSID, label string) {
	t.Push(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMark, map[string]string{
		frames.MetaCallSID:  callSID,
		frames.MetaMarkName: label,
	}))
}

// EndCall pushes the stream stop frame.
func (t *Transport) EndCall(streamID, callSID string) {
	t.Push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), frames.SystemCallEnd, map[string]string{
		frames.MetaCallSID:       callSID,
		frames.MetaCallEndReason: "completed",
	}))
}

// Sent returns every outbound frame so far.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

// Updated is signalled after each outbound frame.
func (t *Transport) Updated() <-chan struct{} { return t.notify }

var _ transports.Transport = (*Transport)(nil)
