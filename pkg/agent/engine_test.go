package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanm/call-gpt/pkg/frames"
	"github.com/ryanm/call-gpt/pkg/metrics"
	mocktransport "github.com/ryanm/call-gpt/pkg/transports/mock"
)

func mockConfig() Config {
	return Config{
		LogLevel:   "debug",
		Transports: TransportsConfig{Provider: "mock"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "do you sell airpods"}},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock", Settings: map[string]any{"response_text": "Yes we do."}},
		},
		Agent: AgentConfig{
			Greeting:       "Hello from the store.",
			GreetingWaitMS: 100,
			FillByte:       0xFF,
			SampleRate:     8000,
		},
		Observability: ObservabilityConfig{EventBuffer: 256},
	}
}

func sentAudio(tr *mocktransport.Transport) []string {
	var out []string
	for _, f := range tr.Sent() {
		if af, ok := f.(frames.AudioFrame); ok {
			out = append(out, string(af.Data()))
		}
	}
	return out
}

func sentMarks(tr *mocktransport.Transport) []string {
	var out []string
	for _, f := range tr.Sent() {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlMark {
			out = append(out, cf.Meta()[frames.MetaMarkName])
		}
	}
	return out
}

func startEngine(t *testing.T, cfg Config, obs metrics.Observer) (*Engine, *mocktransport.Transport) {
	t.Helper()
	tr := mocktransport.New()
	e, err := NewEngine(EngineOptions{Config: cfg, Transport: tr, Observer: obs, Quiet: true})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e, tr
}

func TestEngineRunsCallEndToEnd(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	e, tr := startEngine(t, mockConfig(), obs)

	tr.StartCall("MZ1", "CA1")
	require.Eventually(t, func() bool { return len(sentAudio(tr)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello from the store."}, sentAudio(tr))
	assert.EqualValues(t, 1, e.Registry().Count())

	tr.Ack("MZ1", "CA1", sentMarks(tr)[0])
	tr.Media("MZ1", "CA1", []byte{0x7F, 0x7F})
	require.Eventually(t, func() bool { return len(sentAudio(tr)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Yes we do.", sentAudio(tr)[1])
	assert.Len(t, sentMarks(tr), 2)

	require.Eventually(t, func() bool {
		return obs.Count(metrics.EventMarkAck) == 1 && obs.Count(metrics.EventTranscription) == 1
	}, time.Second, 5*time.Millisecond)

	tr.EndCall("MZ1", "CA1")
	require.Eventually(t, func() bool { return e.Registry().Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngineIgnoresFramesWithoutSession(t *testing.T) {
	e, tr := startEngine(t, mockConfig(), nil)

	tr.Media("MZ9", "CA9", []byte{0x7F})
	tr.Ack("MZ9", "CA9", "late-mark")
	tr.StartCall("MZ2", "CA2")
	require.Eventually(t, func() bool { return e.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := e.Registry().Get("CA9")
	assert.False(t, ok)
}

func TestEngineStopDrainsCalls(t *testing.T) {
	cfg := mockConfig()
	cfg.Observability.MetricsPath = filepath.Join(t.TempDir(), "events.jsonl")
	e, tr := startEngine(t, cfg, nil)

	tr.StartCall("MZ1", "CA1")
	tr.StartCall("MZ2", "CA2")
	require.Eventually(t, func() bool { return len(sentAudio(tr)) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop())
	<-e.Done()
	assert.Zero(t, e.Registry().Count())
	assert.True(t, e.Registry().Draining())

	f, err := os.Open(cfg.Observability.MetricsPath)
	require.NoError(t, err)
	defer f.Close()
	names := map[string]int{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		names[ev.Name]++
	}
	assert.Equal(t, 2, names[metrics.EventMarkSent])
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.TTS.Provider = "polly"
	_, err := NewEngine(EngineOptions{Config: cfg, Quiet: true})
	assert.EqualError(t, err, "tts provider not registered: polly")
}
