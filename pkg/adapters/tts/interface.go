package tts

import "context"

// StreamingTTS defines the contract for any TTS vendor implementation.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start begins opening the synthesis connection without blocking.
	// Ready is closed once the connection is usable.
	Start(ctx context.Context) error
	// Ready is closed when the connection has opened.
	Ready() <-chan struct{}
	// Close shuts down the connection and closes Results.
	Close() error
	// SendText queues text for synthesis.
	SendText(text string) error
	// Flush asks the engine to synthesize everything sent so far.
	Flush() error
	// Results returns raw audio chunks in arrival order.
	Results() <-chan []byte
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Encoding   string
}
