package stt

import (
	"context"

	"github.com/ryanm/call-gpt/pkg/frames"
)

type EventType string

const (
	// EventTranscript carries an interim or final transcript fragment.
	EventTranscript EventType = "transcript"
	// EventUtteranceEnd signals a gap after the last finalized word.
	EventUtteranceEnd EventType = "utterance_end"
)

// Event is one recognizer result.
type Event struct {
	Type        EventType
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the recognition connection.
	Start(ctx context.Context) error
	// Close shuts down the connection and closes Results.
	Close() error
	// SendAudio forwards caller audio to the recognizer.
	SendAudio(frame frames.AudioFrame) error
	// Results returns recognizer events in arrival order.
	Results() <-chan Event
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
