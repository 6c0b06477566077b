package errorsx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonLLMStream)
	assert.Equal(t, ReasonLLMStream, Reason(err))
	assert.True(t, HasReason(err, ReasonLLMStream))
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonLLMStream)
	assert.Equal(t, ReasonSTTSend, Reason(second))
}

func TestReasonSurvivesFmtWrapping(t *testing.T) {
	inner := Wrap(assertErr{}, ReasonToolArgs)
	outer := fmt.Errorf("invoke lookup: %w", inner)
	require.True(t, HasReason(outer, ReasonToolArgs))
	assert.True(t, errors.Is(outer, assertErr{}))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ReasonTTSSend))
	assert.Equal(t, ReasonUnknown, Reason(nil))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestReasonStage(t *testing.T) {
	cases := map[ReasonCode]string{
		ReasonSTTSend:                   "stt",
		ReasonTTSClosed:                 "tts",
		ReasonLLMRateLimit:              "llm",
		ReasonToolTimeout:               "tool",
		ReasonTransportSend:             "transport",
		ReasonTransportInvalidSignature: "transport",
		ReasonFramePanic:                "frame",
		ReasonUnknown:                   "unknown",
	}
	for reason, want := range cases {
		assert.Equal(t, want, reason.Stage(), string(reason))
	}
}

func TestAttrs(t *testing.T) {
	err := fmt.Errorf("send: %w", New(ReasonTTSSend, "socket not open"))
	assert.Equal(t, []any{"reason", "tts_send", "stage", "tts"}, Attrs(err))
}
