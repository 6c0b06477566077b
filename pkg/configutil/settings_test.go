package configutil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listenSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

var listenSchema = Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "sample_rate", "interim", "utterance_end_ms"},
}

func TestLoadDecodesNormalizedKeys(t *testing.T) {
	var s listenSettings
	err := Load("vendors.stt.settings", map[string]any{
		"API-Key":     "dg-key",
		"model":       "nova-2",
		"sample_rate": "8000",
		"Interim":     false,
	}, listenSchema, &s)
	require.NoError(t, err)

	assert.Equal(t, "dg-key", s.APIKey)
	assert.Equal(t, "nova-2", s.Model)
	assert.Equal(t, 8000, s.SampleRate)
	assert.False(t, BoolValue(s.Interim, true))
	assert.Equal(t, 1000, IntValue(s.UtteranceEndMS, 1000))
}

func TestLoadReportsMissingAndUnknown(t *testing.T) {
	var s listenSettings
	err := Load("vendors.stt.settings", map[string]any{
		"api_key": "  ",
		"voice":   "aura",
	}, listenSchema, &s)
	require.Error(t, err)

	var se *SettingsError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, []string{"api_key"}, se.Missing)
	assert.Equal(t, []string{"voice"}, se.Unknown)
	assert.Equal(t, "vendors.stt.settings: missing: api_key; unknown: voice", err.Error())
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{"api_key": "k", "extra": 1}, Schema{
		Required:     []string{"api_key"},
		AllowUnknown: true,
	})
	assert.NoError(t, err)
}

func TestValidateSettingsRequiredAbsent(t *testing.T) {
	err := ValidateSettings(nil, listenSchema)
	require.Error(t, err)
	assert.Equal(t, "missing: api_key", err.Error())
}

func TestDecodeSettingsEmptyIsNoop(t *testing.T) {
	s := listenSettings{Model: "keep"}
	require.NoError(t, DecodeSettings(nil, &s))
	assert.Equal(t, "keep", s.Model)
}

func TestRequireString(t *testing.T) {
	assert.NoError(t, RequireString("x", "a.b"))
	assert.EqualError(t, RequireString(" ", "a.b"), "a.b is required")
}
