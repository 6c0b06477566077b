package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/ryanm/call-gpt/pkg/adapters/stt"
	"github.com/ryanm/call-gpt/pkg/adapters/tts"
	"github.com/ryanm/call-gpt/pkg/configutil"
	"github.com/ryanm/call-gpt/pkg/llm"
	"github.com/ryanm/call-gpt/pkg/providers/deepgram"
	"github.com/ryanm/call-gpt/pkg/providers/elevenlabs"
	"github.com/ryanm/call-gpt/pkg/providers/mock"
	"github.com/ryanm/call-gpt/pkg/providers/openai"
	"github.com/ryanm/call-gpt/pkg/resilience"
)

// STTFactory opens a recognizer for one call.
type STTFactory func(callSID, streamID, traceID string) stt.StreamingSTT

// TTSFactory opens a synthesis socket for one call.
type TTSFactory func(callSID, streamID string) tts.StreamingTTS

type STTBuilder func(cfg Config) (STTFactory, error)
type TTSBuilder func(cfg Config) (TTSFactory, error)

// LLMBuilder returns a client shared by every call.
type LLMBuilder func(cfg Config) (llm.Client, error)

type ProviderRegistry struct {
	stt map[string]STTBuilder
	tts map[string]TTSBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

// DefaultProviders registers every built-in vendor: deepgram and mock for
// recognition, deepgram, elevenlabs and mock for synthesis, openai and mock
// for completion.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgramListen)
	r.RegisterSTT("mock", buildMockSTT)
	r.RegisterTTS("deepgram", buildDeepgramSpeak)
	r.RegisterTTS("elevenlabs", buildElevenLabs)
	r.RegisterTTS("mock", buildMockTTS)
	r.RegisterLLM("openai", buildOpenAI)
	r.RegisterLLM("mock", buildMockLLM)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) { r.stt[providerKey(name)] = b }
func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) { r.tts[providerKey(name)] = b }
func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) { r.llm[providerKey(name)] = b }

func (r *ProviderRegistry) BuildSTT(cfg Config) (STTFactory, error) {
	b := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if b == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return b(cfg)
}

func (r *ProviderRegistry) BuildTTS(cfg Config) (TTSFactory, error) {
	b := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if b == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return b(cfg)
}

func (r *ProviderRegistry) BuildLLM(cfg Config) (llm.Client, error) {
	b := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if b == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return b(cfg)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramListenSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Punctuate      *bool  `mapstructure:"punctuate"`
	Interim        *bool  `mapstructure:"interim"`
	EndpointingMS  *int   `mapstructure:"endpointing_ms"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgramListen(cfg Config) (STTFactory, error) {
	var s deepgramListenSettings
	if err := configutil.Load("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "sample_rate", "punctuate", "interim", "endpointing_ms", "utterance_end_ms"},
	}, &s); err != nil {
		return nil, err
	}
	if s.Encoding != "" && !validDeepgramEncoding(s.Encoding) {
		return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", s.Encoding)
	}
	utteranceEnd := configutil.IntValue(s.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	if s.SampleRate == 0 {
		s.SampleRate = cfg.Agent.SampleRate
	}
	punctuate := configutil.BoolValue(s.Punctuate, true)
	interim := configutil.BoolValue(s.Interim, true)
	endpointing := configutil.IntValue(s.EndpointingMS, 200)

	return func(callSID, streamID, traceID string) stt.StreamingSTT {
		return deepgram.NewListen(deepgram.ListenConfig{
			APIKey:         s.APIKey,
			Model:          s.Model,
			Language:       s.Language,
			SampleRate:     s.SampleRate,
			Encoding:       s.Encoding,
			Punctuate:      punctuate,
			Interim:        interim,
			EndpointingMS:  endpointing,
			UtteranceEndMS: utteranceEnd,
			StreamID:       streamID,
			CallSID:        callSID,
			TraceID:        traceID,
		})
	}, nil
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}

type deepgramSpeakSettings struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	BaseURL    string `mapstructure:"base_url"`
}

func buildDeepgramSpeak(cfg Config) (TTSFactory, error) {
	var s deepgramSpeakSettings
	if err := configutil.Load("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "encoding", "sample_rate", "base_url"},
	}, &s); err != nil {
		return nil, err
	}
	if s.SampleRate == 0 {
		s.SampleRate = cfg.Agent.SampleRate
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		return deepgram.NewSpeak(deepgram.SpeakConfig{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Encoding:   s.Encoding,
			SampleRate: s.SampleRate,
			BaseURL:    s.BaseURL,
			StreamID:   streamID,
			CallSID:    callSID,
		})
	}, nil
}

type elevenLabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	BaseURL      string `mapstructure:"base_url"`
}

func buildElevenLabs(cfg Config) (TTSFactory, error) {
	var s elevenLabsSettings
	if err := configutil.Load("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "base_url"},
	}, &s); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			BaseURL:      s.BaseURL,
			StreamID:     streamID,
			CallSID:      callSID,
		})
	}, nil
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	Retries           *int   `mapstructure:"retries"`
	RetryBackoffMS    int    `mapstructure:"retry_backoff_ms"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

func buildOpenAI(cfg Config) (llm.Client, error) {
	var s openAISettings
	if err := configutil.Load("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "timeout_ms", "retries", "retry_backoff_ms", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
	}, &s); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		adapter.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if s.TimeoutMS > 0 {
		adapter.Client.Timeout = time.Duration(s.TimeoutMS) * time.Millisecond
	}

	var client llm.Client = adapter
	if retries := configutil.IntValue(s.Retries, 2); retries > 0 {
		backoff := s.RetryBackoffMS
		if backoff <= 0 {
			backoff = 250
		}
		client = llm.NewRetryClient(client, resilience.NewRetryPolicy(retries, time.Duration(backoff)*time.Millisecond))
	}
	if !configutil.BoolValue(s.UseCircuitBreaker, true) {
		return client, nil
	}
	threshold := s.CircuitThreshold
	if threshold <= 0 {
		threshold = 3
	}
	cooldown := s.CircuitCooldownMS
	if cooldown <= 0 {
		cooldown = 30000
	}
	breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
	return llm.NewCircuitBreakerClient(client, breaker), nil
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitUtteranceEnd  *bool  `mapstructure:"emit_utterance_end"`
}

func buildMockSTT(cfg Config) (STTFactory, error) {
	var s mockSTTSettings
	if err := configutil.Load("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
		Optional: []string{"transcript", "interim_transcript", "emit_utterance_end"},
	}, &s); err != nil {
		return nil, err
	}
	utteranceEnd := configutil.BoolValue(s.EmitUtteranceEnd, true)
	return func(callSID, streamID, traceID string) stt.StreamingSTT {
		return mock.NewSTT(mock.STTConfig{
			Transcript:        s.Transcript,
			InterimTranscript: s.InterimTranscript,
			EmitUtteranceEnd:  utteranceEnd,
		})
	}, nil
}

type mockTTSSettings struct {
	Padding int `mapstructure:"padding"`
}

func buildMockTTS(cfg Config) (TTSFactory, error) {
	var s mockTTSSettings
	if err := configutil.Load("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
		Optional: []string{"padding"},
	}, &s); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) tts.StreamingTTS {
		return mock.NewTTS(mock.TTSConfig{Padding: s.Padding})
	}, nil
}

type mockLLMSettings struct {
	ResponseText string `mapstructure:"response_text"`
}

func buildMockLLM(cfg Config) (llm.Client, error) {
	var s mockLLMSettings
	if err := configutil.Load("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
		Optional: []string{"response_text"},
	}, &s); err != nil {
		return nil, err
	}
	return mock.NewLLMClient(mock.LLMConfig{ResponseText: s.ResponseText}), nil
}
