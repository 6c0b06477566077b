package agent

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Tools         ToolsConfig         `mapstructure:"tools"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// AgentConfig shapes every call session.
type AgentConfig struct {
	SystemPrompt        string `mapstructure:"system_prompt"`
	Greeting            string `mapstructure:"greeting"`
	GreetingWaitMS      int    `mapstructure:"greeting_wait_ms"`
	MinTranscriptLength int    `mapstructure:"min_transcript_length"`
	InterruptLength     int    `mapstructure:"interrupt_length"`
	FlushLength         int    `mapstructure:"flush_length"`
	FillByte            int    `mapstructure:"fill_byte"`
	SampleRate          int    `mapstructure:"sample_rate"`
}

type ToolsConfig struct {
	TimeoutMS      int    `mapstructure:"timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
	// TransferNumber is dialed when the caller asks for a human.
	TransferNumber string `mapstructure:"transfer_number"`
}

type ObservabilityConfig struct {
	// MetricsPath, when set, receives every metrics event as one JSON line.
	MetricsPath   string `mapstructure:"metrics_path"`
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	EventBuffer   int    `mapstructure:"event_buffer"`
}

func (c AgentConfig) GreetingWait() time.Duration {
	return time.Duration(c.GreetingWaitMS) * time.Millisecond
}

func (c ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c ToolsConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("agent.greeting_wait_ms", 5000)
	v.SetDefault("agent.min_transcript_length", 5)
	v.SetDefault("agent.interrupt_length", 5)
	v.SetDefault("agent.flush_length", 30)
	v.SetDefault("agent.fill_byte", 0xFF)
	v.SetDefault("agent.sample_rate", 8000)
	v.SetDefault("tools.timeout_ms", 6000)
	v.SetDefault("tools.retries", 0)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("observability.metrics_path", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.event_buffer", 2048)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Agent.FillByte < 0 || c.Agent.FillByte > 0xFF {
		return fmt.Errorf("agent.fill_byte must be between 0 and 255, got %d", c.Agent.FillByte)
	}
	if c.Agent.MinTranscriptLength < 0 {
		return fmt.Errorf("agent.min_transcript_length must not be negative")
	}
	if c.Agent.InterruptLength < 0 {
		return fmt.Errorf("agent.interrupt_length must not be negative")
	}
	if c.Tools.Retries < 0 {
		return fmt.Errorf("tools.retries must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
