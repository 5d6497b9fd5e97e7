package voxline

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Transport     TransportConfig     `mapstructure:"transport"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Playback      PlaybackConfig      `mapstructure:"playback"`
	Session       SessionConfig       `mapstructure:"session"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type CaptureConfig struct {
	Rate      int `mapstructure:"rate"`
	Block     int `mapstructure:"block"`
	QueueSize int `mapstructure:"queue_size"`
}

type PlaybackConfig struct {
	Rate int `mapstructure:"rate"`
}

type SessionConfig struct {
	Model               string `mapstructure:"model"`
	Voice               string `mapstructure:"voice"`
	Language            string `mapstructure:"language"`
	Instruction         string `mapstructure:"instruction"`
	Camera              bool   `mapstructure:"camera"`
	InputTranscription  bool   `mapstructure:"input_transcription"`
	OutputTranscription bool   `mapstructure:"output_transcription"`
	SampleIntervalMS    int    `mapstructure:"sample_interval_ms"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
}

type ResilienceConfig struct {
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("transport.provider", "live")
	v.SetDefault("capture.rate", 16000)
	v.SetDefault("capture.block", 4096)
	v.SetDefault("capture.queue_size", 64)
	v.SetDefault("playback.rate", 24000)
	v.SetDefault("session.camera", false)
	v.SetDefault("session.input_transcription", true)
	v.SetDefault("session.output_transcription", true)
	v.SetDefault("session.sample_interval_ms", 2000)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.log_sample_rate", 1.0)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown_ms", 30000)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if c.Transport.Provider == "live" && strings.TrimSpace(c.Session.Model) == "" {
		return fmt.Errorf("session.model is required for the live transport")
	}
	return nil
}

// applyEnvOverrides lets the API key live in the environment instead of the
// config file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("VOXLINE_API_KEY"); key != "" {
		if cfg.Transport.Settings == nil {
			cfg.Transport.Settings = map[string]any{}
		}
		cfg.Transport.Settings["api_key"] = key
	}
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
	default:
		return v
	}
}
