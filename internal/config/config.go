// Package config handles platform configuration
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultSystemPrompt is the instruction sent ahead of every question.
const DefaultSystemPrompt = `당신은 한국 도로교통법을 안내하는 음성 비서 '로드닥'입니다.
운전 중인 사용자가 음성으로 질문합니다. 답변은 소리 내어 읽기 쉽도록 2~3문장으로 짧고 명확하게 말해 주세요.
범칙금, 과태료, 벌점 같은 숫자는 정확하게 알려 주고, 확실하지 않은 내용은 추측하지 말고 관할 기관 확인을 권해 주세요.`

// DefaultTranscriptionHint biases recognition toward traffic-law vocabulary.
const DefaultTranscriptionHint = "도로교통법, 운전, 교통법규, 신호, 속도, 벌금, 벌점, 면허"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Voice    VoiceConfig    `mapstructure:"voice"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Feedback FeedbackConfig `mapstructure:"feedback"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"` // empty disables the health listener
}

// OpenAIConfig holds the remote speech and answer endpoint settings.
type OpenAIConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	TranscriptionModel string        `mapstructure:"transcription_model"`
	TranscriptionHint  string        `mapstructure:"transcription_hint"`
	CompletionModel    string        `mapstructure:"completion_model"`
	SpeechModel        string        `mapstructure:"speech_model"`
	Voice              string        `mapstructure:"voice"`
	Temperature        float64       `mapstructure:"temperature"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	MaxTokensDetailed  int           `mapstructure:"max_tokens_detailed"`
	SystemPrompt       string        `mapstructure:"system_prompt"`
	RetryCount         int           `mapstructure:"retry_count"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
}

// AudioConfig holds microphone capture settings.
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	MeteringInterval time.Duration `mapstructure:"metering_interval"`
	RecordingsDir    string        `mapstructure:"recordings_dir"`
	ExcludedDevices  []string      `mapstructure:"excluded_devices"`
}

// VoiceConfig holds the defaults the settings provider starts from.
type VoiceConfig struct {
	Language           string        `mapstructure:"language"` // BCP-47, e.g. ko-KR
	SilenceTimeoutMs   int           `mapstructure:"silence_timeout_ms"`
	SilenceThresholdDB float64       `mapstructure:"silence_threshold_db"`
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	TTSSpeed           float64       `mapstructure:"tts_speed"`
}

// UsageConfig holds the daily usage-limit policy.
type UsageConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	FreeLimit    int    `mapstructure:"free_limit"`
	PremiumLimit int    `mapstructure:"premium_limit"` // -1 means unlimited
	Premium      bool   `mapstructure:"premium"`
	StateFile    string `mapstructure:"state_file"`
}

// FeedbackConfig holds cue settings.
type FeedbackConfig struct {
	Tones bool `mapstructure:"tones"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TranscriptionLanguage returns the ISO-639-1 hint derived from Voice.Language ("ko-KR" -> "ko").
func (c *Config) TranscriptionLanguage() string {
	lang, _, _ := strings.Cut(c.Voice.Language, "-")
	return strings.ToLower(lang)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8000")
	v.SetDefault("server.grpc_addr", ":50051")

	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.transcription_model", "whisper-1")
	v.SetDefault("openai.transcription_hint", DefaultTranscriptionHint)
	v.SetDefault("openai.completion_model", "gpt-4o-mini")
	v.SetDefault("openai.speech_model", "tts-1")
	v.SetDefault("openai.voice", "nova")
	v.SetDefault("openai.temperature", 0.3)
	v.SetDefault("openai.max_tokens", 150)
	v.SetDefault("openai.max_tokens_detailed", 300)
	v.SetDefault("openai.system_prompt", DefaultSystemPrompt)
	v.SetDefault("openai.retry_count", 3)
	v.SetDefault("openai.retry_base_delay", time.Second)

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.metering_interval", 100*time.Millisecond)
	v.SetDefault("audio.recordings_dir", os.TempDir())
	v.SetDefault("audio.excluded_devices", []string{"iphone", "teams"})

	v.SetDefault("voice.language", "ko-KR")
	v.SetDefault("voice.silence_timeout_ms", 1500)
	v.SetDefault("voice.silence_threshold_db", -40.0)
	v.SetDefault("voice.grace_period", time.Second)
	v.SetDefault("voice.tts_speed", 1.0)

	v.SetDefault("usage.enabled", false)
	v.SetDefault("usage.free_limit", 10)
	v.SetDefault("usage.premium_limit", -1)
	v.SetDefault("usage.premium", false)
	v.SetDefault("usage.state_file", "roaddoc-usage.yaml")

	v.SetDefault("feedback.tones", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads .env (if present), then defaults, an optional YAML file and ROADDOC_* variables.
// If configFile is empty the search order is ./roaddoc.yaml, ./configs/roaddoc.yaml, /etc/roaddoc/roaddoc.yaml.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("roaddoc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/roaddoc")
	}

	// ROADDOC_OPENAI_API_KEY, ROADDOC_VOICE_SILENCE_TIMEOUT_MS, ...
	v.SetEnvPrefix("ROADDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.OpenAI.APIKey = resolveEnvRef(cfg.OpenAI.APIKey)
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.OpenAI.RetryCount < 1 {
		errs = append(errs, fmt.Errorf("openai.retry_count must be >= 1, got %d", c.OpenAI.RetryCount))
	}
	if c.OpenAI.MaxTokens <= 0 || c.OpenAI.MaxTokensDetailed <= 0 {
		errs = append(errs, errors.New("openai.max_tokens and openai.max_tokens_detailed must be positive"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate))
	}
	if c.Audio.MeteringInterval <= 0 {
		errs = append(errs, errors.New("audio.metering_interval must be positive"))
	}
	if c.Usage.FreeLimit < -1 || c.Usage.PremiumLimit < -1 {
		errs = append(errs, errors.New("usage limits must be -1 (unlimited) or >= 0"))
	}
	return errors.Join(errs...)
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
