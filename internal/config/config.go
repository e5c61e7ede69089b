package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	AuthToken    string        `env:"AUTH_TOKEN"`

	// Session defaults. Persisted settings override these at startup.
	SourceLanguage        string `env:"SOURCE_LANGUAGE" envDefault:"auto"`
	TargetLanguage        string `env:"TARGET_LANGUAGE" envDefault:"en"`
	DefaultSourceLanguage string `env:"DEFAULT_SOURCE_LANGUAGE" envDefault:"en"`
	AutoSpeak             bool   `env:"AUTO_SPEAK" envDefault:"false"`
	AutoStart             bool   `env:"AUTO_START" envDefault:"true"`

	Capture   CaptureConfig
	Local     LocalConfig
	Fallback  FallbackConfig
	Translate TranslateConfig
	Speech    SpeechConfig
	S3        S3Config
	History   HistoryConfig
	MQTT      MQTTConfig

	// ValidatorFile is an optional YAML file overriding validator thresholds.
	ValidatorFile string `env:"VALIDATOR_FILE"`
}

// CaptureConfig controls the microphone and segment scheduling.
type CaptureConfig struct {
	SampleRate       int           `env:"CAPTURE_SAMPLE_RATE" envDefault:"16000"`
	Channels         int           `env:"CAPTURE_CHANNELS" envDefault:"1"`
	NoiseSuppression bool          `env:"NOISE_SUPPRESSION" envDefault:"true"`
	SegmentDuration  time.Duration `env:"SEGMENT_DURATION" envDefault:"5s"`
	FallbackChunk    time.Duration `env:"FALLBACK_CHUNK" envDefault:"250ms"`
}

// LocalConfig configures the local inference engine (whisper.cpp server or
// any OpenAI-compatible transcription endpoint on this machine).
type LocalConfig struct {
	WhisperURL             string        `env:"WHISPER_URL" envDefault:"http://127.0.0.1:8178"`
	WhisperCPUURL          string        `env:"WHISPER_CPU_URL"`
	Model                  string        `env:"WHISPER_MODEL" envDefault:"base"`
	ModelURL               string        `env:"MODEL_URL"`
	ModelDir               string        `env:"MODEL_DIR" envDefault:"./models"`
	LoadTimeout            time.Duration `env:"LOAD_TIMEOUT" envDefault:"0s"`
	RequestTimeout         time.Duration `env:"WHISPER_TIMEOUT" envDefault:"30s"`
	QueueSize              int           `env:"TRANSCRIBE_QUEUE" envDefault:"1"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	Disabled               bool          `env:"LOCAL_DISABLED" envDefault:"false"`
}

// FallbackConfig configures the streaming recognizer used when the local
// engine cannot be loaded.
type FallbackConfig struct {
	URL          string        `env:"FALLBACK_URL" envDefault:"ws://127.0.0.1:2700"`
	RestartDelay time.Duration `env:"FALLBACK_RESTART_DELAY" envDefault:"100ms"`
	MaxRestarts  int           `env:"FALLBACK_MAX_RESTARTS" envDefault:"5"`
}

// TranslateConfig configures the translation provider chain.
type TranslateConfig struct {
	GoogleAPIKey      string        `env:"GOOGLE_TRANSLATE_API_KEY"`
	GoogleURL         string        `env:"GOOGLE_TRANSLATE_URL" envDefault:"https://translation.googleapis.com/language/translate/v2"`
	CredentialFile    string        `env:"CREDENTIAL_FILE"`
	MyMemoryURL       string        `env:"MYMEMORY_URL" envDefault:"https://api.mymemory.translated.net/get"`
	LibreTranslateURL string        `env:"LIBRETRANSLATE_URL" envDefault:"https://libretranslate.de/translate"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"8s"`
	RedisURL          string        `env:"REDIS_URL"`
	CacheTTL          time.Duration `env:"TRANSLATION_CACHE_TTL" envDefault:"24h"`
}

// SpeechConfig configures the optional speech output sink.
type SpeechConfig struct {
	Command string  `env:"SPEECH_COMMAND" envDefault:"espeak-ng"`
	Rate    float64 `env:"SPEECH_RATE" envDefault:"0.9"`
	Volume  float64 `env:"SPEECH_VOLUME" envDefault:"0.8"`
}

// HistoryConfig configures the settings/history store.
type HistoryConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	Limit       int    `env:"HISTORY_LIMIT" envDefault:"50"`
}

// MQTTConfig configures the optional display mirror.
type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"live-translator"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"live-translator"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
}

// S3Config configures the optional segment archive. When Bucket is empty
// and Archive is set, segments are archived under AudioDir instead.
type S3Config struct {
	Archive       bool          `env:"ARCHIVE_SEGMENTS" envDefault:"false"`
	AudioDir      string        `env:"AUDIO_DIR" envDefault:"./audio"`
	Bucket        string        `env:"S3_BUCKET"`
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	Retention     time.Duration `env:"ARCHIVE_RETENTION" envDefault:"168h"`
}

// Enabled reports whether S3 storage is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile        string
	HTTPAddr       string
	LogLevel       string
	SourceLanguage string
	TargetLanguage string
	WhisperURL     string
	FallbackURL    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.SourceLanguage != "" {
		cfg.SourceLanguage = overrides.SourceLanguage
	}
	if overrides.TargetLanguage != "" {
		cfg.TargetLanguage = overrides.TargetLanguage
	}
	if overrides.WhisperURL != "" {
		cfg.Local.WhisperURL = overrides.WhisperURL
	}
	if overrides.FallbackURL != "" {
		cfg.Fallback.URL = overrides.FallbackURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for out-of-range values.
func (c *Config) Validate() error {
	if d := c.Capture.SegmentDuration; d < 4*time.Second || d > 8*time.Second {
		return fmt.Errorf("SEGMENT_DURATION must be between 4s and 8s, got %s", d)
	}
	if c.Capture.FallbackChunk <= 0 {
		return fmt.Errorf("FALLBACK_CHUNK must be > 0")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be > 0")
	}
	if c.Capture.Channels <= 0 {
		return fmt.Errorf("CAPTURE_CHANNELS must be > 0")
	}
	if c.Speech.Rate <= 0 || c.Speech.Rate > 4 {
		return fmt.Errorf("SPEECH_RATE must be in (0, 4], got %g", c.Speech.Rate)
	}
	if c.Speech.Volume < 0 || c.Speech.Volume > 1 {
		return fmt.Errorf("SPEECH_VOLUME must be in [0, 1], got %g", c.Speech.Volume)
	}
	if c.History.Limit < 1 {
		return fmt.Errorf("HISTORY_LIMIT must be >= 1")
	}
	if c.Local.QueueSize < 1 {
		return fmt.Errorf("TRANSCRIBE_QUEUE must be >= 1")
	}
	if strings.TrimSpace(c.TargetLanguage) == "" || c.TargetLanguage == "auto" {
		return fmt.Errorf("TARGET_LANGUAGE must be a concrete language, got %q", c.TargetLanguage)
	}
	return nil
}

// EffectiveLoadTimeout returns LOAD_TIMEOUT, or a default derived from the
// model size when unset: larger models get longer to load.
func (c LocalConfig) EffectiveLoadTimeout() time.Duration {
	if c.LoadTimeout > 0 {
		return c.LoadTimeout
	}
	m := strings.ToLower(c.Model)
	for _, big := range []string{"small", "medium", "large"} {
		if strings.Contains(m, big) {
			return 45 * time.Second
		}
	}
	return 30 * time.Second
}
