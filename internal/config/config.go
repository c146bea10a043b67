// Package config loads the engine configuration from defaults, an optional
// YAML file and AGENTDECK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every configuration environment variable.
const EnvPrefix = "AGENTDECK_"

// Config is the immutable engine configuration. It is built once at startup
// and passed down to the coordinator, agents and sessions.
type Config struct {
	HistoryDir  string `yaml:"history_dir" env:"HISTORY_DIR"`
	ArchiveDir  string `yaml:"archive_dir" env:"ARCHIVE_DIR"`
	PersonaDir  string `yaml:"persona_dir" env:"PERSONA_DIR"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	DefaultProvider    string  `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	DefaultModel       string  `yaml:"default_model" env:"DEFAULT_MODEL"`
	DefaultTemperature float64 `yaml:"default_temperature" env:"DEFAULT_TEMPERATURE"`
	MaxTokens          int     `yaml:"max_tokens" env:"MAX_TOKENS"`

	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`

	HistoryEnabled   bool `yaml:"history_enabled" env:"HISTORY_ENABLED"`
	SaveAfterTurn    bool `yaml:"save_after_turn" env:"SAVE_AFTER_TURN"`
	ArchiveThreshold int  `yaml:"archive_threshold" env:"ARCHIVE_THRESHOLD"`
	ArchiveKeep      int  `yaml:"archive_keep" env:"ARCHIVE_KEEP"`

	EventBuffer int    `yaml:"event_buffer" env:"EVENT_BUFFER"`
	Autosave    string `yaml:"autosave" env:"AUTOSAVE"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration rooted at the user's data dir.
func Default() Config {
	base := ".agentdeck"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".agentdeck")
	}
	return Config{
		HistoryDir: filepath.Join(base, "history"),
		ArchiveDir: filepath.Join(base, "archives"),
		PersonaDir: filepath.Join(base, "personas"),

		DefaultProvider:    "xai",
		DefaultModel:       "grok-4-fast",
		DefaultTemperature: 0.7,
		MaxTokens:          4096,

		RequestTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,

		HistoryEnabled:   true,
		SaveAfterTurn:    true,
		ArchiveThreshold: 20,
		ArchiveKeep:      12,

		EventBuffer: 256,
		Autosave:    "@every 30s",
		LogLevel:    "info",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HistoryDir == "" {
		errs = append(errs, errors.New("history_dir must be set"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.ArchiveThreshold < 0 {
		errs = append(errs, errors.New("archive_threshold must not be negative"))
	}
	if c.ArchiveThreshold > 0 && (c.ArchiveKeep <= 0 || c.ArchiveKeep >= c.ArchiveThreshold) {
		errs = append(errs, fmt.Errorf("archive_keep must be in (0, %d)", c.ArchiveThreshold))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("event_buffer must be positive"))
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		errs = append(errs, errors.New("default_temperature must be in [0, 2]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Credentials holds provider API keys read from the environment.
type Credentials struct {
	XAIKey        string `env:"XAI_API_KEY"`
	GrokKey       string `env:"GROK_KEY"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	ClaudeKey     string `env:"CLAUDE_KEY"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OllamaHost    string `env:"OLLAMA_HOST"`
	ServerKey     string `env:"AGENTDECK_API_KEY"`
}

// LoadCredentials reads provider keys, resolving the GROK_KEY and CLAUDE_KEY
// aliases.
func LoadCredentials() (Credentials, error) {
	var c Credentials
	if err := env.Parse(&c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	if c.XAIKey == "" {
		c.XAIKey = c.GrokKey
	}
	if c.AnthropicKey == "" {
		c.AnthropicKey = c.ClaudeKey
	}
	return c, nil
}

// Secrets returns every non-empty key, for log redaction.
func (c Credentials) Secrets() []string {
	var out []string
	for _, s := range []string{c.XAIKey, c.AnthropicKey, c.OpenAIKey, c.ServerKey} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
