// Package config loads and validates application configuration. The value
// returned by Load is immutable for the lifetime of the process; no component
// re-reads files or environment variables after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	Telegram     TelegramConfig  `yaml:"telegram"`
	Inference    InferenceConfig `yaml:"inference"`
	History      HistoryConfig   `yaml:"history"`
	Vision       VisionConfig    `yaml:"vision"`
	Prompter     PrompterConfig  `yaml:"prompter"`
	Status       StatusConfig    `yaml:"status"`
	SystemPrompt string          `yaml:"system_prompt"`
	Debug        bool            `yaml:"debug"`
}

// TelegramConfig configures the chat transport binding.
type TelegramConfig struct {
	Token         string `yaml:"token"`           // bot token, usually via TELEGRAM_TOKEN
	AllowedUserID int64  `yaml:"allowed_user_id"` // the single authorized sender
	PollTimeout   int    `yaml:"poll_timeout"`    // long-poll timeout in seconds
}

// InferenceConfig configures the local inference endpoint.
type InferenceConfig struct {
	BaseURL         string  `yaml:"base_url"` // e.g. http://localhost:1234/v1
	Model           string  `yaml:"model"`    // empty lets the server pick its loaded model
	Timeout         int     `yaml:"timeout"`  // per-call timeout in seconds
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	VisionMaxTokens int     `yaml:"vision_max_tokens"`
	Streaming       bool    `yaml:"streaming"`
}

// HistoryConfig configures the conversation store.
type HistoryConfig struct {
	Path        string `yaml:"path"`         // SQLite database file
	WindowTurns int    `yaml:"window_turns"` // turns replayed to the model
	CharBudget  int    `yaml:"char_budget"`  // serialized payload budget
}

// VisionConfig configures inbound image validation.
type VisionConfig struct {
	MaxBytes   int64    `yaml:"max_bytes"`
	MediaTypes []string `yaml:"media_types"`
}

// PrompterConfig configures the random conversation-starter loop.
type PrompterConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MinInterval int     `yaml:"min_interval"` // seconds
	MaxInterval int     `yaml:"max_interval"` // seconds
	Probability float64 `yaml:"probability"`
}

// StatusConfig configures the local operator HTTP server. An empty Addr
// disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// RequestTimeout returns the inference timeout as a duration.
func (c InferenceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Load reads configuration from an optional yaml file, applies environment
// overrides and defaults, and validates the result. An empty path skips the
// file and uses environment plus defaults only.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv overlays the secrets the original deployment passes as environment
// variables.
func applyEnv(config *Config) {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		config.Telegram.Token = v
	}
	if v := os.Getenv("ALLOWED_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Telegram.AllowedUserID = id
		}
	}
	if v := os.Getenv("SYSTEM_PROMPT"); v != "" {
		config.SystemPrompt = v
	}
	if v := os.Getenv("INFERENCE_BASE_URL"); v != "" {
		config.Inference.BaseURL = v
	}
}

func applyDefaults(config *Config) {
	if config.Telegram.PollTimeout == 0 {
		config.Telegram.PollTimeout = 30
	}
	if config.Inference.BaseURL == "" {
		config.Inference.BaseURL = "http://localhost:1234/v1"
	}
	if config.Inference.Timeout == 0 {
		config.Inference.Timeout = 60
	}
	if config.Inference.Temperature == 0 {
		config.Inference.Temperature = 0.7
	}
	if config.Inference.MaxTokens == 0 {
		config.Inference.MaxTokens = 500
	}
	if config.Inference.VisionMaxTokens == 0 {
		config.Inference.VisionMaxTokens = 1000
	}
	if config.History.Path == "" {
		config.History.Path = "relaychat.db"
	}
	if config.History.WindowTurns == 0 {
		config.History.WindowTurns = 20
	}
	if config.History.CharBudget == 0 {
		config.History.CharBudget = 24000
	}
	if config.Vision.MaxBytes == 0 {
		config.Vision.MaxBytes = 4 << 20
	}
	if len(config.Vision.MediaTypes) == 0 {
		config.Vision.MediaTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}
	}
	if config.Prompter.MinInterval == 0 {
		config.Prompter.MinInterval = 3600
	}
	if config.Prompter.MaxInterval == 0 {
		config.Prompter.MaxInterval = 7200
	}
	if config.Prompter.Probability == 0 {
		config.Prompter.Probability = 0.5
	}
}

func validateConfig(config *Config) error {
	if config.Telegram.Token == "" {
		return fmt.Errorf("telegram token must be set (telegram.token or TELEGRAM_TOKEN)")
	}
	if config.Telegram.AllowedUserID == 0 {
		return fmt.Errorf("allowed user id must be set (telegram.allowed_user_id or ALLOWED_USER_ID)")
	}
	if config.SystemPrompt == "" {
		return fmt.Errorf("system prompt must be set (system_prompt or SYSTEM_PROMPT)")
	}
	if config.History.WindowTurns < 1 {
		return fmt.Errorf("history window must be at least 1 turn")
	}
	if config.Prompter.MaxInterval < config.Prompter.MinInterval {
		return fmt.Errorf("prompter max_interval must not be below min_interval")
	}
	if config.Prompter.Probability < 0 || config.Prompter.Probability > 1 {
		return fmt.Errorf("prompter probability must be between 0 and 1")
	}
	return nil
}
