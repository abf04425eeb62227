// -----------------------------------------------------------------------
// Configuration - defaults -> TOML file(s) -> environment -> CLI flags
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	Environment string            `toml:"environment"`
	Storage     StorageConfig     `toml:"storage"`
	Worker      WorkerConfig      `toml:"worker"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
	Claude      ClaudeConfig      `toml:"claude"`
	Gemini      GeminiConfig      `toml:"gemini"`
	LLM         LLMConfig         `toml:"llm"`
	Session     SessionConfig     `toml:"session"`
}

type StorageConfig struct {
	Badger     BadgerConfig     `toml:"badger"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// BadgerConfig represents BadgerDB-specific configuration.
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type FilesystemConfig struct {
	Uploads  string `toml:"uploads"`
	Archives string `toml:"archives"`
}

// WorkerConfig controls the job worker manager.
type WorkerConfig struct {
	Active            bool   `toml:"active"`
	MaxConcurrent     int    `toml:"max_concurrent" validate:"min=1"`
	PollIntervalSec   int    `toml:"poll_interval_sec" validate:"min=1"`
	StallTimeoutSec   int    `toml:"stall_timeout_sec" validate:"min=1"`
	StallCheckEvery   int    `toml:"stall_check_every" validate:"min=1"`
	WebhookTimeoutSec int    `toml:"webhook_timeout_sec" validate:"min=1"`
	LogEntriesCap     int    `toml:"log_entries_cap" validate:"min=10"`
	WorkerName        string `toml:"worker_name"`
}

// MaintenanceConfig drives the cron-based maintenance scheduler.
type MaintenanceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // cron format, seconds field included
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ClaudeConfig contains Anthropic Claude API configuration.
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// GeminiConfig contains Google Gemini API configuration.
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// LLMProvider names an AI provider.
type LLMProvider string

const (
	LLMProviderClaude LLMProvider = "claude"
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig selects the provider used for LLM-backed extraction.
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider" validate:"oneof=claude gemini"`
}

// SessionConfig controls the session page fetcher.
type SessionConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// NewDefaultConfig creates a configuration with default values. Technical
// parameters are hardcoded here; only user-facing settings belong in the
// TOML file.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Filesystem: FilesystemConfig{
				Uploads:  "./data/uploads",
				Archives: "./data/archives",
			},
		},
		Worker: WorkerConfig{
			Active:            true,
			MaxConcurrent:     4,
			PollIntervalSec:   5,
			StallTimeoutSec:   1800,
			StallCheckEvery:   12,
			WebhookTimeoutSec: 30,
			LogEntriesCap:     1000,
			WorkerName:        "secretary",
		},
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Schedule: "0 */10 * * * *", // every 10 minutes
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   8192,
			Timeout:     "5m",
			RateLimit:   "1s",
			Temperature: 0.2,
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.0-flash",
			Timeout:     "5m",
			RateLimit:   "4s",
			Temperature: 0.2,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderClaude,
		},
		Session: SessionConfig{
			RequestTimeout: "60s",
			UserAgent:      "secretary/1.0",
		},
	}
}

// LoadFromFiles loads configuration with layering: defaults, then each file
// in order (later files override earlier ones), then environment variables.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies SECRETARY_* environment variables on top of the
// file configuration.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("SECRETARY_STORAGE_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("SECRETARY_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("SECRETARY_CLAUDE_API_KEY"); v != "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && config.Claude.APIKey == "" {
		config.Claude.APIKey = v
	}
	if v := os.Getenv("SECRETARY_GEMINI_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("SECRETARY_WORKER_ACTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Worker.Active = b
		}
	}
	if v := os.Getenv("SECRETARY_WORKER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Worker.MaxConcurrent = n
		}
	}
}

// Validate checks the loaded configuration for structural problems.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.ParseDuration(c.Claude.Timeout); err != nil {
		return fmt.Errorf("invalid claude.timeout %q: %w", c.Claude.Timeout, err)
	}
	if _, err := time.ParseDuration(c.Gemini.Timeout); err != nil {
		return fmt.Errorf("invalid gemini.timeout %q: %w", c.Gemini.Timeout, err)
	}
	if _, err := time.ParseDuration(c.Session.RequestTimeout); err != nil {
		return fmt.Errorf("invalid session.request_timeout %q: %w", c.Session.RequestTimeout, err)
	}
	return nil
}

// PollInterval returns the worker poll cadence as a duration.
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StallTimeout returns the stall detection threshold as a duration.
func (c *WorkerConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSec) * time.Second
}

// WebhookTimeout returns the webhook HTTP timeout as a duration.
func (c *WorkerConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSec) * time.Second
}
