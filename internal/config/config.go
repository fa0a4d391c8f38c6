// Package config loads the engine's YAML configuration with environment
// variable expansion and structured validation.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// DefaultConcurrency is used when Concurrency is unset.
const DefaultConcurrency = 10

// Validator is implemented by any config (sub)struct that needs to check
// its own invariants after loading.
type Validator interface {
	Validate() error
}

// Config is the top-level configuration for the review engine.
type Config struct {
	Workspace   WorkspaceConfig `yaml:"workspace"`
	LLM         LLMConfig       `yaml:"llm"`
	Validator   ValidatorConfig `yaml:"validator"`
	Cache       CacheConfig     `yaml:"cache"`
	Concurrency int             `yaml:"concurrency"`
	Log         LogConfig       `yaml:"log"`
}

// Validate validates every sub-config and normalizes Concurrency into
// [1, 10].
func (c *Config) Validate() error {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Concurrency > 10 {
		c.Concurrency = 10
	}

	if err := c.Workspace.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Validator.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// WorkspaceConfig names the sandbox root the tool executor confines every
// path resolution to.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

func (c *WorkspaceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// LLMConfig describes the OpenAI-compatible chat-completions endpoint used
// by the Review Loop. Temperature and MaxTokens are validated here but are
// not sent with the Review Loop's requests.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

func (c *LLMConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required),
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&c.MaxTokens, validation.Min(0)),
	)
}

// ValidatorConfig describes the model used for the forced
// report_validation call. Validate sets Temperature to 0.1 and MaxTokens
// to 300 when left at zero; only Model is passed on to the validator,
// whose call always uses temperature 0.1 and 300 max tokens.
type ValidatorConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

func (c *ValidatorConfig) Validate() error {
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 300
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&c.MaxTokens, validation.Min(1)),
	)
}

// CacheConfig names the SQLite review cache.
type CacheConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

func (c *CacheConfig) Validate() error {
	if c.Disabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// LogConfig controls the ambient structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LogConfig) Validate() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("json", "text")),
	)
}

// NewLogger builds the *slog.Logger every component constructs itself
// against, writing to w at cfg's level in cfg's format.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
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
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Load reads filename, expands environment variable references of the
// form ${VAR}, unmarshals into T, and runs T.Validate() if T implements
// Validator.
func Load[T any](filename string) (T, error) {
	var target T

	data, err := os.ReadFile(filename)
	if err != nil {
		return target, fmt.Errorf("config: read %s: %w", filename, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &target); err != nil {
		return target, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if v, ok := any(&target).(Validator); ok {
		if err := v.Validate(); err != nil {
			return target, fmt.Errorf("config: validate %s: %w", filename, err)
		}
	}

	return target, nil
}
