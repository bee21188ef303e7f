// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/datalens/internal/observability"
	"github.com/haasonsaas/datalens/internal/ratelimit"
)

// Config is the root configuration for the service.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Storage   StorageConfig           `yaml:"storage"`
	Limits    LimitsConfig            `yaml:"limits"`
	LLM       LLMConfig               `yaml:"llm"`
	RateLimit ratelimit.Config          `yaml:"rate_limit"`
	Logging   observability.LogConfig   `yaml:"logging"`
	Tracing   observability.TraceConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig configures the analytical store and uploaded file staging.
type StorageConfig struct {
	// Path is the sqlite database file. Empty means in-memory.
	Path string `yaml:"path"`
	// UploadDir holds raw uploaded files awaiting dataset creation.
	UploadDir string `yaml:"upload_dir"`
	// DatasetTTL is how long a registered dataset lives before the
	// janitor drops it. Zero disables expiry.
	DatasetTTL time.Duration `yaml:"dataset_ttl"`
}

// LimitsConfig carries the per-request hard budgets.
type LimitsConfig struct {
	// MaxSteps caps LLM turns per analysis.
	MaxSteps int `yaml:"max_steps"`
	// MaxRows caps rows returned by any single query.
	MaxRows int `yaml:"max_rows"`
	// QueryTimeout bounds a single SQL execution.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Deadline bounds one whole analysis request.
	Deadline time.Duration `yaml:"deadline"`
	// MaxUploadBytes caps the accepted upload size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// CostCeilingUSD aborts the loop when cumulative LLM spend
	// exceeds it. Zero means no ceiling.
	CostCeilingUSD float64 `yaml:"cost_ceiling_usd"`
}

// LLMConfig carries default provider settings. Per-request llm_config in the
// API body overrides these fields.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path:       "datalens.db",
			UploadDir:  "uploads",
			DatasetTTL: 24 * time.Hour,
		},
		Limits: LimitsConfig{
			MaxSteps:       8,
			MaxRows:        10000,
			QueryTimeout:   30 * time.Second,
			Deadline:       60 * time.Second,
			MaxUploadBytes: 50 << 20,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4-turbo",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: observability.TraceConfig{
			ServiceName: "datalens",
		},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error; defaults and
// environment variables alone are a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.Provider == "anthropic" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("DATALENS_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DATALENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = v
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Limits.MaxSteps <= 0 {
		return fmt.Errorf("config: max_steps must be positive, got %d", c.Limits.MaxSteps)
	}
	if c.Limits.MaxRows <= 0 {
		return fmt.Errorf("config: max_rows must be positive, got %d", c.Limits.MaxRows)
	}
	if c.Limits.QueryTimeout <= 0 {
		return fmt.Errorf("config: query_timeout must be positive")
	}
	if c.Limits.Deadline <= 0 {
		return fmt.Errorf("config: deadline must be positive")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}
