package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Limits.MaxSteps != 8 {
		t.Errorf("MaxSteps = %d, want 8", cfg.Limits.MaxSteps)
	}
	if cfg.Limits.MaxRows != 10000 {
		t.Errorf("MaxRows = %d, want 10000", cfg.Limits.MaxRows)
	}
	if cfg.Limits.QueryTimeout != 30*time.Second {
		t.Errorf("QueryTimeout = %v, want 30s", cfg.Limits.QueryTimeout)
	}
	if cfg.Limits.Deadline != 60*time.Second {
		t.Errorf("Deadline = %v, want 60s", cfg.Limits.Deadline)
	}
	if cfg.Limits.MaxUploadBytes != 50<<20 {
		t.Errorf("MaxUploadBytes = %d, want 50MB", cfg.Limits.MaxUploadBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datalens.yaml")
	content := `
server:
  port: 9090
limits:
  max_steps: 4
llm:
  provider: anthropic
  model: claude-3-5-sonnet-20241022
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Limits.MaxSteps != 4 {
		t.Errorf("MaxSteps = %d, want 4", cfg.Limits.MaxSteps)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", cfg.LLM.Provider)
	}
	// Unset fields keep their defaults.
	if cfg.Limits.MaxRows != 10000 {
		t.Errorf("MaxRows = %d, want default 10000", cfg.Limits.MaxRows)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_steps", func(c *Config) { c.Limits.MaxSteps = 0 }},
		{"negative max_rows", func(c *Config) { c.Limits.MaxRows = -1 }},
		{"zero deadline", func(c *Config) { c.Limits.Deadline = 0 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "palm" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-from-env")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test-from-env" {
		t.Errorf("APIKey = %q, want env value", cfg.LLM.APIKey)
	}
}
