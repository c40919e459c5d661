package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_PassesValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.DefaultModel != "gpt-3.5-turbo" {
		t.Fatalf("expected default model, got %q", cfg.Router.DefaultModel)
	}
	if cfg.CLIProxy.Port != 3010 {
		t.Fatalf("expected default cli proxy port 3010, got %d", cfg.CLIProxy.Port)
	}
	if cfg.Orchestrator.JSONModeInstruction == "" {
		t.Fatal("expected a non-empty default json_mode_instruction")
	}
	if cfg.Orchestrator.MaxRecursionDepth != 3 {
		t.Fatalf("expected default max_recursion_depth 3, got %d", cfg.Orchestrator.MaxRecursionDepth)
	}
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
router:
  default_model: claude-opus
cli_proxy:
  port: 4000
  max_concurrent: 16
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Router.DefaultModel != "claude-opus" {
		t.Fatalf("expected router.default_model override, got %q", cfg.Router.DefaultModel)
	}
	if cfg.CLIProxy.Port != 4000 {
		t.Fatalf("expected cli_proxy.port override, got %d", cfg.CLIProxy.Port)
	}
	if cfg.CLIProxy.MaxConcurrent != 16 {
		t.Fatalf("expected cli_proxy.max_concurrent override, got %d", cfg.CLIProxy.MaxConcurrent)
	}
	// Unset fields keep their defaults.
	if cfg.CLIProxy.Timeout != 120*time.Second {
		t.Fatalf("expected default timeout to survive partial override, got %v", cfg.CLIProxy.Timeout)
	}
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cli_proxy:\n  port: 4000\n"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("PROXY_PORT", "5000")
	t.Setenv("OPENAI_API_KEY", "sk-test-123")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CLIProxy.Port != 5000 {
		t.Fatalf("expected env override to win over file, got %d", cfg.CLIProxy.Port)
	}
	if cfg.Providers.OpenAIAPIKey != "sk-test-123" {
		t.Fatalf("expected OPENAI_API_KEY to populate Providers.OpenAIAPIKey, got %q", cfg.Providers.OpenAIAPIKey)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/path/config.yaml").Load()
	if err != nil {
		t.Fatalf("expected missing file to fall back to defaults, got error: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("expected default server port, got %d", cfg.Server.Port)
	}
}

func TestValidate_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max_attempts")
	}
}

func TestValidate_RejectsMySQLWithoutDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Convo.Driver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for mysql driver without DSN")
	}
}

func TestWithValidator_RunsCustomValidators(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(cfg *Config) error {
		called = true
		return nil
	}).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected custom validator to run")
	}
}

func TestCLIProxyConfig_BaseURL(t *testing.T) {
	cfg := CLIProxyConfig{Host: "127.0.0.1", Port: 3010}
	if got, want := cfg.BaseURL(), "http://127.0.0.1:3010"; got != want {
		t.Fatalf("BaseURL() = %q, want %q", got, want)
	}
}
