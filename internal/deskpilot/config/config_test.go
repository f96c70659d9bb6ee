package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/config"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "deskpilot.db" {
		t.Errorf("unexpected default db path: %q", cfg.DBPath)
	}
	if cfg.ConfirmTimeout != 2*time.Minute {
		t.Errorf("unexpected default confirm timeout: %s", cfg.ConfirmTimeout)
	}
	if cfg.LowConfidence != 0.6 {
		t.Errorf("unexpected default confidence threshold: %g", cfg.LowConfidence)
	}
	if cfg.MacroPolicy != "continue" {
		t.Errorf("unexpected default macro policy: %q", cfg.MacroPolicy)
	}
	if cfg.Backend.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unexpected default backend: %q", cfg.Backend.BaseURL)
	}
}

func TestLoadFile(t *testing.T) {
	const content = `db_path: /var/lib/deskpilot/state.db
confirm_timeout: 45s
low_confidence: 0.75
macro_policy: abort
backend:
  base_url: http://localhost:11434/v1
  model: llama3
  timeout: 10s
  retries: 0
danger:
  take_screenshot: confirm
forbidden:
  - shutdown_system
`
	path := filepath.Join(t.TempDir(), "deskpilot.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/var/lib/deskpilot/state.db" {
		t.Errorf("db_path not applied: %q", cfg.DBPath)
	}
	if cfg.ConfirmTimeout != 45*time.Second {
		t.Errorf("confirm_timeout not applied: %s", cfg.ConfirmTimeout)
	}
	if cfg.MacroPolicy != "abort" {
		t.Errorf("macro_policy not applied: %q", cfg.MacroPolicy)
	}
	if cfg.Backend.Model != "llama3" || cfg.Backend.Retries != 0 {
		t.Errorf("backend section not applied: %+v", cfg.Backend)
	}
	if cfg.Danger["take_screenshot"] != "confirm" {
		t.Errorf("danger override lost: %v", cfg.Danger)
	}
	if len(cfg.Forbidden) != 1 || cfg.Forbidden[0] != "shutdown_system" {
		t.Errorf("forbidden list lost: %v", cfg.Forbidden)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DESKPILOT_DB_PATH", "/tmp/override.db")
	t.Setenv("DESKPILOT_CONFIRM_TIMEOUT", "90s")
	t.Setenv("DESKPILOT_LOW_CONFIDENCE", "0.9")
	t.Setenv("DESKPILOT_API_KEY", "sk-test")
	t.Setenv("DESKPILOT_MODEL", "gpt-4o")
	t.Setenv("DESKPILOT_BACKEND_RETRIES", "5")
	t.Setenv("DESKPILOT_FORBIDDEN", "shutdown_system,restart_system")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/tmp/override.db" {
		t.Errorf("env db path not applied: %q", cfg.DBPath)
	}
	if cfg.ConfirmTimeout != 90*time.Second {
		t.Errorf("env confirm timeout not applied: %s", cfg.ConfirmTimeout)
	}
	if cfg.LowConfidence != 0.9 {
		t.Errorf("env confidence not applied: %g", cfg.LowConfidence)
	}
	if cfg.Backend.APIKey != "sk-test" {
		t.Error("API key must come from the environment")
	}
	if cfg.Backend.Model != "gpt-4o" || cfg.Backend.Retries != 5 {
		t.Errorf("env backend overrides not applied: %+v", cfg.Backend)
	}
	if len(cfg.Forbidden) != 2 {
		t.Errorf("env forbidden list not applied: %v", cfg.Forbidden)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty db path", func(c *config.Config) { c.DBPath = "" }},
		{"zero confirm timeout", func(c *config.Config) { c.ConfirmTimeout = 0 }},
		{"confidence above one", func(c *config.Config) { c.LowConfidence = 1.5 }},
		{"negative confidence", func(c *config.Config) { c.LowConfidence = -0.1 }},
		{"unknown macro policy", func(c *config.Config) { c.MacroPolicy = "retry" }},
		{"negative retries", func(c *config.Config) { c.Backend.Retries = -1 }},
		{"bad danger level", func(c *config.Config) {
			c.Danger = map[string]string{"lock_system": "lethal"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestApplyDanger(t *testing.T) {
	reg := registry.New()
	handler := func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }
	for _, name := range []string{"take_screenshot", "shutdown_system"} {
		if err := reg.Register(registry.Spec{Name: name, Danger: registry.LevelSafe, Handler: handler}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Danger = map[string]string{"take_screenshot": "confirm"}
	cfg.Forbidden = []string{"shutdown_system"}

	if err := cfg.ApplyDanger(reg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	spec, _ := reg.Lookup("take_screenshot")
	if spec.Danger != registry.LevelConfirm {
		t.Errorf("danger override not applied: %s", spec.Danger)
	}
	spec, _ = reg.Lookup("shutdown_system")
	if spec.Danger != registry.LevelForbidden {
		t.Errorf("forbidden list not applied: %s", spec.Danger)
	}
}

func TestApplyDangerUnknownCommand(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Forbidden = []string{"no_such_command"}
	if err := cfg.ApplyDanger(registry.New()); err == nil {
		t.Error("a typo in the forbidden list must not pass silently")
	}
}
