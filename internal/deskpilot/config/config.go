// Package config loads the deskpilot configuration: a YAML file for the
// operator-tunable knobs, with environment-variable overrides for deployment
// and secrets. The API key never lives in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskpilot-app/deskpilot/common/environment"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/macro"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
)

// Backend holds the AI resolver backend settings.
type Backend struct {
	// BaseURL is an OpenAI-compatible chat completions endpoint.
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Timeout bounds one resolution request.
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the number of extra attempts after a transient failure.
	Retries int `yaml:"retries"`
	// FallbackBaseURL optionally names a second, typically local, endpoint
	// tried when the primary is unavailable (e.g. an Ollama server).
	FallbackBaseURL string `yaml:"fallback_base_url"`
	FallbackModel   string `yaml:"fallback_model"`

	// APIKey is only settable through DESKPILOT_API_KEY.
	APIKey string `yaml:"-"`
}

// Config is the full runtime configuration.
type Config struct {
	// DBPath locates the SQLite database.
	DBPath string `yaml:"db_path"`
	// PacksDir locates the command pack directory; empty disables packs.
	PacksDir string `yaml:"packs_dir"`

	// ConfirmTimeout bounds how long a pending confirmation stays valid.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	// LowConfidence is the threshold under which a resolution is rejected
	// for clarification instead of dispatched.
	LowConfidence float64 `yaml:"low_confidence"`
	// MacroPolicy is the default replay failure policy for new macros.
	MacroPolicy string `yaml:"macro_policy"`

	Backend Backend `yaml:"backend"`

	// Danger overrides per-command danger levels, e.g. force "confirm" on a
	// command a plugin registered as safe.
	Danger map[string]string `yaml:"danger"`
	// Forbidden lists commands disabled outright.
	Forbidden []string `yaml:"forbidden"`
}

// defaults returns the configuration used when no file and no overrides are
// present.
func defaults() *Config {
	return &Config{
		DBPath:         "deskpilot.db",
		PacksDir:       "packs",
		ConfirmTimeout: 2 * time.Minute,
		LowConfidence:  0.6,
		MacroPolicy:    macro.PolicyContinue,
		Backend: Backend{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
			Retries: 2,
		},
	}
}

// Load reads the YAML file at path (a missing file is fine — defaults apply),
// layers environment overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func applyEnv(cfg *Config) {
	cfg.DBPath = environment.StringOr("DESKPILOT_DB_PATH", cfg.DBPath)
	cfg.PacksDir = environment.StringOr("DESKPILOT_PACKS_DIR", cfg.PacksDir)
	cfg.ConfirmTimeout = environment.DurationOr("DESKPILOT_CONFIRM_TIMEOUT", cfg.ConfirmTimeout)
	cfg.LowConfidence = environment.FloatOr("DESKPILOT_LOW_CONFIDENCE", cfg.LowConfidence)
	cfg.MacroPolicy = environment.StringOr("DESKPILOT_MACRO_POLICY", cfg.MacroPolicy)

	cfg.Backend.APIKey, _ = environment.String("DESKPILOT_API_KEY")
	cfg.Backend.BaseURL = environment.StringOr("DESKPILOT_BASE_URL", cfg.Backend.BaseURL)
	cfg.Backend.Model = environment.StringOr("DESKPILOT_MODEL", cfg.Backend.Model)
	cfg.Backend.Timeout = environment.DurationOr("DESKPILOT_BACKEND_TIMEOUT", cfg.Backend.Timeout)
	cfg.Backend.Retries = environment.IntOr("DESKPILOT_BACKEND_RETRIES", cfg.Backend.Retries)
	cfg.Backend.FallbackBaseURL = environment.StringOr("DESKPILOT_FALLBACK_BASE_URL", cfg.Backend.FallbackBaseURL)
	cfg.Backend.FallbackModel = environment.StringOr("DESKPILOT_FALLBACK_MODEL", cfg.Backend.FallbackModel)

	cfg.Forbidden = environment.StringSliceOr("DESKPILOT_FORBIDDEN", cfg.Forbidden)
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("config: confirm_timeout must be positive, got %s", c.ConfirmTimeout)
	}
	if c.LowConfidence < 0 || c.LowConfidence > 1 {
		return fmt.Errorf("config: low_confidence must be in [0, 1], got %g", c.LowConfidence)
	}
	switch c.MacroPolicy {
	case macro.PolicyContinue, macro.PolicyAbort:
	default:
		return fmt.Errorf("config: macro_policy must be %q or %q, got %q",
			macro.PolicyContinue, macro.PolicyAbort, c.MacroPolicy)
	}
	if c.Backend.Retries < 0 {
		return fmt.Errorf("config: backend retries must not be negative")
	}
	for command, level := range c.Danger {
		if _, err := registry.ParseLevel(level); err != nil {
			return fmt.Errorf("config: danger override for %q: %w", command, err)
		}
	}
	return nil
}

// ApplyDanger applies the danger overrides and forbidden list to a populated
// registry. Called after all plugins and packs have registered. Unknown
// command names are an error — a typo in a safety override must not pass
// silently.
func (c *Config) ApplyDanger(reg *registry.Registry) error {
	for command, level := range c.Danger {
		parsed, err := registry.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := reg.SetDanger(command, parsed); err != nil {
			return fmt.Errorf("config: danger override: %w", err)
		}
	}
	for _, command := range c.Forbidden {
		if err := reg.SetDanger(command, registry.LevelForbidden); err != nil {
			return fmt.Errorf("config: forbidden list: %w", err)
		}
	}
	return nil
}
