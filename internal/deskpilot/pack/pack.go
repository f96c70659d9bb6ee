// Package pack loads declarative command packs.
//
// A pack is a YAML file declaring alias commands on top of the registered
// vocabulary: each alias names a target command and a set of fixed parameters,
// optionally exposing extra parameters of its own, plus deterministic phrases
// for the resolver's fast path. Packs let users teach the system app-specific
// commands ("spotify_pause" → press_hotkey with the media key) without
// writing a plugin.
//
// Pack files are validated against a JSON Schema before anything registers.
// Registration goes through registry.Replace, so reloading a pack overwrites
// its previous aliases and the last loaded definition of a name wins.
package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
)

// packSchema validates the structure of a pack file before decoding.
const packSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "commands"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "commands": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "target"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "summary": {"type": "string"},
          "danger": {"enum": ["safe", "confirm", "forbidden"]},
          "target": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "parameters": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "additionalProperties": false,
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "type": {"enum": ["string", "int", "float", "bool", "duration"]},
                "required": {"type": "boolean"}
              }
            }
          }
        }
      }
    },
    "phrases": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["phrase", "command"],
        "additionalProperties": false,
        "properties": {
          "phrase": {"type": "string", "minLength": 1},
          "command": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledPackSchema = jsonschema.MustCompileString("command-pack.json", packSchema)

// File mirrors the YAML pack format.
type File struct {
	Name     string    `yaml:"name"`
	Commands []Command `yaml:"commands"`
	Phrases  []Phrase  `yaml:"phrases"`
}

// Command declares one alias command.
type Command struct {
	Name    string `yaml:"name"`
	Summary string `yaml:"summary"`
	// Danger defaults to "safe" when omitted.
	Danger string `yaml:"danger"`
	// Target is the registered command the alias delegates to.
	Target string `yaml:"target"`
	// Params are fixed parameters merged into every dispatch of the alias.
	// They win over caller-supplied values.
	Params map[string]any `yaml:"params"`
	// Parameters are extra parameters the alias exposes and forwards.
	Parameters []ParamDecl `yaml:"parameters"`
}

// ParamDecl declares one forwarded alias parameter.
type ParamDecl struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// Phrase declares one deterministic phrasing for an alias or base command.
type Phrase struct {
	Phrase  string `yaml:"phrase"`
	Command string `yaml:"command"`
}

// Loader loads pack files into a registry and phrase table.
type Loader struct {
	reg     *registry.Registry
	phrases *resolver.PhraseTable
}

// NewLoader returns a Loader registering into reg and phrases.
func NewLoader(reg *registry.Registry, phrases *resolver.PhraseTable) *Loader {
	return &Loader{reg: reg, phrases: phrases}
}

// LoadDir loads every *.yaml / *.yml file in dir in lexical order. A file
// that fails validation is skipped with an error log; the remaining files
// still load. A missing directory is not an error — packs are optional.
func (l *Loader) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pack: failed to read directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := l.LoadFile(path); err != nil {
			slog.Error("pack: failed to load pack; skipping", "path", path, "err", err)
		}
	}
	return nil
}

// LoadFile validates and registers one pack file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pack: failed to read %s: %w", path, err)
	}

	pf, err := parse(data)
	if err != nil {
		return fmt.Errorf("pack: %s: %w", path, err)
	}

	registered := 0
	for _, cmd := range pf.Commands {
		if err := l.registerAlias(cmd); err != nil {
			slog.Error("pack: failed to register command; skipping",
				"pack", pf.Name, "command", cmd.Name, "err", err)
			continue
		}
		registered++
	}
	for _, p := range pf.Phrases {
		l.phrases.Add(p.Phrase, p.Command, nil)
	}

	slog.Info("pack: loaded",
		"pack", pf.Name, "path", path,
		"commands", registered, "phrases", len(pf.Phrases))
	return nil
}

// parse validates raw YAML against the pack schema, then decodes it.
func parse(data []byte) (*File, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	// The schema validator expects JSON-decoded value shapes; round-trip the
	// YAML value through encoding/json to normalize ints and key types.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize pack document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalize pack document: %w", err)
	}
	if err := compiledPackSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("pack does not match schema: %w", err)
	}

	pf := &File{}
	if err := yaml.Unmarshal(data, pf); err != nil {
		return nil, fmt.Errorf("failed to decode pack: %w", err)
	}
	return pf, nil
}

// registerAlias turns a pack command into a registry spec whose handler
// delegates to the target command with the fixed parameters merged in.
func (l *Loader) registerAlias(cmd Command) error {
	if _, err := l.reg.Lookup(cmd.Target); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	danger := registry.LevelSafe
	if cmd.Danger != "" {
		parsed, err := registry.ParseLevel(cmd.Danger)
		if err != nil {
			return err
		}
		danger = parsed
	}

	params := make([]registry.Param, 0, len(cmd.Parameters))
	for _, p := range cmd.Parameters {
		params = append(params, registry.Param{
			Name:     p.Name,
			Type:     registry.Type(p.Type),
			Required: p.Required,
		})
	}

	spec := registry.Spec{
		Name:    cmd.Name,
		Summary: cmd.Summary,
		Params:  params,
		Danger:  danger,
		Handler: l.aliasHandler(cmd.Target, cmd.Params),
	}
	return l.reg.Replace(spec)
}

// aliasHandler resolves the target at dispatch time, so a hot-reloaded target
// definition takes effect without re-registering its aliases.
func (l *Loader) aliasHandler(target string, fixed map[string]any) registry.Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		spec, err := l.reg.Lookup(target)
		if err != nil {
			return nil, fmt.Errorf("alias target: %w", err)
		}

		merged := make(map[string]any, len(params)+len(fixed))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range fixed {
			merged[k] = v
		}
		coerced, err := spec.CoerceParams(merged)
		if err != nil {
			return nil, err
		}
		return spec.Handler(ctx, coerced)
	}
}

// isPackFile reports whether name looks like a pack file.
func isPackFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
