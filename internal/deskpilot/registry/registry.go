// Package registry holds the command vocabulary for deskpilot.
//
// Every action the system can perform — whether contributed by the builtin
// plugin, an external plugin, or a declarative command pack — is described by
// a Spec and registered here under a unique name. The resolver validates
// AI-proposed intents against this registry, the safety gate reads danger
// levels from it, and the dispatcher looks up handlers through it.
//
// Registration is append-only during normal operation. Replace exists for the
// pack hot-reload path: re-registering an existing name overwrites the spec
// (last registration wins) and is logged as a warning, not treated as an
// error.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrDuplicateCommand is returned by Register when a spec with the same name
// is already present. Use Replace for intentional overwrites.
var ErrDuplicateCommand = errors.New("registry: duplicate command")

// ErrNotFound is returned by Lookup for unregistered command names.
var ErrNotFound = errors.New("registry: command not found")

// Level classifies how dangerous a command is. The safety gate derives its
// decision directly from this value.
type Level string

const (
	// LevelSafe commands dispatch without confirmation.
	LevelSafe Level = "safe"
	// LevelConfirm commands require an explicit yes from the user before
	// each dispatch.
	LevelConfirm Level = "confirm"
	// LevelForbidden commands never dispatch, regardless of confirmation.
	// Reserved for destructive operations disabled by configuration.
	LevelForbidden Level = "forbidden"
)

// ParseLevel converts a config or pack string into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelSafe:
		return LevelSafe, nil
	case LevelConfirm:
		return LevelConfirm, nil
	case LevelForbidden:
		return LevelForbidden, nil
	}
	return "", fmt.Errorf("unknown danger level %q (want safe, confirm, or forbidden)", s)
}

// Type is the declared type of a command parameter.
type Type string

const (
	TypeString   Type = "string"
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeBool     Type = "bool"
	TypeDuration Type = "duration"
)

// validTypes is the closed set of parameter types a Spec may declare.
var validTypes = map[Type]struct{}{
	TypeString: {}, TypeInt: {}, TypeFloat: {}, TypeBool: {}, TypeDuration: {},
}

// Param declares one named parameter of a command.
type Param struct {
	Name     string
	Type     Type
	Required bool
}

// Coerce converts v to the parameter's declared type. String inputs are
// parsed; numeric inputs are converted. AI backends and pack files routinely
// deliver numbers as JSON floats or quoted strings, so both are accepted.
func (p Param) Coerce(v any) (any, error) {
	switch p.Type {
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(t), nil
		case bool:
			return strconv.FormatBool(t), nil
		}

	case TypeInt:
		switch t := v.(type) {
		case int:
			return t, nil
		case int64:
			return int(t), nil
		case float64:
			if t == float64(int(t)) {
				return int(t), nil
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n, nil
			}
		}

	case TypeFloat:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, nil
			}
		}

	case TypeBool:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b, nil
			}
		}

	case TypeDuration:
		switch t := v.(type) {
		case time.Duration:
			return t, nil
		case string:
			if d, err := time.ParseDuration(strings.TrimSpace(t)); err == nil {
				return d, nil
			}
		case float64:
			return time.Duration(t * float64(time.Second)), nil
		}
	}
	return nil, fmt.Errorf("parameter %q: cannot coerce %T value to %s", p.Name, v, p.Type)
}

// Handler executes a command with coerced parameters and returns an optional
// output value. Handlers are the capability references supplied by plugins;
// the dispatcher is the only caller.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Spec describes one registered command.
type Spec struct {
	// Name is the unique command key, e.g. "lock_system".
	Name string
	// Summary is a one-line description shown in the command catalogue the
	// AI backend receives.
	Summary string
	// Params declares the parameter schema in order.
	Params []Param
	// Danger controls the safety-gate decision for this command.
	Danger Level
	// Handler is invoked by the dispatcher with coerced parameters.
	Handler Handler
}

// Validate checks the spec for structural correctness without executing it.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("command name must not be empty")
	}
	if s.Handler == nil {
		return fmt.Errorf("command %q: handler must not be nil", s.Name)
	}
	switch s.Danger {
	case LevelSafe, LevelConfirm, LevelForbidden:
	default:
		return fmt.Errorf("command %q: invalid danger level %q", s.Name, s.Danger)
	}
	seen := make(map[string]struct{}, len(s.Params))
	for i, p := range s.Params {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("command %q: params[%d]: name must not be empty", s.Name, i)
		}
		if _, ok := validTypes[p.Type]; !ok {
			return fmt.Errorf("command %q: param %q: invalid type %q", s.Name, p.Name, p.Type)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("command %q: duplicate param %q", s.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// CoerceParams validates raw parameters against the schema and returns a new
// map with every value converted to its declared type. Required parameters
// must be present; parameters not declared in the schema are dropped with a
// warning so a confused backend cannot smuggle extra inputs to a handler.
func (s Spec) CoerceParams(raw map[string]any) (map[string]any, error) {
	coerced := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		v, ok := raw[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("command %q: missing required parameter %q", s.Name, p.Name)
			}
			continue
		}
		cv, err := p.Coerce(v)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", s.Name, err)
		}
		coerced[p.Name] = cv
	}
	for name := range raw {
		if !s.declares(name) {
			slog.Warn("registry: dropping undeclared parameter",
				"command", s.Name, "param", name)
		}
	}
	return coerced, nil
}

func (s Spec) declares(name string) bool {
	for _, p := range s.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Registry is the process-wide command table. It is safe for concurrent use:
// pack hot reloads register from the watcher goroutine while the resolver and
// dispatcher read from the orchestration loop.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a new command. It fails with ErrDuplicateCommand when the
// name is already present.
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, spec.Name)
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Replace registers spec, overwriting any existing command with the same
// name. Overwrites keep the original registration-order position and are
// logged as warnings. This is the pack hot-reload path.
func (r *Registry) Replace(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		slog.Warn("registry: command replaced", "command", spec.Name)
	} else {
		r.order = append(r.order, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, nil
}

// List returns all registered specs in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the registered command names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SetDanger overrides the danger level of a registered command. Used by the
// config layer to force confirmation on — or disable outright — commands the
// operator considers destructive.
func (r *Registry) SetDanger(name string, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if spec.Danger != level {
		slog.Info("registry: danger level overridden",
			"command", name, "from", spec.Danger, "to", level)
		spec.Danger = level
		r.specs[name] = spec
	}
	return nil
}
