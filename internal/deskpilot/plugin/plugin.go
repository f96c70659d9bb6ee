// Package plugin defines the capability extension point: a plugin contributes
// named commands to the registry. The builtin plugin carries the default
// vocabulary; additional plugins can add app-specific commands the same way.
package plugin

import (
	"fmt"
	"log/slog"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
)

// Plugin contributes commands to the registry.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string
	// Commands returns the specs the plugin provides. Called once at
	// registration time.
	Commands() []registry.Spec
}

// RegisterAll registers every plugin's commands. Duplicate command names
// across plugins are an error — packs may alias, plugins may not collide.
func RegisterAll(reg *registry.Registry, plugins ...Plugin) error {
	for _, p := range plugins {
		specs := p.Commands()
		for _, spec := range specs {
			if err := reg.Register(spec); err != nil {
				return fmt.Errorf("plugin %s: %w", p.Name(), err)
			}
		}
		slog.Info("plugin: registered", "plugin", p.Name(), "commands", len(specs))
	}
	return nil
}
