package plugin

import (
	"context"
	"fmt"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
)

// Actions is the OS automation layer the builtin commands delegate to. The
// real implementation shells out to platform tooling; tests inject fakes.
type Actions interface {
	LockSystem(ctx context.Context) error
	OpenApplication(ctx context.Context, app string) error
	CloseApplication(ctx context.Context, app string) error
	OpenURL(ctx context.Context, url string) error
	WebSearch(ctx context.Context, query string) error
	SetVolumeLevel(ctx context.Context, level int) error
	AdjustVolume(ctx context.Context, direction string) error
	TakeScreenshot(ctx context.Context) (string, error)
	TypeText(ctx context.Context, text string) error
	PressHotkey(ctx context.Context, keys string) error
	SystemInfo(ctx context.Context, field string) (string, error)
	DeleteFiles(ctx context.Context, path string) error
	EmptyRecycleBin(ctx context.Context) error
	SleepSystem(ctx context.Context) error
	ShutdownSystem(ctx context.Context) error
	RestartSystem(ctx context.Context) error
}

// Builtin is the default command vocabulary.
type Builtin struct {
	actions Actions
}

// NewBuiltin returns the builtin plugin over the given OS layer.
func NewBuiltin(actions Actions) *Builtin {
	return &Builtin{actions: actions}
}

// Name implements Plugin.
func (b *Builtin) Name() string { return "builtin" }

// Commands implements Plugin. Danger levels here are defaults; the config
// layer may tighten them per command.
func (b *Builtin) Commands() []registry.Spec {
	return []registry.Spec{
		{
			Name:    "lock_system",
			Summary: "Lock the screen",
			Danger:  registry.LevelSafe,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return nil, b.actions.LockSystem(ctx)
			},
		},
		{
			Name:    "open_application",
			Summary: "Launch an application by name",
			Params: []registry.Param{
				{Name: "app", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.OpenApplication(ctx, p["app"].(string))
			},
		},
		{
			Name:    "close_application",
			Summary: "Close a running application by name",
			Params: []registry.Param{
				{Name: "app", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.CloseApplication(ctx, p["app"].(string))
			},
		},
		{
			Name:    "open_url",
			Summary: "Open a URL in the default browser",
			Params: []registry.Param{
				{Name: "url", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.OpenURL(ctx, p["url"].(string))
			},
		},
		{
			Name:    "web_search",
			Summary: "Search the web for a query",
			Params: []registry.Param{
				{Name: "query", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.WebSearch(ctx, p["query"].(string))
			},
		},
		{
			Name:    "set_volume",
			Summary: "Set the volume to a level (0-100) or nudge it up/down",
			Params: []registry.Param{
				{Name: "level", Type: registry.TypeInt},
				{Name: "direction", Type: registry.TypeString},
			},
			Danger:  registry.LevelSafe,
			Handler: b.setVolume,
		},
		{
			Name:    "take_screenshot",
			Summary: "Capture the screen to a file",
			Danger:  registry.LevelSafe,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return b.actions.TakeScreenshot(ctx)
			},
		},
		{
			Name:    "type_text",
			Summary: "Type text into the focused window",
			Params: []registry.Param{
				{Name: "text", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.TypeText(ctx, p["text"].(string))
			},
		},
		{
			Name:    "press_hotkey",
			Summary: "Press a key combination, e.g. ctrl+shift+t",
			Params: []registry.Param{
				{Name: "keys", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.PressHotkey(ctx, p["keys"].(string))
			},
		},
		{
			Name:    "get_system_info",
			Summary: "Report system information (time, battery, cpu, memory, disk)",
			Params: []registry.Param{
				{Name: "field", Type: registry.TypeString},
			},
			Danger: registry.LevelSafe,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				field, _ := p["field"].(string)
				if field == "" {
					field = "summary"
				}
				return b.actions.SystemInfo(ctx, field)
			},
		},
		{
			Name:    "delete_files",
			Summary: "Delete a file or folder",
			Params: []registry.Param{
				{Name: "path", Type: registry.TypeString, Required: true},
			},
			Danger: registry.LevelConfirm,
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				return nil, b.actions.DeleteFiles(ctx, p["path"].(string))
			},
		},
		{
			Name:    "empty_recycle_bin",
			Summary: "Permanently empty the recycle bin",
			Danger:  registry.LevelConfirm,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return nil, b.actions.EmptyRecycleBin(ctx)
			},
		},
		{
			Name:    "sleep_system",
			Summary: "Put the computer to sleep",
			Danger:  registry.LevelSafe,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return nil, b.actions.SleepSystem(ctx)
			},
		},
		{
			Name:    "shutdown_system",
			Summary: "Shut the computer down",
			Danger:  registry.LevelConfirm,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return nil, b.actions.ShutdownSystem(ctx)
			},
		},
		{
			Name:    "restart_system",
			Summary: "Restart the computer",
			Danger:  registry.LevelConfirm,
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return nil, b.actions.RestartSystem(ctx)
			},
		},
	}
}

// setVolume routes between the absolute and relative volume actions.
func (b *Builtin) setVolume(ctx context.Context, p map[string]any) (any, error) {
	if level, ok := p["level"].(int); ok {
		if level < 0 || level > 100 {
			return nil, fmt.Errorf("volume level %d out of range [0, 100]", level)
		}
		return nil, b.actions.SetVolumeLevel(ctx, level)
	}
	if direction, ok := p["direction"].(string); ok {
		if direction != "up" && direction != "down" {
			return nil, fmt.Errorf("volume direction %q must be up or down", direction)
		}
		return nil, b.actions.AdjustVolume(ctx, direction)
	}
	return nil, fmt.Errorf("set_volume needs a level or a direction")
}
