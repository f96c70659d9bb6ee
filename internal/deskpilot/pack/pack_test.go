package pack_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/pack"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
)

const spotifyPack = `name: spotify
commands:
  - name: spotify_pause
    summary: Pause Spotify playback
    target: press_hotkey
    params:
      keys: XF86AudioPlay
  - name: spotify_quiet
    summary: Drop the volume for a call
    target: set_volume
    params:
      level: 15
phrases:
  - phrase: pause the music
    command: spotify_pause
`

type fixture struct {
	reg     *registry.Registry
	phrases *resolver.PhraseTable
	loader  *pack.Loader
	hotkeys []string
	volumes []any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(),
		phrases: resolver.NewPhraseTable(),
	}
	specs := []registry.Spec{
		{
			Name:   "press_hotkey",
			Danger: registry.LevelSafe,
			Params: []registry.Param{{Name: "keys", Type: registry.TypeString, Required: true}},
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				f.hotkeys = append(f.hotkeys, p["keys"].(string))
				return nil, nil
			},
		},
		{
			Name:   "set_volume",
			Danger: registry.LevelSafe,
			Params: []registry.Param{{Name: "level", Type: registry.TypeInt}},
			Handler: func(ctx context.Context, p map[string]any) (any, error) {
				f.volumes = append(f.volumes, p["level"])
				return nil, nil
			},
		},
	}
	for _, s := range specs {
		if err := f.reg.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	f.loader = pack.NewLoader(f.reg, f.phrases)
	return f
}

func writePack(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}
	return path
}

func TestLoadFileRegistersAliasesAndPhrases(t *testing.T) {
	f := newFixture(t)
	path := writePack(t, t.TempDir(), "spotify.yaml", spotifyPack)

	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	spec, err := f.reg.Lookup("spotify_pause")
	if err != nil {
		t.Fatalf("alias not registered: %v", err)
	}
	if spec.Danger != registry.LevelSafe {
		t.Errorf("danger must default to safe, got %s", spec.Danger)
	}

	cmd, _, ok := f.phrases.Match("Pause the music")
	if !ok || cmd != "spotify_pause" {
		t.Errorf("phrase must map to the alias, got %q %v", cmd, ok)
	}
}

func TestAliasDispatchMergesFixedParams(t *testing.T) {
	f := newFixture(t)
	path := writePack(t, t.TempDir(), "spotify.yaml", spotifyPack)
	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	spec, err := f.reg.Lookup("spotify_pause")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := spec.Handler(context.Background(), nil); err != nil {
		t.Fatalf("alias handler: %v", err)
	}
	if len(f.hotkeys) != 1 || f.hotkeys[0] != "XF86AudioPlay" {
		t.Errorf("fixed param not forwarded, got %v", f.hotkeys)
	}

	// A caller-supplied value for a fixed parameter must lose.
	quiet, err := f.reg.Lookup("spotify_quiet")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := quiet.Handler(context.Background(), map[string]any{"level": 95}); err != nil {
		t.Fatalf("alias handler: %v", err)
	}
	if len(f.volumes) != 1 || f.volumes[0] != 15 {
		t.Errorf("fixed param must win the merge, got %v", f.volumes)
	}
}

func TestAliasForwardsDeclaredParameters(t *testing.T) {
	f := newFixture(t)
	const content = `name: volume
commands:
  - name: volume_to
    target: set_volume
    parameters:
      - name: level
        type: int
        required: true
`
	path := writePack(t, t.TempDir(), "volume.yaml", content)
	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	spec, err := f.reg.Lookup("volume_to")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(spec.Params) != 1 || !spec.Params[0].Required {
		t.Fatalf("declared parameter lost: %+v", spec.Params)
	}
	if _, err := spec.Handler(context.Background(), map[string]any{"level": "40"}); err != nil {
		t.Fatalf("alias handler: %v", err)
	}
	// The target's coercion applies to forwarded values.
	if len(f.volumes) != 1 || f.volumes[0] != 40 {
		t.Errorf("forwarded param not coerced, got %v", f.volumes)
	}
}

func TestLoadFileRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing commands", "name: broken\n"},
		{"missing target", "name: broken\ncommands:\n  - name: x\n"},
		{"bad danger level", "name: broken\ncommands:\n  - name: x\n    target: set_volume\n    danger: lethal\n"},
		{"unknown top-level key", "name: broken\ncommands: []\nextras: true\n"},
		{"bad parameter type", "name: broken\ncommands:\n  - name: x\n    target: set_volume\n    parameters:\n      - name: p\n        type: blob\n"},
		{"not yaml at all", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := writePack(t, t.TempDir(), "broken.yaml", tt.content)
			if err := f.loader.LoadFile(path); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}
}

func TestLoadFileSkipsUnknownTarget(t *testing.T) {
	f := newFixture(t)
	const content = `name: partial
commands:
  - name: good_alias
    target: set_volume
    params:
      level: 50
  - name: bad_alias
    target: no_such_command
`
	path := writePack(t, t.TempDir(), "partial.yaml", content)

	// The file loads; only the bad command is skipped.
	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := f.reg.Lookup("good_alias"); err != nil {
		t.Errorf("valid alias must register: %v", err)
	}
	if _, err := f.reg.Lookup("bad_alias"); err == nil {
		t.Error("alias with unknown target must not register")
	}
}

func TestLoadDirLexicalOrderLastWins(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writePack(t, dir, "a.yaml", `name: first
commands:
  - name: shortcut
    target: set_volume
    params:
      level: 10
`)
	writePack(t, dir, "b.yaml", `name: second
commands:
  - name: shortcut
    target: set_volume
    params:
      level: 20
`)

	if err := f.loader.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}
	spec, err := f.reg.Lookup("shortcut")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := spec.Handler(context.Background(), nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(f.volumes) != 1 || f.volumes[0] != 20 {
		t.Errorf("later pack must win, got %v", f.volumes)
	}
}

func TestLoadDirMissingIsNotAnError(t *testing.T) {
	f := newFixture(t)
	if err := f.loader.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing pack directory must be tolerated: %v", err)
	}
}

func TestReloadReplacesAlias(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writePack(t, dir, "p.yaml", `name: p
commands:
  - name: quiet
    target: set_volume
    params:
      level: 30
`)
	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	writePack(t, dir, "p.yaml", `name: p
commands:
  - name: quiet
    target: set_volume
    params:
      level: 5
`)
	if err := f.loader.LoadFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	spec, _ := f.reg.Lookup("quiet")
	if _, err := spec.Handler(context.Background(), nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(f.volumes) != 1 || f.volumes[0] != 5 {
		t.Errorf("reloaded definition must win, got %v", f.volumes)
	}
}
