package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// LocalActions implements Actions with best-effort shell-outs to the host's
// desktop tooling. Linux desktops are the primary target; macOS gets the
// obvious equivalents. Anything the platform can't do returns an error the
// dispatcher reports like any other handler failure.
type LocalActions struct {
	// ScreenshotDir is where screenshots land. Empty means the home
	// directory.
	ScreenshotDir string
}

// NewLocalActions returns the host OS automation layer.
func NewLocalActions() *LocalActions {
	return &LocalActions{}
}

func (a *LocalActions) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (a *LocalActions) LockSystem(ctx context.Context) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "pmset", "displaysleepnow")
	}
	return a.run(ctx, "loginctl", "lock-session")
}

func (a *LocalActions) OpenApplication(ctx context.Context, app string) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "open", "-a", app)
	}
	// gtk-launch resolves .desktop entries; fall back to the bare name.
	if err := a.run(ctx, "gtk-launch", app); err == nil {
		return nil
	}
	return a.run(ctx, app)
}

func (a *LocalActions) CloseApplication(ctx context.Context, app string) error {
	return a.run(ctx, "pkill", "-f", app)
}

func (a *LocalActions) OpenURL(ctx context.Context, url string) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "open", url)
	}
	return a.run(ctx, "xdg-open", url)
}

func (a *LocalActions) WebSearch(ctx context.Context, query string) error {
	return a.OpenURL(ctx, "https://duckduckgo.com/?q="+strings.ReplaceAll(query, " ", "+"))
}

func (a *LocalActions) SetVolumeLevel(ctx context.Context, level int) error {
	return a.run(ctx, "pactl", "set-sink-volume", "@DEFAULT_SINK@", fmt.Sprintf("%d%%", level))
}

func (a *LocalActions) AdjustVolume(ctx context.Context, direction string) error {
	delta := "+5%"
	if direction == "down" {
		delta = "-5%"
	}
	return a.run(ctx, "pactl", "set-sink-volume", "@DEFAULT_SINK@", delta)
}

func (a *LocalActions) TakeScreenshot(ctx context.Context) (string, error) {
	dir := a.ScreenshotDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = home
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot-%s.png", time.Now().Format("20060102-150405")))
	if runtime.GOOS == "darwin" {
		if err := a.run(ctx, "screencapture", path); err != nil {
			return "", err
		}
		return "Saved screenshot to " + path, nil
	}
	if err := a.run(ctx, "import", "-window", "root", path); err != nil {
		return "", err
	}
	return "Saved screenshot to " + path, nil
}

func (a *LocalActions) TypeText(ctx context.Context, text string) error {
	return a.run(ctx, "xdotool", "type", "--delay", "25", text)
}

func (a *LocalActions) PressHotkey(ctx context.Context, keys string) error {
	return a.run(ctx, "xdotool", "key", keys)
}

func (a *LocalActions) SystemInfo(ctx context.Context, field string) (string, error) {
	switch field {
	case "time":
		now := time.Now()
		return fmt.Sprintf("It's %s on %s.", now.Format("15:04"), now.Format("Monday, January 2")), nil
	case "hostname":
		h, err := os.Hostname()
		return h, err
	default:
		out, err := exec.CommandContext(ctx, "uptime").Output()
		if err != nil {
			return "", fmt.Errorf("uptime: %w", err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}

func (a *LocalActions) DeleteFiles(ctx context.Context, path string) error {
	// Trash rather than unlink; delete_files is confirm-gated but still
	// recoverable this way.
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "osascript", "-e",
			fmt.Sprintf(`tell application "Finder" to delete POSIX file %q`, path))
	}
	return a.run(ctx, "gio", "trash", path)
}

func (a *LocalActions) EmptyRecycleBin(ctx context.Context) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "osascript", "-e", `tell application "Finder" to empty trash`)
	}
	return a.run(ctx, "gio", "trash", "--empty")
}

func (a *LocalActions) SleepSystem(ctx context.Context) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "pmset", "sleepnow")
	}
	return a.run(ctx, "systemctl", "suspend")
}

func (a *LocalActions) ShutdownSystem(ctx context.Context) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "osascript", "-e", `tell app "System Events" to shut down`)
	}
	return a.run(ctx, "systemctl", "poweroff")
}

func (a *LocalActions) RestartSystem(ctx context.Context) error {
	if runtime.GOOS == "darwin" {
		return a.run(ctx, "osascript", "-e", `tell app "System Events" to restart`)
	}
	return a.run(ctx, "systemctl", "reboot")
}
