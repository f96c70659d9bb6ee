package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deskpilot-app/deskpilot/common/environment"
	"github.com/deskpilot-app/deskpilot/common/version"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/app"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/config"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/macro"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/pack"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/plugin"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/sched"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

func main() {
	fmt.Printf("deskpilot %s\n\n", version.Info())

	setupLogging()

	cfgPath := environment.StringOr("DESKPILOT_CONFIG", "deskpilot.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := registry.New()
	builtin := plugin.NewBuiltin(plugin.NewLocalActions())
	if err := plugin.RegisterAll(reg, builtin); err != nil {
		return err
	}

	phrases := resolver.NewPhraseTable()
	loader := pack.NewLoader(reg, phrases)
	if cfg.PacksDir != "" {
		if err := loader.LoadDir(cfg.PacksDir); err != nil {
			return err
		}
	}

	// Danger overrides apply after every command source has registered.
	if err := cfg.ApplyDanger(reg); err != nil {
		return err
	}

	backend := resolver.NewOpenAIBackend(resolver.BackendConfig{
		APIKey:  cfg.Backend.APIKey,
		BaseURL: cfg.Backend.BaseURL,
		Model:   cfg.Backend.Model,
		Timeout: cfg.Backend.Timeout,
	})
	var fallback resolver.Backend
	if cfg.Backend.FallbackBaseURL != "" {
		fallback = resolver.NewOpenAIBackend(resolver.BackendConfig{
			BaseURL: cfg.Backend.FallbackBaseURL,
			Model:   cfg.Backend.FallbackModel,
			Timeout: cfg.Backend.Timeout,
		})
	}
	res := resolver.New(reg, backend, fallback, phrases, resolver.Config{
		LowConfidence:  cfg.LowConfidence,
		BackendRetries: cfg.Backend.Retries,
	})

	g := gate.New(reg, cfg.ConfirmTimeout, gate.WithSecurityLog(st))
	disp := dispatch.New(reg, st)
	engine := macro.New(st, g, disp, cfg.MacroPolicy)

	scheduler := sched.New(st, g, disp, macro.Unattended{Engine: engine})
	if err := scheduler.Load(ctx); err != nil {
		return err
	}
	go scheduler.Run(ctx)

	if cfg.PacksDir != "" {
		watcher, err := pack.NewWatcher(loader, cfg.PacksDir)
		if err != nil {
			slog.Warn("pack watcher unavailable; hot reload disabled", "err", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	a := app.New(reg, res, g, disp, engine, scheduler)
	return repl(ctx, a)
}

// repl reads utterances from stdin until EOF or shutdown.
func repl(ctx context.Context, a *app.App) error {
	fmt.Println(`Type a command ("lock the computer"), or "quit" to exit.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		reply, err := a.SubmitUtterance(ctx, line)
		if err != nil {
			slog.Error("utterance failed", "err", err)
			fmt.Println("Something went wrong — check the log.")
			continue
		}
		fmt.Println(reply)
	}
	fmt.Println("Bye.")
	return scanner.Err()
}

// setupLogging installs the default structured logger. Level comes from
// DESKPILOT_LOG_LEVEL (debug, info, warn, error).
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(environment.StringOr("DESKPILOT_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
