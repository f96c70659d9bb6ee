// Package macro records sequences of resolved intents and replays them on
// demand.
//
// Recording is observational: the orchestration loop feeds every dispatched
// intent to Observe while a recording is open, so a macro captures exactly
// what ran, in order. Replay does not trust the recording's age — every step
// re-enters the safety gate at play time, so a command that was reclassified
// as forbidden since recording is blocked, and confirm-level steps prompt
// again (or are skipped when replay is unattended).
package macro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

// ErrAlreadyRecording is returned when StartRecording is called while a
// recording is open.
var ErrAlreadyRecording = errors.New("macro: already recording")

// ErrNotRecording is returned when StopRecording is called with no open
// recording.
var ErrNotRecording = errors.New("macro: not recording")

// ErrDuplicateMacro is returned when a recording would overwrite a stored
// macro. Macros are immutable; delete first to re-record.
var ErrDuplicateMacro = errors.New("macro: name already exists")

// Replay failure policies.
const (
	// PolicyContinue keeps replaying after a failed step.
	PolicyContinue = "continue"
	// PolicyAbort stops the replay at the first failed step.
	PolicyAbort = "abort"
)

// StepStatus is the replay outcome of one recorded step.
type StepStatus string

const (
	StepDispatched StepStatus = "dispatched"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepBlocked    StepStatus = "blocked"
)

// StepResult is one step's replay outcome.
type StepResult struct {
	Command string
	Status  StepStatus
	Err     error
}

// Report summarises one replay.
type Report struct {
	Macro string
	Steps []StepResult
}

// Failed returns the number of steps that failed or were blocked.
func (r *Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepFailed || s.Status == StepBlocked {
			n++
		}
	}
	return n
}

// Confirmer collects a yes/no answer for a confirm-level step during replay.
// A nil Confirmer means unattended replay: confirm-level steps are skipped
// with a warning.
type Confirmer interface {
	Confirm(ctx context.Context, intent resolver.Intent) (bool, error)
}

// MacroStore persists macros. Implemented by the SQLite store.
type MacroStore interface {
	SaveMacro(ctx context.Context, m *store.Macro) error
	GetMacro(ctx context.Context, name string) (*store.Macro, error)
	MacroExists(ctx context.Context, name string) (bool, error)
	ListMacros(ctx context.Context) ([]*store.Macro, error)
	DeleteMacro(ctx context.Context, name string) error
}

// IntentDispatcher executes one approved intent. Implemented by the
// dispatcher.
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intent resolver.Intent) dispatch.Result
}

// Engine records and replays macros.
type Engine struct {
	macros MacroStore
	gate   *gate.Gate
	disp   IntentDispatcher
	policy string

	mu   sync.Mutex
	name string // open recording name; "" when idle
	rec  []resolver.Intent
}

// New returns an Engine. defaultPolicy is applied to newly recorded macros;
// pass "" for PolicyContinue.
func New(macros MacroStore, g *gate.Gate, disp IntentDispatcher, defaultPolicy string) *Engine {
	if defaultPolicy == "" {
		defaultPolicy = PolicyContinue
	}
	return &Engine{macros: macros, gate: g, disp: disp, policy: defaultPolicy}
}

// StartRecording opens a recording under name. Fails with
// ErrAlreadyRecording when one is open and ErrDuplicateMacro when a stored
// macro already holds the name.
func (e *Engine) StartRecording(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.name != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyRecording, e.name)
	}
	exists, err := e.macros.MacroExists(ctx, name)
	if err != nil {
		return fmt.Errorf("macro: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMacro, name)
	}

	e.name = name
	e.rec = nil
	slog.Info("macro: recording started", "name", name)
	return nil
}

// Observe appends a dispatched intent to the open recording. A no-op when
// nothing is recording, so the orchestration loop can call it
// unconditionally.
func (e *Engine) Observe(intent resolver.Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.name == "" {
		return
	}
	e.rec = append(e.rec, intent)
}

// Recording reports the open recording's name, if any.
func (e *Engine) Recording() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name, e.name != ""
}

// StopRecording closes the open recording and persists it.
func (e *Engine) StopRecording(ctx context.Context) (*store.Macro, error) {
	e.mu.Lock()
	if e.name == "" {
		e.mu.Unlock()
		return nil, ErrNotRecording
	}
	m := &store.Macro{
		Name:      e.name,
		Steps:     e.rec,
		Policy:    e.policy,
		CreatedAt: time.Now(),
	}
	e.name = ""
	e.rec = nil
	e.mu.Unlock()

	if err := e.macros.SaveMacro(ctx, m); err != nil {
		return nil, fmt.Errorf("macro: %w", err)
	}
	slog.Info("macro: recording saved", "name", m.Name, "steps", len(m.Steps))
	return m, nil
}

// Play replays a stored macro in recorded order. Each step re-enters the
// safety gate: forbidden steps are blocked, confirm-level steps go through
// confirm (skipped when confirm is nil). The macro's failure policy decides
// whether a failed or blocked step aborts the remainder.
//
// Returns store.ErrMacroNotFound when no macro holds the name.
func (e *Engine) Play(ctx context.Context, name string, confirm Confirmer) (*Report, error) {
	m, err := e.macros.GetMacro(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("macro: %w", err)
	}

	slog.Info("macro: replay started",
		"name", m.Name, "steps", len(m.Steps), "policy", m.Policy)
	report := &Report{Macro: m.Name}
	for i, step := range m.Steps {
		result := e.playStep(ctx, step, confirm)
		report.Steps = append(report.Steps, result)

		if result.Status == StepFailed || result.Status == StepBlocked {
			slog.Warn("macro: step did not complete",
				"name", m.Name, "step", i, "command", step.Command,
				"status", result.Status, "err", result.Err)
			if m.Policy == PolicyAbort {
				slog.Warn("macro: replay aborted by policy",
					"name", m.Name, "completed", i+1, "total", len(m.Steps))
				return report, nil
			}
		}
	}
	return report, nil
}

// playStep runs one recorded step through the gate and dispatcher.
func (e *Engine) playStep(ctx context.Context, step resolver.Intent, confirm Confirmer) StepResult {
	decision, ticket, err := e.gate.Evaluate(ctx, step)
	if err != nil {
		return StepResult{Command: step.Command, Status: StepBlocked, Err: err}
	}

	switch decision {
	case gate.Forbidden:
		return StepResult{
			Command: step.Command,
			Status:  StepBlocked,
			Err:     fmt.Errorf("%w: %s", gate.ErrForbidden, step.Command),
		}

	case gate.NeedsConfirmation:
		if confirm == nil {
			slog.Warn("macro: step needs confirmation; skipped in unattended replay",
				"command", step.Command)
			if derr := e.gate.Deny(ctx, ticket.ID); derr != nil {
				slog.Error("macro: failed to discard ticket", "err", derr)
			}
			return StepResult{Command: step.Command, Status: StepSkipped}
		}
		yes, err := confirm.Confirm(ctx, step)
		if err != nil {
			return StepResult{Command: step.Command, Status: StepFailed, Err: err}
		}
		if !yes {
			if derr := e.gate.Deny(ctx, ticket.ID); derr != nil {
				slog.Error("macro: failed to discard ticket", "err", derr)
			}
			return StepResult{Command: step.Command, Status: StepSkipped}
		}
		approved, err := e.gate.Approve(ctx, ticket.ID)
		if err != nil {
			return StepResult{Command: step.Command, Status: StepBlocked, Err: err}
		}
		step = *approved
	}

	result := e.disp.Dispatch(ctx, step)
	if result.Err != nil {
		return StepResult{Command: step.Command, Status: StepFailed, Err: result.Err}
	}
	return StepResult{Command: step.Command, Status: StepDispatched}
}

// List returns all stored macros.
func (e *Engine) List(ctx context.Context) ([]*store.Macro, error) {
	macros, err := e.macros.ListMacros(ctx)
	if err != nil {
		return nil, fmt.Errorf("macro: %w", err)
	}
	return macros, nil
}

// Delete removes a stored macro. Returns store.ErrMacroNotFound when absent.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if err := e.macros.DeleteMacro(ctx, name); err != nil {
		return fmt.Errorf("macro: %w", err)
	}
	slog.Info("macro: deleted", "name", name)
	return nil
}

// Unattended adapts an Engine to the scheduler's MacroPlayer: replay with no
// confirmer, so confirm-level steps are skipped.
type Unattended struct {
	Engine *Engine
}

// Play replays name unattended. The per-step outcomes are logged by the
// engine; only a whole-replay failure (missing macro, store error) surfaces.
func (u Unattended) Play(ctx context.Context, name string) error {
	_, err := u.Engine.Play(ctx, name, nil)
	return err
}
