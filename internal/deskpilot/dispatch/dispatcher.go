// Package dispatch executes approved intents against their registered
// handlers.
//
// The dispatcher runs one intent to completion before accepting the next:
// handlers mutate shared OS-level state (clipboard, focused window, volume)
// and interleaved execution could corrupt it. Interactive dispatches,
// macro replay, and scheduler firings all serialize through the same
// Dispatcher.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskpilot-app/deskpilot/common/trace"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
)

// ErrHandlerFailure wraps any error (or recovered panic) raised by a command
// handler. Handler failures never propagate past the dispatcher boundary.
var ErrHandlerFailure = errors.New("dispatch: handler failure")

// ErrNotRegistered marks a dispatch of an unregistered command. The resolver
// validates commands before dispatch, so hitting this is an internal
// contract violation, not a user error.
var ErrNotRegistered = errors.New("dispatch: command not registered")

// Result is the outcome of one dispatch. Ephemeral — one per call.
type Result struct {
	// Command is the dispatched command name.
	Command string
	// Success reports whether the handler completed without error.
	Success bool
	// Output is the handler's return value, when any.
	Output any
	// Err is the failure cause; nil on success. Wraps ErrHandlerFailure or
	// ErrNotRegistered.
	Err error
}

// History receives one record per dispatch for the persistent command
// history. A nil History disables recording.
type History interface {
	RecordDispatch(ctx context.Context, traceID, rawText, command string, success bool, detail string) error
}

// Dispatcher looks up handlers through the registry and invokes them with
// coerced parameters, one at a time.
type Dispatcher struct {
	reg     *registry.Registry
	history History
	mu      sync.Mutex
}

// New returns a Dispatcher over reg. history may be nil.
func New(reg *registry.Registry, history History) *Dispatcher {
	return &Dispatcher{reg: reg, history: history}
}

// Dispatch executes the intent's handler and returns the Result.
//
// Precondition: the intent has passed the safety gate. Dispatch does not
// re-evaluate danger levels; callers own that ordering.
func (d *Dispatcher) Dispatch(ctx context.Context, intent resolver.Intent) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	result := d.run(ctx, intent)

	detail := ""
	if result.Err != nil {
		detail = result.Err.Error()
	}
	slog.Info("dispatch: command executed",
		"command", intent.Command,
		"success", result.Success,
		"duration_ms", time.Since(start).Milliseconds(),
		"trace_id", trace.FromContext(ctx),
	)
	if d.history != nil {
		if err := d.history.RecordDispatch(ctx, trace.FromContext(ctx),
			intent.RawText, intent.Command, result.Success, detail); err != nil {
			slog.Error("dispatch: failed to record history", "err", err)
		}
	}
	return result
}

// run performs the lookup, coercion, and handler call with panic recovery.
func (d *Dispatcher) run(ctx context.Context, intent resolver.Intent) (result Result) {
	result.Command = intent.Command

	spec, err := d.reg.Lookup(intent.Command)
	if err != nil {
		// Should be impossible: the resolver rejects unregistered commands.
		slog.Error("dispatch: intent references unregistered command",
			"command", intent.Command)
		result.Err = fmt.Errorf("%w: %s", ErrNotRegistered, intent.Command)
		return result
	}

	params, err := spec.CoerceParams(intent.Parameters)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrHandlerFailure, err)
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: handler panicked",
				"command", intent.Command, "panic", r)
			result.Success = false
			result.Output = nil
			result.Err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
		}
	}()

	output, err := spec.Handler(ctx, params)
	if err != nil {
		result.Err = fmt.Errorf("%w: %v", ErrHandlerFailure, err)
		return result
	}

	result.Success = true
	result.Output = output
	return result
}
