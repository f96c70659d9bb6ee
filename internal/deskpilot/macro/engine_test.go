package macro_test

import (
	"context"
	"errors"
	"testing"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/macro"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

// scriptedDispatcher records dispatches and fails the commands listed in
// failing.
type scriptedDispatcher struct {
	dispatched []string
	failing    map[string]bool
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, intent resolver.Intent) dispatch.Result {
	d.dispatched = append(d.dispatched, intent.Command)
	if d.failing[intent.Command] {
		return dispatch.Result{Command: intent.Command, Err: dispatch.ErrHandlerFailure}
	}
	return dispatch.Result{Command: intent.Command, Success: true}
}

type alwaysYes struct{}

func (alwaysYes) Confirm(ctx context.Context, intent resolver.Intent) (bool, error) {
	return true, nil
}

type fixture struct {
	engine *macro.Engine
	disp   *scriptedDispatcher
	reg    *registry.Registry
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	handler := func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }
	for _, s := range []registry.Spec{
		{Name: "open_application", Danger: registry.LevelSafe,
			Params:  []registry.Param{{Name: "app", Type: registry.TypeString, Required: true}},
			Handler: handler},
		{Name: "set_volume", Danger: registry.LevelSafe,
			Params:  []registry.Param{{Name: "level", Type: registry.TypeInt}},
			Handler: handler},
		{Name: "lock_system", Danger: registry.LevelSafe, Handler: handler},
		{Name: "delete_files", Danger: registry.LevelConfirm,
			Params:  []registry.Param{{Name: "path", Type: registry.TypeString, Required: true}},
			Handler: handler},
	} {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	disp := &scriptedDispatcher{failing: make(map[string]bool)}
	g := gate.New(reg, 0)
	return &fixture{
		engine: macro.New(st, g, disp, policy),
		disp:   disp,
		reg:    reg,
	}
}

func step(command string, params map[string]any) resolver.Intent {
	return resolver.Intent{Command: command, Parameters: params, Confidence: 1, RawText: command}
}

func record(t *testing.T, f *fixture, name string, steps ...resolver.Intent) {
	t.Helper()
	ctx := context.Background()
	if err := f.engine.StartRecording(ctx, name); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	for _, s := range steps {
		f.engine.Observe(s)
	}
	if _, err := f.engine.StopRecording(ctx); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
}

func TestRecordAndReplayOrder(t *testing.T) {
	f := newFixture(t, "")
	record(t, f, "morning",
		step("open_application", map[string]any{"app": "spotify"}),
		step("set_volume", map[string]any{"level": 30}),
		step("lock_system", nil),
	)

	report, err := f.engine.Play(context.Background(), "morning", nil)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	want := []string{"open_application", "set_volume", "lock_system"}
	if len(f.disp.dispatched) != len(want) {
		t.Fatalf("expected %d dispatches, got %v", len(want), f.disp.dispatched)
	}
	for i, cmd := range want {
		if f.disp.dispatched[i] != cmd {
			t.Fatalf("replay order broken: %v", f.disp.dispatched)
		}
	}
	if report.Failed() != 0 {
		t.Errorf("expected clean replay, got %d failures", report.Failed())
	}
}

func TestRecordingStateErrors(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	if _, err := f.engine.StopRecording(ctx); !errors.Is(err, macro.ErrNotRecording) {
		t.Errorf("expected ErrNotRecording, got %v", err)
	}

	if err := f.engine.StartRecording(ctx, "one"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.engine.StartRecording(ctx, "two"); !errors.Is(err, macro.ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}
	if _, err := f.engine.StopRecording(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The saved name is now taken.
	if err := f.engine.StartRecording(ctx, "one"); !errors.Is(err, macro.ErrDuplicateMacro) {
		t.Errorf("expected ErrDuplicateMacro, got %v", err)
	}
}

func TestObserveOutsideRecordingIsNoop(t *testing.T) {
	f := newFixture(t, "")
	f.engine.Observe(step("lock_system", nil))
	record(t, f, "empty-before")
	// Only the steps observed during the recording window are captured.
	m, err := f.engine.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(m) != 1 || len(m[0].Steps) != 0 {
		t.Errorf("pre-recording observation leaked into the macro: %+v", m)
	}
}

func TestPlayMissingMacro(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.engine.Play(context.Background(), "ghost", nil)
	if !errors.Is(err, store.ErrMacroNotFound) {
		t.Fatalf("expected ErrMacroNotFound, got %v", err)
	}
}

func TestPlayContinuePolicy(t *testing.T) {
	f := newFixture(t, macro.PolicyContinue)
	record(t, f, "mixed",
		step("open_application", map[string]any{"app": "a"}),
		step("set_volume", map[string]any{"level": 10}),
		step("lock_system", nil),
	)
	f.disp.failing["set_volume"] = true

	report, err := f.engine.Play(context.Background(), "mixed", nil)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(f.disp.dispatched) != 3 {
		t.Fatalf("continue policy must run all steps, got %v", f.disp.dispatched)
	}
	if report.Failed() != 1 {
		t.Errorf("expected 1 failed step, got %d", report.Failed())
	}
}

func TestPlayAbortPolicy(t *testing.T) {
	f := newFixture(t, macro.PolicyAbort)
	record(t, f, "fragile",
		step("open_application", map[string]any{"app": "a"}),
		step("set_volume", map[string]any{"level": 10}),
		step("lock_system", nil),
	)
	f.disp.failing["set_volume"] = true

	report, err := f.engine.Play(context.Background(), "fragile", nil)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(f.disp.dispatched) != 2 {
		t.Fatalf("abort policy must stop at the failure, got %v", f.disp.dispatched)
	}
	if len(report.Steps) != 2 {
		t.Errorf("report must cover only attempted steps, got %d", len(report.Steps))
	}
}

func TestPlayReEvaluatesGate(t *testing.T) {
	f := newFixture(t, "")
	record(t, f, "cleanup",
		step("delete_files", map[string]any{"path": "/tmp/x"}),
		step("lock_system", nil),
	)

	t.Run("unattended skips confirm steps", func(t *testing.T) {
		f.disp.dispatched = nil
		report, err := f.engine.Play(context.Background(), "cleanup", nil)
		if err != nil {
			t.Fatalf("play: %v", err)
		}
		if len(f.disp.dispatched) != 1 || f.disp.dispatched[0] != "lock_system" {
			t.Fatalf("expected only the safe step, got %v", f.disp.dispatched)
		}
		if report.Steps[0].Status != macro.StepSkipped {
			t.Errorf("confirm step must be skipped, got %s", report.Steps[0].Status)
		}
	})

	t.Run("confirmer approves confirm steps", func(t *testing.T) {
		f.disp.dispatched = nil
		_, err := f.engine.Play(context.Background(), "cleanup", alwaysYes{})
		if err != nil {
			t.Fatalf("play: %v", err)
		}
		if len(f.disp.dispatched) != 2 {
			t.Fatalf("expected both steps, got %v", f.disp.dispatched)
		}
	})

	t.Run("reclassified command is blocked", func(t *testing.T) {
		if err := f.reg.SetDanger("delete_files", registry.LevelForbidden); err != nil {
			t.Fatalf("set danger: %v", err)
		}
		f.disp.dispatched = nil
		report, err := f.engine.Play(context.Background(), "cleanup", alwaysYes{})
		if err != nil {
			t.Fatalf("play: %v", err)
		}
		if len(f.disp.dispatched) != 1 || f.disp.dispatched[0] != "lock_system" {
			t.Fatalf("forbidden step must not dispatch, got %v", f.disp.dispatched)
		}
		if report.Steps[0].Status != macro.StepBlocked {
			t.Errorf("expected blocked status, got %s", report.Steps[0].Status)
		}
	})
}

func TestDeleteMacro(t *testing.T) {
	f := newFixture(t, "")
	record(t, f, "gone", step("lock_system", nil))

	if err := f.engine.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.engine.Delete(context.Background(), "gone"); !errors.Is(err, store.ErrMacroNotFound) {
		t.Errorf("expected ErrMacroNotFound, got %v", err)
	}
	// The name is recordable again.
	if err := f.engine.StartRecording(context.Background(), "gone"); err != nil {
		t.Errorf("name must be free after delete: %v", err)
	}
}
