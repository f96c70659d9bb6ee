package sched_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/sched"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time                         { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return nil }

// countingDispatcher records every dispatched command.
type countingDispatcher struct {
	commands []string
}

func (d *countingDispatcher) Dispatch(ctx context.Context, intent resolver.Intent) dispatch.Result {
	d.commands = append(d.commands, intent.Command)
	return dispatch.Result{Command: intent.Command, Success: true}
}

// countingPlayer records replayed macro names.
type countingPlayer struct {
	played []string
}

func (p *countingPlayer) Play(ctx context.Context, name string) error {
	p.played = append(p.played, name)
	return nil
}

// recordingSecLog captures security events.
type recordingSecLog struct {
	events []string
}

func (l *recordingSecLog) RecordSecurityEvent(ctx context.Context, event, command, rawText, detail string) error {
	l.events = append(l.events, event+":"+command)
	return nil
}

type fixture struct {
	sched  *sched.Scheduler
	clk    *fakeClock
	disp   *countingDispatcher
	player *countingPlayer
	seclog *recordingSecLog
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	handler := func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }
	for _, s := range []registry.Spec{
		{Name: "lock_system", Danger: registry.LevelSafe, Handler: handler},
		{Name: "delete_files", Danger: registry.LevelConfirm, Handler: handler},
		{Name: "format_drive", Danger: registry.LevelForbidden, Handler: handler},
	} {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	clk := &fakeClock{now: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)}
	seclog := &recordingSecLog{}
	g := gate.New(reg, time.Minute, gate.WithSecurityLog(seclog))
	disp := &countingDispatcher{}
	player := &countingPlayer{}

	return &fixture{
		sched:  sched.New(st, g, disp, player, sched.WithClock(clk)),
		clk:    clk,
		disp:   disp,
		player: player,
		seclog: seclog,
		store:  st,
	}
}

func lockIntent() *resolver.Intent {
	return &resolver.Intent{Command: "lock_system", Confidence: 1, RawText: "lock"}
}

func TestSchedulePastOneShotRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Schedule(context.Background(), &store.Job{
		Kind:        store.JobKindOnce,
		FireAt:      f.clk.now.Add(-time.Minute),
		PayloadKind: store.PayloadIntent,
		Intent:      lockIntent(),
	})
	if !errors.Is(err, sched.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestScheduleInvalidCronRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Schedule(context.Background(), &store.Job{
		Kind:        store.JobKindCron,
		CronExpr:    "not a cron",
		PayloadKind: store.PayloadMacro,
		MacroName:   "m",
	})
	if !errors.Is(err, sched.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.sched.Schedule(ctx, &store.Job{
		Kind:        store.JobKindOnce,
		FireAt:      f.clk.now.Add(10 * time.Minute),
		PayloadKind: store.PayloadIntent,
		Intent:      lockIntent(),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated job ID")
	}

	// Not due yet.
	f.sched.Tick(ctx, f.clk.now.Add(5*time.Minute))
	if len(f.disp.commands) != 0 {
		t.Fatalf("job fired early: %v", f.disp.commands)
	}

	// Due: fires once.
	f.sched.Tick(ctx, f.clk.now.Add(11*time.Minute))
	if len(f.disp.commands) != 1 {
		t.Fatalf("expected exactly one firing, got %v", f.disp.commands)
	}

	// Never again.
	f.sched.Tick(ctx, f.clk.now.Add(time.Hour))
	f.sched.Tick(ctx, f.clk.now.Add(24*time.Hour))
	if len(f.disp.commands) != 1 {
		t.Fatalf("one-shot fired more than once: %v", f.disp.commands)
	}

	// And it is disabled in the store.
	jobs, _ := f.store.ListJobs(ctx)
	if len(jobs) != 1 || jobs[0].Enabled {
		t.Errorf("fired one-shot must be disabled, got %+v", jobs)
	}
}

func TestRecurringNoCatchUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.Schedule(ctx, &store.Job{
		Kind:        store.JobKindCron,
		CronExpr:    "* * * * *", // every minute
		PayloadKind: store.PayloadMacro,
		MacroName:   "morning",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Three hours pass in one jump (suspend/resume): a single firing, not
	// 180 of them.
	f.sched.Tick(ctx, f.clk.now.Add(3*time.Hour))
	if len(f.player.played) != 1 {
		t.Fatalf("expected one firing after the gap, got %d", len(f.player.played))
	}

	// The same instant again: nothing new is due.
	f.sched.Tick(ctx, f.clk.now.Add(3*time.Hour))
	if len(f.player.played) != 1 {
		t.Fatalf("duplicate firing on same tick: %d", len(f.player.played))
	}

	// The next minute boundary fires again.
	f.sched.Tick(ctx, f.clk.now.Add(3*time.Hour+time.Minute))
	if len(f.player.played) != 2 {
		t.Fatalf("expected second firing at next boundary, got %d", len(f.player.played))
	}
}

func TestScheduledConfirmPayloadSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.Schedule(ctx, &store.Job{
		Kind:        store.JobKindOnce,
		FireAt:      f.clk.now.Add(time.Minute),
		PayloadKind: store.PayloadIntent,
		Intent:      &resolver.Intent{Command: "delete_files", Parameters: map[string]any{"path": "/tmp/x"}, Confidence: 1, RawText: "clean tmp"},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	f.sched.Tick(ctx, f.clk.now.Add(2*time.Minute))
	if len(f.disp.commands) != 0 {
		t.Fatalf("confirm-level payload must not dispatch unattended: %v", f.disp.commands)
	}
}

func TestScheduledForbiddenPayloadAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.Schedule(ctx, &store.Job{
		Kind:        store.JobKindOnce,
		FireAt:      f.clk.now.Add(time.Minute),
		PayloadKind: store.PayloadIntent,
		Intent:      &resolver.Intent{Command: "format_drive", Confidence: 1, RawText: "format it"},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	f.sched.Tick(ctx, f.clk.now.Add(2*time.Minute))
	if len(f.disp.commands) != 0 {
		t.Fatalf("forbidden payload must never dispatch: %v", f.disp.commands)
	}
	if len(f.seclog.events) != 1 || f.seclog.events[0] != "forbidden_attempt:format_drive" {
		t.Errorf("expected a forbidden_attempt audit event, got %v", f.seclog.events)
	}
}

func TestCancelAndDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.sched.Schedule(ctx, &store.Job{
		Kind:        store.JobKindCron,
		CronExpr:    "* * * * *",
		PayloadKind: store.PayloadMacro,
		MacroName:   "m",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := f.sched.Disable(ctx, id); err != nil {
		t.Fatalf("disable: %v", err)
	}
	f.sched.Tick(ctx, f.clk.now.Add(time.Hour))
	if len(f.player.played) != 0 {
		t.Fatalf("disabled job fired: %v", f.player.played)
	}

	if err := f.sched.Enable(ctx, id); err != nil {
		t.Fatalf("enable: %v", err)
	}
	f.sched.Tick(ctx, f.clk.now.Add(2*time.Hour))
	if len(f.player.played) != 1 {
		t.Fatalf("re-enabled job must fire, got %v", f.player.played)
	}

	if err := f.sched.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.sched.Cancel(ctx, id); !errors.Is(err, sched.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound on second cancel, got %v", err)
	}
	if jobs, _ := f.store.ListJobs(ctx); len(jobs) != 0 {
		t.Errorf("cancelled job must leave the store, got %+v", jobs)
	}
}

func TestEnableBrokenCronRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A job persisted by an older build whose expression no longer parses.
	if err := f.store.SaveJob(ctx, &store.Job{
		ID: "bad-cron", Kind: store.JobKindCron, CronExpr: "not a cron",
		PayloadKind: store.PayloadMacro, MacroName: "m",
		Enabled: true, CreatedAt: f.clk.now,
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := f.sched.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Load disabled it; re-enabling must fail loudly, not leave a job that
	// is enabled yet never fires.
	if err := f.sched.Enable(ctx, "bad-cron"); !errors.Is(err, sched.ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
	jobs, _ := f.store.ListJobs(ctx)
	if len(jobs) != 1 || jobs[0].Enabled {
		t.Errorf("broken cron job must stay disabled, got %+v", jobs)
	}
}

func TestLoadRestoresJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Persist directly, as an earlier process would have.
	mustSave := func(j *store.Job) {
		t.Helper()
		if err := f.store.SaveJob(ctx, j); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	mustSave(&store.Job{
		ID: "cron-job", Kind: store.JobKindCron, CronExpr: "* * * * *",
		PayloadKind: store.PayloadMacro, MacroName: "m",
		Enabled: true, CreatedAt: f.clk.now,
	})
	mustSave(&store.Job{
		ID: "missed-once", Kind: store.JobKindOnce, FireAt: f.clk.now.Add(-time.Hour),
		PayloadKind: store.PayloadIntent, Intent: lockIntent(),
		Enabled: true, CreatedAt: f.clk.now,
	})

	if err := f.sched.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The missed one-shot is disabled, not fired late.
	f.sched.Tick(ctx, f.clk.now.Add(2*time.Minute))
	if len(f.disp.commands) != 0 {
		t.Errorf("missed one-shot must not fire after restart: %v", f.disp.commands)
	}
	if len(f.player.played) != 1 {
		t.Errorf("restored cron job must fire, got %v", f.player.played)
	}

	jobs := f.sched.List()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 restored jobs, got %d", len(jobs))
	}
}
