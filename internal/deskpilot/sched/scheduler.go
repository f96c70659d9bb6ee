// Package sched schedules intents and macros for future dispatch: one-shot
// jobs ("in 10 minutes") and recurring cron jobs ("every weekday at 9").
//
// Firing is unattended — there is no user at tick time to answer a
// confirmation prompt. Scheduled payloads therefore re-enter the same safety
// gate as interactive commands, but a confirm-level payload is skipped with a
// warning instead of waiting, and a forbidden payload is audit-logged and
// skipped by the gate itself.
//
// A job that was due while the process was suspended or down fires at most
// once on the next tick boundary; recurring jobs never replay missed
// occurrences, they resume from the next match after the current time.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

// ErrInvalidTrigger is returned when a job's trigger cannot fire: a malformed
// cron expression, or a one-shot time that is not in the future.
var ErrInvalidTrigger = errors.New("sched: invalid trigger")

// ErrJobNotFound is returned when the job ID is unknown to the scheduler.
var ErrJobNotFound = errors.New("sched: job not found")

// Clock abstracts time.Now and time.After so tests can advance time without
// wall-clock sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// JobStore persists scheduled jobs across restarts. Implemented by the
// SQLite store.
type JobStore interface {
	SaveJob(ctx context.Context, j *store.Job) error
	ListJobs(ctx context.Context) ([]*store.Job, error)
	DeleteJob(ctx context.Context, id string) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
}

// IntentDispatcher executes an approved intent. Implemented by the
// dispatcher.
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intent resolver.Intent) dispatch.Result
}

// MacroPlayer replays a stored macro unattended. Implemented by the macro
// engine's scheduled-play adapter.
type MacroPlayer interface {
	Play(ctx context.Context, name string) error
}

// entry is the in-memory runtime state for one persisted job.
type entry struct {
	job  *store.Job
	cron *schedule // compiled cron (job.Kind == JobKindCron)
	next time.Time // next fire; zero when the job is disabled
}

// Scheduler fires persisted jobs when their triggers come due.
type Scheduler struct {
	jobs   JobStore
	gate   *gate.Gate
	disp   IntentDispatcher
	macros MacroPlayer
	clk    Clock

	mu      sync.Mutex
	entries map[string]*entry
	wake    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a custom clock. Intended for tests.
func WithClock(c Clock) Option { return func(s *Scheduler) { s.clk = c } }

// New returns an idle Scheduler. Call Load to restore persisted jobs, then
// Run to start the tick loop.
func New(jobs JobStore, g *gate.Gate, disp IntentDispatcher, macros MacroPlayer, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    jobs,
		gate:    g,
		disp:    disp,
		macros:  macros,
		clk:     realClock{},
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now reports the scheduler's current time. Relative triggers ("in 10
// minutes") are computed against this clock, not the caller's.
func (s *Scheduler) Now() time.Time { return s.clk.Now() }

// Load restores persisted jobs and computes their next fire times. A one-shot
// job whose fire time passed while the process was down is disabled with a
// warning rather than fired late.
func (s *Scheduler) Load(ctx context.Context) error {
	persisted, err := s.jobs.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("sched: %w", err)
	}

	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range persisted {
		e := &entry{job: j}
		if j.Kind == store.JobKindCron {
			compiled, err := parseCron(j.CronExpr)
			if err != nil {
				slog.Error("sched: persisted job has invalid cron expression; disabling",
					"id", j.ID, "expression", j.CronExpr, "err", err)
				j.Enabled = false
				if derr := s.jobs.SetJobEnabled(ctx, j.ID, false); derr != nil {
					slog.Error("sched: failed to disable job", "id", j.ID, "err", derr)
				}
			}
			e.cron = compiled
		}
		if j.Enabled {
			if j.Kind == store.JobKindOnce && !j.FireAt.After(now) {
				slog.Warn("sched: one-shot fire time passed while down; disabling",
					"id", j.ID, "fire_at", j.FireAt)
				j.Enabled = false
				if derr := s.jobs.SetJobEnabled(ctx, j.ID, false); derr != nil {
					slog.Error("sched: failed to disable job", "id", j.ID, "err", derr)
				}
			} else {
				e.next = s.nextFire(e, now)
			}
		}
		s.entries[j.ID] = e
	}

	slog.Info("sched: jobs restored", "count", len(persisted))
	return nil
}

// Schedule validates, persists, and activates a new job. An empty ID is
// replaced with a fresh UUID. Returns the job ID.
func (s *Scheduler) Schedule(ctx context.Context, j *store.Job) (string, error) {
	now := s.clk.Now()
	e := &entry{job: j}

	switch j.Kind {
	case store.JobKindOnce:
		if !j.FireAt.After(now) {
			return "", fmt.Errorf("%w: fire time %s is not in the future", ErrInvalidTrigger, j.FireAt)
		}
	case store.JobKindCron:
		compiled, err := parseCron(j.CronExpr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		e.cron = compiled
	default:
		return "", fmt.Errorf("%w: unknown job kind %q", ErrInvalidTrigger, j.Kind)
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.Enabled = true

	if err := s.jobs.SaveJob(ctx, j); err != nil {
		return "", fmt.Errorf("sched: %w", err)
	}

	e.next = s.nextFire(e, now)
	s.mu.Lock()
	s.entries[j.ID] = e
	s.mu.Unlock()

	slog.Info("sched: job scheduled",
		"id", j.ID, "kind", j.Kind, "next", e.next)
	s.notify()
	return j.ID, nil
}

// Cancel removes a job permanently.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := s.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return fmt.Errorf("sched: %w", err)
	}
	slog.Info("sched: job cancelled", "id", id)
	s.notify()
	return nil
}

// Enable re-activates a disabled job. A one-shot whose fire time has passed
// and a cron job whose expression never compiled fail with ErrInvalidTrigger
// rather than sitting enabled but unable to fire.
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	now := s.clk.Now()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.Kind == store.JobKindOnce && !e.job.FireAt.After(now) {
		s.mu.Unlock()
		return fmt.Errorf("%w: fire time %s has passed", ErrInvalidTrigger, e.job.FireAt)
	}
	if e.job.Kind == store.JobKindCron && e.cron == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: cron expression %q does not parse", ErrInvalidTrigger, e.job.CronExpr)
	}
	e.job.Enabled = true
	e.next = s.nextFire(e, now)
	s.mu.Unlock()

	if err := s.jobs.SetJobEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("sched: %w", err)
	}
	s.notify()
	return nil
}

// Disable deactivates a job without removing it.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	e.job.Enabled = false
	e.next = time.Time{}
	s.mu.Unlock()

	if err := s.jobs.SetJobEnabled(ctx, id, false); err != nil {
		return fmt.Errorf("sched: %w", err)
	}
	return nil
}

// List returns a snapshot of all known jobs ordered by creation time.
func (s *Scheduler) List() []*store.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*store.Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Tick fires every enabled job whose next fire time is at or before now, at
// most once each. Recurring jobs recompute their next fire from now, so a
// long suspend yields a single firing, not a burst of missed occurrences.
// One-shot jobs are disabled after firing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.job.Enabled && !e.next.IsZero() && !e.next.After(now) {
			due = append(due, e)
			if e.job.Kind == store.JobKindCron {
				e.next = e.cron.Next(now)
			} else {
				e.job.Enabled = false
				e.next = time.Time{}
			}
		}
	}
	s.mu.Unlock()

	// Deterministic firing order for jobs due on the same tick.
	sort.Slice(due, func(i, j int) bool {
		return due[i].job.CreatedAt.Before(due[j].job.CreatedAt)
	})

	for _, e := range due {
		s.fire(ctx, e.job)
		if e.job.Kind == store.JobKindOnce {
			if err := s.jobs.SetJobEnabled(ctx, e.job.ID, false); err != nil {
				slog.Error("sched: failed to disable fired one-shot",
					"id", e.job.ID, "err", err)
			}
		}
	}
}

// fire executes one due job's payload through the gate and dispatcher.
func (s *Scheduler) fire(ctx context.Context, j *store.Job) {
	slog.Info("sched: job firing", "id", j.ID, "kind", j.Kind, "payload", j.PayloadKind)

	switch j.PayloadKind {
	case store.PayloadMacro:
		if err := s.macros.Play(ctx, j.MacroName); err != nil {
			slog.Error("sched: scheduled macro failed",
				"id", j.ID, "macro", j.MacroName, "err", err)
		}

	case store.PayloadIntent:
		decision, ticket, err := s.gate.Evaluate(ctx, *j.Intent)
		if err != nil {
			slog.Error("sched: gate rejected scheduled intent",
				"id", j.ID, "command", j.Intent.Command, "err", err)
			return
		}
		switch decision {
		case gate.AutoApproved:
			result := s.disp.Dispatch(ctx, *j.Intent)
			if result.Err != nil {
				slog.Error("sched: scheduled dispatch failed",
					"id", j.ID, "command", j.Intent.Command, "err", result.Err)
			}
		case gate.NeedsConfirmation:
			// No user to ask at tick time.
			slog.Warn("sched: scheduled command needs confirmation; skipped",
				"id", j.ID, "command", j.Intent.Command)
			if err := s.gate.Deny(ctx, ticket.ID); err != nil {
				slog.Error("sched: failed to discard ticket", "id", j.ID, "err", err)
			}
		case gate.Forbidden:
			// The gate already audit-logged the attempt.
			slog.Warn("sched: scheduled command is forbidden; skipped",
				"id", j.ID, "command", j.Intent.Command)
		}

	default:
		slog.Error("sched: job has unknown payload kind",
			"id", j.ID, "payload_kind", j.PayloadKind)
	}
}

// Run executes the tick loop until ctx is cancelled, sleeping until the
// earliest pending fire time.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("sched: scheduler started")
	for {
		var timer <-chan time.Time
		if next, ok := s.earliest(); ok {
			delay := next.Sub(s.clk.Now())
			if delay < 0 {
				delay = 0
			}
			timer = s.clk.After(delay)
		}

		select {
		case <-ctx.Done():
			slog.Info("sched: scheduler stopped")
			return
		case <-s.wake:
			// A job was added or removed; recompute the sleep.
		case <-timer:
			s.Tick(ctx, s.clk.Now())
		}
	}
}

// earliest returns the soonest pending fire time among enabled jobs.
func (s *Scheduler) earliest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	for _, e := range s.entries {
		if !e.job.Enabled || e.next.IsZero() {
			continue
		}
		if best.IsZero() || e.next.Before(best) {
			best = e.next
		}
	}
	return best, !best.IsZero()
}

// nextFire computes an entry's next fire time relative to now.
func (s *Scheduler) nextFire(e *entry, now time.Time) time.Time {
	if e.job.Kind == store.JobKindCron {
		if e.cron == nil {
			return time.Time{}
		}
		return e.cron.Next(now)
	}
	return e.job.FireAt
}

// notify nudges a blocked Run loop to recompute its sleep.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
