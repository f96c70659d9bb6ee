// Package app is the orchestration core: one utterance in, one reply out.
//
// SubmitUtterance runs the full pipeline — meta-utterance routing, pending
// confirmation and clarification handling, intent resolution, the safety
// gate, dispatch, and macro observation. The App holds the conversational
// state a single user session needs: at most one pending confirmation and at
// most one pending clarification at a time; a new command cancels whatever
// was pending.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/deskpilot-app/deskpilot/common/trace"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/dispatch"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/gate"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/macro"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/sched"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/store"
)

// confirmPositiveWords are replies that mean "yes, proceed".
var confirmPositiveWords = []string{
	"yes", "y", "ok", "okay", "confirm", "proceed",
	"go ahead", "go", "do it", "continue",
	"sure", "yep", "yup", "affirmative",
}

// confirmNegativeWords are replies that mean "no, cancel".
var confirmNegativeWords = []string{
	"no", "n", "cancel", "abort", "stop", "nope",
	"nevermind", "never mind", "forget it", "nah",
}

// Meta-utterances handled before any AI resolution.
var (
	startRecordingRE = regexp.MustCompile(`(?i)^start recording (.+)$`)
	stopRecordingRE  = regexp.MustCompile(`(?i)^stop recording$`)
	playMacroRE      = regexp.MustCompile(`(?i)^(?:play|run macro|run) (.+)$`)

	scheduleInRE   = regexp.MustCompile(`(?i)^schedule in (\S+) (.+)$`)
	scheduleCronRE = regexp.MustCompile(`(?i)^schedule cron ((?:\S+ ){4}\S+) (.+)$`)
	listJobsRE     = regexp.MustCompile(`(?i)^list jobs$`)
	cancelJobRE    = regexp.MustCompile(`(?i)^cancel job (\S+)$`)
	toggleJobRE    = regexp.MustCompile(`(?i)^(enable|disable) job (\S+)$`)
)

// App wires the resolution pipeline together and tracks conversational
// state.
type App struct {
	reg    *registry.Registry
	res    *resolver.Resolver
	gate   *gate.Gate
	disp   *dispatch.Dispatcher
	macros *macro.Engine
	sched  *sched.Scheduler

	mu            sync.Mutex
	pendingTicket *gate.Ticket
	pendingAsk    *resolver.Clarification
}

// New assembles an App from its already-constructed parts.
func New(reg *registry.Registry, res *resolver.Resolver, g *gate.Gate, disp *dispatch.Dispatcher, macros *macro.Engine, scheduler *sched.Scheduler) *App {
	return &App{reg: reg, res: res, gate: g, disp: disp, macros: macros, sched: scheduler}
}

// SubmitUtterance processes one user utterance and returns the reply to show.
// Errors in the command pipeline are folded into the reply; a returned error
// means the app itself failed, not the command.
func (a *App) SubmitUtterance(ctx context.Context, text string) (string, error) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	a.gate.ExpireStale()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "Say something like \"lock the computer\" or \"open spotify\".", nil
	}

	// A pending confirmation owns the next utterance.
	a.mu.Lock()
	ticket := a.pendingTicket
	a.mu.Unlock()
	if ticket != nil {
		if verdict, ok := parseConfirmation(trimmed); ok {
			return a.SubmitConfirmation(ctx, verdict)
		}
		return fmt.Sprintf("Still waiting on %s — please answer yes or no.", ticket.Intent.Command), nil
	}

	if reply, handled := a.handleMeta(ctx, trimmed); handled {
		return reply, nil
	}

	a.mu.Lock()
	pendingAsk := a.pendingAsk
	a.pendingAsk = nil
	a.mu.Unlock()

	outcome, err := a.res.Resolve(ctx, text, pendingAsk)
	if err != nil {
		return a.resolveErrorReply(err), nil
	}

	if outcome.Ask != nil {
		a.mu.Lock()
		a.pendingAsk = outcome.Ask
		a.mu.Unlock()
		return outcome.Ask.Question, nil
	}

	return a.execute(ctx, *outcome.Intent)
}

// SubmitConfirmation answers the pending confirmation. yes approves and
// dispatches; no discards the held intent.
func (a *App) SubmitConfirmation(ctx context.Context, yes bool) (string, error) {
	a.mu.Lock()
	ticket := a.pendingTicket
	a.pendingTicket = nil
	a.mu.Unlock()

	if ticket == nil {
		return "There's nothing waiting for confirmation.", nil
	}

	if !yes {
		if err := a.gate.Deny(ctx, ticket.ID); err != nil && !errors.Is(err, gate.ErrNotPending) {
			slog.Error("app: deny failed", "ticket", ticket.ID, "err", err)
		}
		return fmt.Sprintf("Okay, I won't run %s.", ticket.Intent.Command), nil
	}

	intent, err := a.gate.Approve(ctx, ticket.ID)
	if err != nil {
		if errors.Is(err, gate.ErrExpired) {
			return "That confirmation has expired — please ask again.", nil
		}
		if errors.Is(err, gate.ErrNotPending) {
			return "That request is no longer pending — please ask again.", nil
		}
		return "", fmt.Errorf("app: %w", err)
	}
	return a.dispatchApproved(ctx, *intent)
}

// execute routes a resolved intent through the gate and, when approved,
// dispatches it.
func (a *App) execute(ctx context.Context, intent resolver.Intent) (string, error) {
	decision, ticket, err := a.gate.Evaluate(ctx, intent)
	if err != nil {
		return "", fmt.Errorf("app: %w", err)
	}

	switch decision {
	case gate.AutoApproved:
		return a.dispatchApproved(ctx, intent)

	case gate.NeedsConfirmation:
		a.mu.Lock()
		a.pendingTicket = ticket
		a.mu.Unlock()
		spec, lerr := a.reg.Lookup(intent.Command)
		summary := intent.Command
		if lerr == nil && spec.Summary != "" {
			summary = strings.ToLower(spec.Summary[:1]) + spec.Summary[1:]
		}
		return fmt.Sprintf("This will %s. Are you sure? (yes/no)", summary), nil

	case gate.Forbidden:
		return fmt.Sprintf("%s is disabled and will not run.", intent.Command), nil
	}

	return "", fmt.Errorf("app: unknown gate decision %q", decision)
}

// dispatchApproved runs the intent and feeds it to the macro recorder. The
// recorder sees every dispatched intent, failures included — the handler
// outcome is a property of this run, not of the recording.
func (a *App) dispatchApproved(ctx context.Context, intent resolver.Intent) (string, error) {
	result := a.disp.Dispatch(ctx, intent)
	a.macros.Observe(intent)

	if result.Err != nil {
		// Full details already went to the log with the trace ID.
		return fmt.Sprintf("%s failed — check the log for details.", intent.Command), nil
	}
	if out, ok := result.Output.(string); ok && out != "" {
		return out, nil
	}
	return "Done.", nil
}

// handleMeta intercepts recording and replay utterances before resolution.
func (a *App) handleMeta(ctx context.Context, trimmed string) (string, bool) {
	if m := startRecordingRE.FindStringSubmatch(trimmed); m != nil {
		name := normalizeMacroName(m[1])
		if err := a.macros.StartRecording(ctx, name); err != nil {
			switch {
			case errors.Is(err, macro.ErrAlreadyRecording):
				return "A recording is already running — say \"stop recording\" first.", true
			case errors.Is(err, macro.ErrDuplicateMacro):
				return fmt.Sprintf("A macro named %q already exists. Delete it to re-record.", name), true
			}
			slog.Error("app: start recording failed", "name", name, "err", err)
			return "Couldn't start recording — check the log for details.", true
		}
		return fmt.Sprintf("Recording %q — everything you run now will be captured. Say \"stop recording\" when done.", name), true
	}

	if stopRecordingRE.MatchString(trimmed) {
		m, err := a.macros.StopRecording(ctx)
		if err != nil {
			if errors.Is(err, macro.ErrNotRecording) {
				return "Nothing is being recorded.", true
			}
			slog.Error("app: stop recording failed", "err", err)
			return "Couldn't save the recording — check the log for details.", true
		}
		return fmt.Sprintf("Saved macro %q with %d steps.", m.Name, len(m.Steps)), true
	}

	if reply, handled := a.handleSchedulerMeta(ctx, trimmed); handled {
		return reply, true
	}

	if m := playMacroRE.FindStringSubmatch(trimmed); m != nil {
		name := normalizeMacroName(m[1])
		report, err := a.macros.Play(ctx, name, confirmerFunc(func(ctx context.Context, intent resolver.Intent) (bool, error) {
			// Interactive replay still can't stop mid-macro to chat; treat
			// confirm-level steps as pre-approved by the explicit play request.
			return true, nil
		}))
		if err != nil {
			if errors.Is(err, store.ErrMacroNotFound) {
				// Not a macro name — let the resolver interpret the utterance.
				return "", false
			}
			slog.Error("app: macro replay failed", "name", name, "err", err)
			return fmt.Sprintf("Couldn't play %q — check the log for details.", name), true
		}
		if failed := report.Failed(); failed > 0 {
			return fmt.Sprintf("Played %q: %d of %d steps had problems.", name, failed, len(report.Steps)), true
		}
		return fmt.Sprintf("Played %q (%d steps).", name, len(report.Steps)), true
	}

	return "", false
}

// handleSchedulerMeta intercepts job management utterances: scheduling,
// listing, cancelling, and toggling.
func (a *App) handleSchedulerMeta(ctx context.Context, trimmed string) (string, bool) {
	if m := scheduleInRE.FindStringSubmatch(trimmed); m != nil {
		delay, err := time.ParseDuration(strings.ToLower(m[1]))
		if err != nil || delay <= 0 {
			return fmt.Sprintf("I couldn't read %q as a delay — try something like 10m or 2h.", m[1]), true
		}
		job := store.Job{Kind: store.JobKindOnce, FireAt: a.sched.Now().Add(delay)}
		return a.scheduleJob(ctx, job, m[2]), true
	}

	if m := scheduleCronRE.FindStringSubmatch(trimmed); m != nil {
		job := store.Job{Kind: store.JobKindCron, CronExpr: m[1]}
		return a.scheduleJob(ctx, job, m[2]), true
	}

	if listJobsRE.MatchString(trimmed) {
		jobs := a.sched.List()
		if len(jobs) == 0 {
			return "No scheduled jobs.", true
		}
		var b strings.Builder
		for _, j := range jobs {
			fmt.Fprintf(&b, "%s: %s, %s", j.ID, describePayload(j), describeTrigger(j))
			if !j.Enabled {
				b.WriteString(" (disabled)")
			}
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n"), true
	}

	if m := cancelJobRE.FindStringSubmatch(trimmed); m != nil {
		if err := a.sched.Cancel(ctx, m[1]); err != nil {
			if errors.Is(err, sched.ErrJobNotFound) {
				return fmt.Sprintf("No job with ID %s.", m[1]), true
			}
			slog.Error("app: cancel job failed", "id", m[1], "err", err)
			return "Couldn't cancel the job — check the log for details.", true
		}
		return fmt.Sprintf("Cancelled job %s.", m[1]), true
	}

	if m := toggleJobRE.FindStringSubmatch(trimmed); m != nil {
		verb, id := strings.ToLower(m[1]), m[2]
		var err error
		if verb == "enable" {
			err = a.sched.Enable(ctx, id)
		} else {
			err = a.sched.Disable(ctx, id)
		}
		switch {
		case err == nil:
			return fmt.Sprintf("%sd job %s.", strings.ToUpper(verb[:1])+verb[1:], id), true
		case errors.Is(err, sched.ErrJobNotFound):
			return fmt.Sprintf("No job with ID %s.", id), true
		case errors.Is(err, sched.ErrInvalidTrigger):
			return fmt.Sprintf("Can't enable %s — its trigger is no longer valid.", id), true
		}
		slog.Error("app: toggle job failed", "id", id, "err", err)
		return "Couldn't update the job — check the log for details.", true
	}

	return "", false
}

// scheduleJob attaches a payload to the job template and hands it to the
// scheduler. The payload is a stored macro when the text reads like a replay
// request, otherwise the text resolves to an intent now — scheduling a
// command the resolver cannot understand would only fail later, silently.
func (a *App) scheduleJob(ctx context.Context, job store.Job, payloadText string) string {
	if m := playMacroRE.FindStringSubmatch(payloadText); m != nil {
		if name := normalizeMacroName(m[1]); a.macroExists(ctx, name) {
			job.PayloadKind = store.PayloadMacro
			job.MacroName = name
		}
	}

	if job.PayloadKind == "" {
		outcome, err := a.res.Resolve(ctx, payloadText, nil)
		if err != nil {
			return a.resolveErrorReply(err)
		}
		if outcome.Ask != nil {
			return "I need the complete command to schedule it — include all the details."
		}
		if spec, lerr := a.reg.Lookup(outcome.Intent.Command); lerr == nil && spec.Danger == registry.LevelForbidden {
			return fmt.Sprintf("%s is disabled and will not run.", outcome.Intent.Command)
		}
		job.PayloadKind = store.PayloadIntent
		job.Intent = outcome.Intent
	}

	id, err := a.sched.Schedule(ctx, &job)
	if err != nil {
		if errors.Is(err, sched.ErrInvalidTrigger) {
			return "That schedule isn't valid — use 5 cron fields (minute hour day month weekday) or a future time."
		}
		slog.Error("app: schedule failed", "err", err)
		return "Couldn't save the job — check the log for details."
	}

	reply := fmt.Sprintf("Scheduled job %s — %s, %s.", id, describePayload(&job), describeTrigger(&job))
	if job.PayloadKind == store.PayloadIntent {
		if spec, lerr := a.reg.Lookup(job.Intent.Command); lerr == nil && spec.Danger == registry.LevelConfirm {
			reply += " Note: it needs confirmation, and unattended runs are skipped."
		}
	}
	return reply
}

// macroExists reports whether a stored macro holds the name.
func (a *App) macroExists(ctx context.Context, name string) bool {
	macros, err := a.macros.List(ctx)
	if err != nil {
		return false
	}
	for _, m := range macros {
		if m.Name == name {
			return true
		}
	}
	return false
}

// describePayload renders a job's payload for replies.
func describePayload(j *store.Job) string {
	if j.PayloadKind == store.PayloadMacro {
		return fmt.Sprintf("macro %q", j.MacroName)
	}
	return j.Intent.Command
}

// describeTrigger renders a job's trigger for replies.
func describeTrigger(j *store.Job) string {
	if j.Kind == store.JobKindCron {
		return "cron " + j.CronExpr
	}
	return "at " + j.FireAt.Format("2006-01-02 15:04")
}

// resolveErrorReply maps resolution errors to user-facing messages.
func (a *App) resolveErrorReply(err error) string {
	switch {
	case errors.Is(err, resolver.ErrLowConfidence):
		// The wrapped message is the clarifying question.
		return strings.TrimPrefix(err.Error(), resolver.ErrLowConfidence.Error()+": ")
	case errors.Is(err, resolver.ErrBackendUnavailable):
		return "I can't reach the AI service right now. Check the connection, or configure an offline fallback model."
	case errors.Is(err, resolver.ErrMalformedIntent):
		return "Sorry, I couldn't work out a command from that. Try rephrasing it."
	}
	slog.Error("app: resolution failed", "err", err)
	return "Something went wrong interpreting that — check the log for details."
}

// parseConfirmation classifies a reply to a pending confirmation. The second
// return value is false when the reply is neither a yes nor a no.
func parseConfirmation(text string) (bool, bool) {
	normalized := strings.ToLower(strings.TrimSpace(strings.TrimRight(text, ".!")))
	for _, w := range confirmPositiveWords {
		if normalized == w {
			return true, true
		}
	}
	for _, w := range confirmNegativeWords {
		if normalized == w {
			return false, true
		}
	}
	return false, false
}

// normalizeMacroName trims quotes and whitespace around a spoken macro name.
func normalizeMacroName(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

// confirmerFunc adapts a function to macro.Confirmer.
type confirmerFunc func(ctx context.Context, intent resolver.Intent) (bool, error)

func (f confirmerFunc) Confirm(ctx context.Context, intent resolver.Intent) (bool, error) {
	return f(ctx, intent)
}
