// Package gate implements the safety-confirmation state machine.
//
// Every resolved intent passes through the gate before dispatch. The gate
// reads the command's danger level from the registry and decides: safe
// commands are approved automatically, confirm-level commands are held as a
// pending ticket until the user answers yes or no, and forbidden commands are
// always blocked regardless of confirmation.
//
// A pending ticket is single-use and bound to exactly one intent: an approval
// can never be replayed for a different dangerous action. Tickets that
// receive no answer within the TTL expire, and a confirmation arriving after
// the deadline is rejected — the system never executes a dangerous action on
// a stale request.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
)

// DefaultTTL is the default time a pending confirmation remains valid.
const DefaultTTL = 2 * time.Minute

// ErrExpired is returned when a confirmation arrives after the ticket's
// deadline.
var ErrExpired = errors.New("gate: confirmation expired")

// ErrNotPending is returned when the ticket ID is unknown or already
// resolved.
var ErrNotPending = errors.New("gate: no such pending confirmation")

// ErrForbidden is returned when a forbidden command is pushed at the gate.
var ErrForbidden = errors.New("gate: command is forbidden")

// Decision is the gate's verdict for a resolved intent.
type Decision string

const (
	// AutoApproved means the command is safe and may dispatch immediately.
	AutoApproved Decision = "auto_approved"
	// NeedsConfirmation means the caller must collect an explicit yes from
	// the user and call Approve before dispatching.
	NeedsConfirmation Decision = "needs_confirmation"
	// Forbidden means the command never dispatches.
	Forbidden Decision = "forbidden"
)

// Status is the lifecycle state of a confirmation ticket.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Ticket is one pending (or resolved) confirmation for a dangerous intent.
type Ticket struct {
	// ID is a short random hex identifier (6 bytes = 12 hex chars).
	ID string
	// Intent is the exact intent awaiting confirmation.
	Intent resolver.Intent
	// Status is the current lifecycle state.
	Status Status
	// CreatedAt is when the ticket was opened.
	CreatedAt time.Time
	// ExpiresAt is when the ticket lapses without an answer.
	ExpiresAt time.Time
}

// Clock abstracts time.Now so tests can control expiry precisely.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SecurityLog receives security-relevant events — forbidden-command attempts
// are recorded separately from ordinary errors. Implemented by the store's
// audit table; a nil SecurityLog disables recording.
type SecurityLog interface {
	RecordSecurityEvent(ctx context.Context, event, command, rawText, detail string) error
}

// Gate evaluates intents against their danger level and manages pending
// confirmations. It is safe for concurrent use.
type Gate struct {
	reg     *registry.Registry
	ttl     time.Duration
	clock   Clock
	seclog  SecurityLog
	mu      sync.Mutex
	pending map[string]*Ticket
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects a custom clock. Intended for tests.
func WithClock(c Clock) Option { return func(g *Gate) { g.clock = c } }

// WithSecurityLog wires the sink that records forbidden-command attempts.
func WithSecurityLog(l SecurityLog) Option { return func(g *Gate) { g.seclog = l } }

// New returns a Gate over reg. ttl controls how long a pending confirmation
// remains valid; pass 0 to use DefaultTTL.
func New(reg *registry.Registry, ttl time.Duration, opts ...Option) *Gate {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	g := &Gate{
		reg:     reg,
		ttl:     ttl,
		clock:   realClock{},
		pending: make(map[string]*Ticket),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate classifies the intent by its command's danger level. For
// confirm-level commands the returned Ticket is pending and must be resolved
// via Approve or Deny before the intent may dispatch.
func (g *Gate) Evaluate(ctx context.Context, intent resolver.Intent) (Decision, *Ticket, error) {
	spec, err := g.reg.Lookup(intent.Command)
	if err != nil {
		return "", nil, fmt.Errorf("gate: %w", err)
	}

	switch spec.Danger {
	case registry.LevelSafe:
		return AutoApproved, nil, nil

	case registry.LevelForbidden:
		slog.Warn("gate: forbidden command attempted",
			"command", intent.Command, "raw_text", intent.RawText)
		if g.seclog != nil {
			if lerr := g.seclog.RecordSecurityEvent(ctx, "forbidden_attempt",
				intent.Command, intent.RawText, "blocked by danger policy"); lerr != nil {
				slog.Error("gate: failed to record security event", "err", lerr)
			}
		}
		return Forbidden, nil, nil

	case registry.LevelConfirm:
		ticket, err := g.open(intent)
		if err != nil {
			return "", nil, err
		}
		return NeedsConfirmation, ticket, nil
	}

	return "", nil, fmt.Errorf("gate: command %q has invalid danger level %q", spec.Name, spec.Danger)
}

// open creates a pending ticket for intent.
func (g *Gate) open(intent resolver.Intent) (*Ticket, error) {
	id, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	now := g.clock.Now()
	ticket := &Ticket{
		ID:        id,
		Intent:    intent,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	g.mu.Lock()
	g.pending[id] = ticket
	g.mu.Unlock()
	return ticket, nil
}

// Approve resolves a pending ticket and returns the approved intent. A
// ticket past its deadline yields ErrExpired and is discarded; an unknown or
// already-resolved ticket yields ErrNotPending. Approval is consumed: a
// second Approve with the same ID fails.
func (g *Gate) Approve(ctx context.Context, id string) (*resolver.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticket, ok := g.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	delete(g.pending, id)

	if g.clock.Now().After(ticket.ExpiresAt) {
		ticket.Status = StatusExpired
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	ticket.Status = StatusApproved
	intent := ticket.Intent
	return &intent, nil
}

// Deny resolves a pending ticket negatively. The intent is discarded.
func (g *Gate) Deny(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticket, ok := g.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	delete(g.pending, id)

	if g.clock.Now().After(ticket.ExpiresAt) {
		ticket.Status = StatusExpired
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}
	ticket.Status = StatusDenied
	return nil
}

// ExpireStale discards all pending tickets past their deadline and returns
// the count. Called periodically by the orchestration loop.
func (g *Gate) ExpireStale() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	expired := 0
	for id, ticket := range g.pending {
		if now.After(ticket.ExpiresAt) {
			ticket.Status = StatusExpired
			delete(g.pending, id)
			expired++
			slog.Info("gate: pending confirmation expired",
				"id", id, "command", ticket.Intent.Command)
		}
	}
	return expired
}

// generateID returns a short, cryptographically random hex ID.
func generateID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ticket ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
