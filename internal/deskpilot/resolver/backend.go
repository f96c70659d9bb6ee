// Package resolver turns free-form utterances into structured intents.
//
// The resolver sits between the raw text input (typed or transcribed speech)
// and the safety gate. Its sole responsibility is translation: convert a
// sentence into an Intent (command name + typed parameters) that the
// dispatch pipeline can process.
//
// Resolution order:
//  1. Deterministic phrase table — literal phrasings of common commands
//     resolve locally with confidence 1.0, before any AI call.
//  2. AI backend — the utterance plus the command catalogue is sent to the
//     configured Backend; its structured reply is schema-validated and then
//     checked against the registry before an Intent is produced.
//
// The backend only proposes commands; it never executes them. Every proposed
// intent still flows through registry validation, the safety gate, and the
// audit trail.
package resolver

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned when the AI backend (and the offline
// fallback, when configured) cannot be reached or times out. The resolver
// never guesses a command when the backend is down.
var ErrBackendUnavailable = errors.New("resolver: AI backend unavailable")

// ErrMalformedIntent is returned when the backend's reply is structurally
// invalid, names an unregistered command, or carries parameters that cannot
// be coerced to the command's schema. A malformed intent is never forwarded.
var ErrMalformedIntent = errors.New("resolver: malformed intent")

// ErrLowConfidence is returned when the backend's confidence falls below the
// configured threshold. The wrapped message carries a clarifying question for
// the user.
var ErrLowConfidence = errors.New("resolver: low confidence")

// Turn is a single prior exchange, injected into the backend context window
// so the model has continuity across a clarification round.
type Turn struct {
	// Role is "user" or "assistant".
	Role string
	// Content is the message text.
	Content string
}

// ParamDoc describes one parameter of a command for the backend catalogue.
type ParamDoc struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// CommandDoc describes one available command for the backend catalogue.
type CommandDoc struct {
	Name    string     `json:"name"`
	Summary string     `json:"summary,omitempty"`
	Params  []ParamDoc `json:"params,omitempty"`
}

// Request is the input to a single backend resolution call.
//
// The caller populates Commands from the live registry on every request;
// catalogues are intentionally not cached inside the backend so stale
// vocabulary is never shown to the model.
type Request struct {
	// Utterance is the raw text as the user produced it.
	Utterance string
	// Commands is the full catalogue of registered commands.
	Commands []CommandDoc
	// History contains prior turns of the current clarification exchange.
	// Nil for a fresh utterance.
	History []Turn
}

// Response is the structured output the backend must produce.
type Response struct {
	// Command is the proposed command name from the catalogue.
	Command string `json:"command"`
	// Parameters are the proposed parameter values, keyed by name.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Confidence is a 0–1 score of the model's certainty.
	Confidence float64 `json:"confidence,omitempty"`
	// Say is an optional short message for the user — a clarifying question
	// when the model is unsure, or a summary of what it understood.
	Say string `json:"say,omitempty"`
}

// Backend resolves an utterance into a structured Response.
//
// Implementations must be safe for concurrent use. When the upstream service
// is unreachable they should return an error wrapping ErrBackendUnavailable;
// when the reply cannot be interpreted, an error wrapping ErrMalformedIntent.
type Backend interface {
	Resolve(ctx context.Context, req Request) (*Response, error)
}
