package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deskpilot-app/deskpilot/common/retry"
	"github.com/deskpilot-app/deskpilot/internal/deskpilot/registry"
)

// DefaultLowConfidence is the confidence floor below which the resolver asks
// the user to rephrase instead of producing an intent.
const DefaultLowConfidence = 0.6

// Intent is a fully validated, dispatchable command resolved from an
// utterance. Intents are immutable once created.
type Intent struct {
	// Command is the registered command name.
	Command string `json:"command"`
	// Parameters are the coerced parameter values, keyed by name.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Confidence is the resolution confidence in [0,1]. Phrase-table hits
	// carry 1.0.
	Confidence float64 `json:"confidence"`
	// RawText is the utterance exactly as the user produced it.
	RawText string `json:"raw_text"`
}

// MarshalJSON encodes duration parameters as strings ("5s"). A time.Duration
// would otherwise serialize as bare nanoseconds and decode as a float64,
// which parameter coercion reads as seconds — a persisted intent must coerce
// back to the value that was recorded.
func (i Intent) MarshalJSON() ([]byte, error) {
	type plain Intent
	p := plain(i)
	if len(i.Parameters) > 0 {
		params := make(map[string]any, len(i.Parameters))
		for k, v := range i.Parameters {
			if d, ok := v.(time.Duration); ok {
				params[k] = d.String()
			} else {
				params[k] = v
			}
		}
		p.Parameters = params
	}
	return json.Marshal(p)
}

// Clarification is the pending state of a parameter-fill round: the backend
// proposed a valid command but a required parameter was missing, so the
// resolver asked for it. The next utterance resolves against this state
// instead of starting over.
type Clarification struct {
	// Command is the pending command name.
	Command string
	// Missing is the required parameter being asked for.
	Missing string
	// Partial holds the parameter values collected so far.
	Partial map[string]any
	// Question is the prompt shown to the user.
	Question string
	// RawText is the original utterance that started the round.
	RawText string
}

// Outcome is the result of a successful resolution call: either a
// dispatchable Intent or a Clarification the caller must put to the user.
// Exactly one field is non-nil.
type Outcome struct {
	Intent *Intent
	Ask    *Clarification
}

// Config tunes resolver behaviour.
type Config struct {
	// LowConfidence is the threshold below which resolution fails with
	// ErrLowConfidence. Zero means DefaultLowConfidence.
	LowConfidence float64
	// BackendRetries is the total number of attempts per backend call.
	// Zero means 2 (one retry).
	BackendRetries int
}

// Resolver is the intent-resolution pipeline: phrase table, then AI backend,
// then registry validation.
type Resolver struct {
	reg      *registry.Registry
	backend  Backend
	fallback Backend
	phrases  *PhraseTable
	cfg      Config
}

// New returns a Resolver over reg using backend. fallback is the optional
// offline backend consulted when the primary is unreachable; pass nil to
// disable. phrases may be nil, in which case the builtin table is used.
func New(reg *registry.Registry, backend Backend, fallback Backend, phrases *PhraseTable, cfg Config) *Resolver {
	if phrases == nil {
		phrases = NewPhraseTable()
	}
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = DefaultLowConfidence
	}
	if cfg.BackendRetries <= 0 {
		cfg.BackendRetries = 2
	}
	return &Resolver{reg: reg, backend: backend, fallback: fallback, phrases: phrases, cfg: cfg}
}

// Phrases returns the resolver's phrase table, so packs can contribute
// entries at load time.
func (r *Resolver) Phrases() *PhraseTable { return r.phrases }

// Resolve turns raw text into an Outcome.
//
// When pending is non-nil the utterance is treated as the answer to a
// clarification question: it fills the missing parameter of the pending
// command rather than resolving as a fresh top-level command.
func (r *Resolver) Resolve(ctx context.Context, rawText string, pending *Clarification) (*Outcome, error) {
	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty utterance", ErrMalformedIntent)
	}

	if pending != nil {
		return r.fillClarification(trimmed, rawText, pending)
	}

	// Fast path: deterministic phrase table, checked before any AI call.
	if command, params, ok := r.phrases.Match(trimmed); ok {
		intent, err := r.buildIntent(command, params, 1.0, rawText)
		if err != nil {
			return nil, err
		}
		slog.Debug("resolver: phrase table hit", "command", command)
		return &Outcome{Intent: intent}, nil
	}

	resp, err := r.callBackend(ctx, Request{
		Utterance: trimmed,
		Commands:  r.catalogue(),
	})
	if err != nil {
		return nil, err
	}

	if resp.Confidence < r.cfg.LowConfidence {
		question := resp.Say
		if question == "" {
			question = "I'm not sure what you'd like me to do — could you rephrase that?"
		}
		return nil, fmt.Errorf("%w: %s", ErrLowConfidence, question)
	}

	spec, err := r.reg.Lookup(resp.Command)
	if err != nil {
		// The backend produced a phantom command. Reject rather than guess.
		return nil, fmt.Errorf("%w: unregistered command %q", ErrMalformedIntent, resp.Command)
	}

	// A structurally valid reply that is missing a required parameter opens
	// a clarification round rather than failing hard: "which folder?" is a
	// better answer than an error when the command itself is clear.
	if missing := firstMissingRequired(spec, resp.Parameters); missing != "" {
		return &Outcome{Ask: &Clarification{
			Command:  spec.Name,
			Missing:  missing,
			Partial:  resp.Parameters,
			Question: fmt.Sprintf("Which %s should %s use?", missing, spec.Name),
			RawText:  rawText,
		}}, nil
	}

	intent, err := r.buildIntent(resp.Command, resp.Parameters, resp.Confidence, rawText)
	if err != nil {
		return nil, err
	}
	return &Outcome{Intent: intent}, nil
}

// fillClarification resolves an utterance as the answer to a pending
// parameter question.
func (r *Resolver) fillClarification(trimmed, rawText string, pending *Clarification) (*Outcome, error) {
	spec, err := r.reg.Lookup(pending.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: pending command %q is no longer registered", ErrMalformedIntent, pending.Command)
	}

	params := make(map[string]any, len(pending.Partial)+1)
	for k, v := range pending.Partial {
		params[k] = v
	}
	params[pending.Missing] = trimmed

	// Another required parameter may still be missing; keep asking.
	if missing := firstMissingRequired(spec, params); missing != "" {
		return &Outcome{Ask: &Clarification{
			Command:  spec.Name,
			Missing:  missing,
			Partial:  params,
			Question: fmt.Sprintf("Which %s should %s use?", missing, spec.Name),
			RawText:  pending.RawText,
		}}, nil
	}

	intent, err := r.buildIntent(spec.Name, params, 1.0, pending.RawText+" / "+rawText)
	if err != nil {
		return nil, err
	}
	return &Outcome{Intent: intent}, nil
}

// callBackend invokes the primary backend with retries, then the offline
// fallback when the primary is unreachable.
func (r *Resolver) callBackend(ctx context.Context, req Request) (*Response, error) {
	resp, err := r.tryBackend(ctx, r.backend, req)
	if err == nil {
		return resp, nil
	}
	if r.fallback != nil {
		slog.Warn("resolver: primary backend failed; trying offline fallback", "err", err)
		if resp, ferr := r.tryBackend(ctx, r.fallback, req); ferr == nil {
			return resp, nil
		}
	}
	return nil, err
}

func (r *Resolver) tryBackend(ctx context.Context, b Backend, req Request) (*Response, error) {
	var resp *Response
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  r.cfg.BackendRetries,
		InitialDelay: 500 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			// Malformed output will not improve by asking again with the
			// same prompt; only transient transport failures are retried.
			return !errors.Is(err, ErrMalformedIntent)
		},
	}, func() error {
		var callErr error
		resp, callErr = b.Resolve(ctx, req)
		return callErr
	})
	if err != nil {
		if errors.Is(err, ErrMalformedIntent) || errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return resp, nil
}

// buildIntent validates params against the command's schema and assembles
// the final immutable Intent.
func (r *Resolver) buildIntent(command string, params map[string]any, confidence float64, rawText string) (*Intent, error) {
	spec, err := r.reg.Lookup(command)
	if err != nil {
		return nil, fmt.Errorf("%w: unregistered command %q", ErrMalformedIntent, command)
	}
	coerced, err := spec.CoerceParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	return &Intent{
		Command:    spec.Name,
		Parameters: coerced,
		Confidence: confidence,
		RawText:    rawText,
	}, nil
}

// catalogue builds the backend command catalogue from the live registry.
func (r *Resolver) catalogue() []CommandDoc {
	specs := r.reg.List()
	docs := make([]CommandDoc, 0, len(specs))
	for _, s := range specs {
		doc := CommandDoc{Name: s.Name, Summary: s.Summary}
		for _, p := range s.Params {
			doc.Params = append(doc.Params, ParamDoc{
				Name: p.Name, Type: string(p.Type), Required: p.Required,
			})
		}
		docs = append(docs, doc)
	}
	return docs
}

// firstMissingRequired returns the name of the first required parameter of
// spec absent from params, or "" when all are present.
func firstMissingRequired(spec registry.Spec, params map[string]any) string {
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		if _, ok := params[p.Name]; !ok {
			return p.Name
		}
	}
	return ""
}
