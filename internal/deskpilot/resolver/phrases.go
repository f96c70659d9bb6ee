package resolver

import (
	"strings"
	"sync"
	"unicode"
)

// PhraseTable maps literal phrasings of common commands to intents. A table
// hit resolves locally with confidence 1.0, skipping the AI call entirely —
// the fast path for the handful of utterances people repeat all day.
//
// Matching is case-insensitive and ignores surrounding whitespace and
// trailing punctuation. The stored raw text always preserves the original
// casing.
//
// PhraseTable is safe for concurrent use: pack hot reloads add phrases from
// the watcher goroutine while the resolver reads from the input loop.
type PhraseTable struct {
	mu      sync.RWMutex
	entries map[string]phraseEntry
}

type phraseEntry struct {
	command string
	params  map[string]any
}

// NewPhraseTable returns a table preloaded with the builtin phrasings.
func NewPhraseTable() *PhraseTable {
	t := &PhraseTable{entries: make(map[string]phraseEntry)}
	for phrase, e := range builtinPhrases {
		t.entries[normalizePhrase(phrase)] = e
	}
	return t
}

// Add registers a phrase for a command with fixed parameters. Later additions
// of the same phrase win, mirroring the registry's replacement rule.
func (t *PhraseTable) Add(phrase, command string, params map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[normalizePhrase(phrase)] = phraseEntry{command: command, params: params}
}

// Match looks up the utterance and returns the command and a copy of its
// fixed parameters. The boolean reports whether a phrase matched.
func (t *PhraseTable) Match(utterance string) (string, map[string]any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[normalizePhrase(utterance)]
	if !ok {
		return "", nil, false
	}
	params := make(map[string]any, len(e.params))
	for k, v := range e.params {
		params[k] = v
	}
	return e.command, params, true
}

// normalizePhrase lowercases, collapses interior whitespace, and strips
// leading/trailing punctuation so "Lock the computer!" matches
// "lock the computer".
func normalizePhrase(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// builtinPhrases covers the high-frequency utterances worth resolving
// without backend latency. Keep entries literal — anything fuzzier belongs
// to the backend.
var builtinPhrases = map[string]phraseEntry{
	"lock the computer":  {command: "lock_system"},
	"lock the screen":    {command: "lock_system"},
	"lock my pc":         {command: "lock_system"},
	"take a screenshot":  {command: "take_screenshot"},
	"capture the screen": {command: "take_screenshot"},
	"mute":               {command: "set_volume", params: map[string]any{"level": 0}},
	"mute the volume":    {command: "set_volume", params: map[string]any{"level": 0}},
	"volume up":          {command: "set_volume", params: map[string]any{"direction": "up"}},
	"volume down":        {command: "set_volume", params: map[string]any{"direction": "down"}},
	"what time is it":    {command: "get_system_info", params: map[string]any{"field": "time"}},
}
