package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deskpilot-app/deskpilot/internal/deskpilot/resolver"
)

// ErrMacroNotFound is returned when no macro exists under the given name.
var ErrMacroNotFound = errors.New("store: macro not found")

// Macro is a named, ordered, replayable sequence of intents. Immutable after
// recording stops.
type Macro struct {
	Name string
	// Steps are the recorded intents in dispatch order.
	Steps []resolver.Intent
	// Policy is the replay failure policy: "continue" or "abort".
	Policy    string
	CreatedAt time.Time
}

// SaveMacro persists a finalized macro. Fails when the name already exists —
// macros are immutable; delete first to re-record.
func (s *Store) SaveMacro(ctx context.Context, m *Macro) error {
	steps, err := json.Marshal(m.Steps)
	if err != nil {
		return fmt.Errorf("failed to serialize macro steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO macros (name, steps_json, policy, created_at)
		VALUES (?, ?, ?, ?)
	`, m.Name, string(steps), m.Policy, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save macro %q: %w", m.Name, err)
	}
	return nil
}

// GetMacro loads a macro by name.
func (s *Store) GetMacro(ctx context.Context, name string) (*Macro, error) {
	m := &Macro{}
	var stepsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, steps_json, policy, created_at
		FROM macros
		WHERE name = ?
	`, name).Scan(&m.Name, &stepsJSON, &m.Policy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMacroNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get macro %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &m.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps of macro %q: %w", name, err)
	}
	return m, nil
}

// MacroExists reports whether a macro with the given name is stored.
func (s *Store) MacroExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM macros WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check macro %q: %w", name, err)
	}
	return true, nil
}

// ListMacros returns all stored macros ordered by creation time.
func (s *Store) ListMacros(ctx context.Context) ([]*Macro, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, steps_json, policy, created_at
		FROM macros
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list macros: %w", err)
	}
	defer rows.Close()

	var macros []*Macro
	for rows.Next() {
		m := &Macro{}
		var stepsJSON string
		if err := rows.Scan(&m.Name, &stepsJSON, &m.Policy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan macro: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &m.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps of macro %q: %w", m.Name, err)
		}
		macros = append(macros, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating macros: %w", err)
	}
	return macros, nil
}

// DeleteMacro removes a stored macro.
func (s *Store) DeleteMacro(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM macros WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete macro %q: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMacroNotFound, name)
	}
	return nil
}
