package store

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one recorded dispatch.
type HistoryEntry struct {
	ID      int64
	TS      time.Time
	TraceID string
	RawText string
	Command string
	Success bool
	Detail  string
}

// SecurityEvent is one recorded security-relevant event, e.g. a
// forbidden-command attempt.
type SecurityEvent struct {
	ID      int64
	TS      time.Time
	Event   string
	Command string
	RawText string
	Detail  string
}

// RecordDispatch appends one row to the command history. Satisfies the
// dispatcher's History interface.
func (s *Store) RecordDispatch(ctx context.Context, traceID, rawText, command string, success bool, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_history (ts, trace_id, raw_text, command, success, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, time.Now(), traceID, rawText, command, success, detail)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// ListHistory returns the most recent dispatches, newest first. limit <= 0
// means no limit.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	query := `
		SELECT id, ts, trace_id, raw_text, command, success, COALESCE(detail, '')
		FROM command_history
		ORDER BY ts DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		if err := rows.Scan(&e.ID, &e.TS, &e.TraceID, &e.RawText,
			&e.Command, &e.Success, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// RecordSecurityEvent appends one row to the security audit log. Satisfies
// the gate's SecurityLog interface.
func (s *Store) RecordSecurityEvent(ctx context.Context, event, command, rawText, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_audit (ts, event, command, raw_text, detail)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now(), event, command, rawText, detail)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

// ListSecurityEvents returns the most recent audit entries, newest first.
// limit <= 0 means no limit.
func (s *Store) ListSecurityEvents(ctx context.Context, limit int) ([]*SecurityEvent, error) {
	query := `
		SELECT id, ts, event, command, COALESCE(raw_text, ''), COALESCE(detail, '')
		FROM security_audit
		ORDER BY ts DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		e := &SecurityEvent{}
		if err := rows.Scan(&e.ID, &e.TS, &e.Event, &e.Command,
			&e.RawText, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security events: %w", err)
	}
	return events, nil
}
