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

// ErrJobNotFound is returned when no scheduled job exists under the given ID.
var ErrJobNotFound = errors.New("store: scheduled job not found")

// Job trigger kinds.
const (
	JobKindOnce = "once"
	JobKindCron = "cron"
)

// Job payload kinds.
const (
	PayloadIntent = "intent"
	PayloadMacro  = "macro"
)

// Job is a persisted scheduled job. The trigger and payload are immutable
// after creation; only Enabled toggles.
type Job struct {
	ID string
	// Kind is JobKindOnce or JobKindCron.
	Kind string
	// FireAt is the one-shot fire time (Kind == JobKindOnce).
	FireAt time.Time
	// CronExpr is the 5-field recurrence spec (Kind == JobKindCron).
	CronExpr string
	// PayloadKind is PayloadIntent or PayloadMacro.
	PayloadKind string
	// Intent is the stored intent payload (PayloadKind == PayloadIntent).
	Intent *resolver.Intent
	// MacroName is the macro payload (PayloadKind == PayloadMacro).
	MacroName string
	Enabled   bool
	CreatedAt time.Time
}

// SaveJob persists a new scheduled job.
func (s *Store) SaveJob(ctx context.Context, j *Job) error {
	payload, err := encodeJobPayload(j)
	if err != nil {
		return err
	}

	var fireAt sql.NullTime
	if j.Kind == JobKindOnce {
		fireAt = sql.NullTime{Time: j.FireAt, Valid: true}
	}
	var cronExpr sql.NullString
	if j.Kind == JobKindCron {
		cronExpr = sql.NullString{String: j.CronExpr, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, kind, fire_at, cron_expr, payload_kind, payload_json, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Kind, fireAt, cronExpr, j.PayloadKind, payload, j.Enabled, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save job %q: %w", j.ID, err)
	}
	return nil
}

// SetJobEnabled toggles a job's enabled flag.
func (s *Store) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update job %q: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// DeleteJob removes a scheduled job.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %q: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// ListJobs returns all persisted jobs ordered by creation time.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, fire_at, cron_expr, payload_kind, payload_json, enabled, created_at
		FROM scheduled_jobs
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var fireAt sql.NullTime
		var cronExpr sql.NullString
		var payload string
		if err := rows.Scan(&j.ID, &j.Kind, &fireAt, &cronExpr,
			&j.PayloadKind, &payload, &j.Enabled, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if fireAt.Valid {
			j.FireAt = fireAt.Time
		}
		if cronExpr.Valid {
			j.CronExpr = cronExpr.String
		}
		if err := decodeJobPayload(j, payload); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func encodeJobPayload(j *Job) (string, error) {
	switch j.PayloadKind {
	case PayloadIntent:
		data, err := json.Marshal(j.Intent)
		if err != nil {
			return "", fmt.Errorf("failed to serialize job payload: %w", err)
		}
		return string(data), nil
	case PayloadMacro:
		return j.MacroName, nil
	}
	return "", fmt.Errorf("invalid job payload kind %q", j.PayloadKind)
}

func decodeJobPayload(j *Job, payload string) error {
	switch j.PayloadKind {
	case PayloadIntent:
		var intent resolver.Intent
		if err := json.Unmarshal([]byte(payload), &intent); err != nil {
			return fmt.Errorf("failed to decode payload of job %q: %w", j.ID, err)
		}
		j.Intent = &intent
		return nil
	case PayloadMacro:
		j.MacroName = payload
		return nil
	}
	return fmt.Errorf("job %q has invalid payload kind %q", j.ID, j.PayloadKind)
}
