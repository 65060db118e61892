package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveRun upserts one pipeline run record. Called once when a run starts
// and again when it finishes.
func (s *SignalStore) SaveRun(ctx context.Context, run RunRecord) error {
	detail, err := json.Marshal(run.Detail)
	if err != nil {
		return fmt.Errorf("marshal run detail: %w", err)
	}

	var finished any
	if run.FinishedAt != nil {
		finished = formatTime(*run.FinishedAt)
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipeline_runs (
				run_id, mode, started_at, finished_at,
				signals_found, signals_new, signals_suppressed,
				prospects_pushed, prospects_rejected, prospects_held,
				errors, detail
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id) DO UPDATE SET
				finished_at = excluded.finished_at,
				signals_found = excluded.signals_found,
				signals_new = excluded.signals_new,
				signals_suppressed = excluded.signals_suppressed,
				prospects_pushed = excluded.prospects_pushed,
				prospects_rejected = excluded.prospects_rejected,
				prospects_held = excluded.prospects_held,
				errors = excluded.errors,
				detail = excluded.detail
		`, run.RunID, run.Mode, formatTime(run.StartedAt), finished,
			run.SignalsFound, run.SignalsNew, run.SignalsSuppressed,
			run.ProspectsPushed, run.ProspectsRejected, run.ProspectsHeld,
			run.Errors, string(detail))
		if err != nil {
			return fmt.Errorf("save pipeline run: %w", err)
		}
		return nil
	})
}

// GetRuns returns the most recent pipeline runs, newest first.
func (s *SignalStore) GetRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, started_at, finished_at,
		       signals_found, signals_new, signals_suppressed,
		       prospects_pushed, prospects_rejected, prospects_held,
		       errors, detail
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load pipeline runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var (
			run      RunRecord
			started  string
			finished sql.NullString
			detail   sql.NullString
		)
		if err := rows.Scan(
			&run.RunID, &run.Mode, &started, &finished,
			&run.SignalsFound, &run.SignalsNew, &run.SignalsSuppressed,
			&run.ProspectsPushed, &run.ProspectsRejected, &run.ProspectsHeld,
			&run.Errors, &detail,
		); err != nil {
			return nil, err
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if finished.Valid && finished.String != "" {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, err
			}
			run.FinishedAt = &t
		}
		if detail.Valid && detail.String != "" && detail.String != "null" {
			if err := json.Unmarshal([]byte(detail.String), &run.Detail); err != nil {
				return nil, fmt.Errorf("decode run detail: %w", err)
			}
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
