package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Versioned schema migrations. Applied in order inside one transaction per
// version; schema_migrations records what already ran so reopening an old
// database upgrades it in place.
var migrations = []struct {
	version int
	name    string
	stmts   []string
}{
	{
		version: 1,
		name:    "initial schema",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS signals (
				id                   INTEGER PRIMARY KEY AUTOINCREMENT,
				signal_type          TEXT NOT NULL,
				source_api           TEXT NOT NULL,
				canonical_key        TEXT NOT NULL,
				company_name         TEXT,
				confidence           REAL NOT NULL DEFAULT 0,
				raw_data             TEXT NOT NULL DEFAULT '{}',
				warning_flags        TEXT NOT NULL DEFAULT '[]',
				detected_at          TEXT NOT NULL,
				created_at           TEXT NOT NULL,
				source_url           TEXT,
				source_response_hash TEXT,
				UNIQUE(canonical_key, signal_type, source_api, detected_at)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_signals_canonical_key ON signals(canonical_key)`,
			`CREATE INDEX IF NOT EXISTS idx_signals_detected_at ON signals(detected_at)`,
			`CREATE TABLE IF NOT EXISTS signal_processing (
				signal_id     INTEGER PRIMARY KEY REFERENCES signals(id),
				status        TEXT NOT NULL DEFAULT 'pending',
				crm_page_id   TEXT,
				processed_at  TEXT,
				error_message TEXT,
				metadata      TEXT,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_processing_status ON signal_processing(status)`,
			`CREATE TABLE IF NOT EXISTS suppression_cache (
				canonical_key TEXT PRIMARY KEY,
				crm_page_id   TEXT NOT NULL,
				status        TEXT NOT NULL,
				company_name  TEXT,
				cached_at     TEXT NOT NULL,
				expires_at    TEXT NOT NULL,
				metadata      TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_suppression_expires ON suppression_cache(expires_at)`,
		},
	},
	{
		version: 2,
		name:    "pipeline run accounting",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS pipeline_runs (
				run_id            TEXT PRIMARY KEY,
				mode              TEXT NOT NULL,
				started_at        TEXT NOT NULL,
				finished_at       TEXT,
				signals_found     INTEGER NOT NULL DEFAULT 0,
				signals_new       INTEGER NOT NULL DEFAULT 0,
				signals_suppressed INTEGER NOT NULL DEFAULT 0,
				prospects_pushed  INTEGER NOT NULL DEFAULT 0,
				prospects_rejected INTEGER NOT NULL DEFAULT 0,
				prospects_held    INTEGER NOT NULL DEFAULT 0,
				errors            INTEGER NOT NULL DEFAULT 0,
				detail            TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at)`,
		},
	},
}

func (s *SignalStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		err := s.runTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano))
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("schema migration applied", "version", m.version, "name", m.name)
	}
	return nil
}
