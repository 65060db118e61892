// Package store is the embedded persistence layer of the discovery engine.
// One SQLite file holds raw signals, their processing records, the CRM
// suppression cache and pipeline run accounting. The store is the single
// writer; every multi-step mutation runs inside one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressonlabs/discovery/pkg/signal"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidTransition is returned when a processing record is asked to
	// leave a terminal state. Pending -> Pushed and Pending -> Rejected are
	// the only legal transitions.
	ErrInvalidTransition = errors.New("store: invalid processing transition")
)

// SignalStore is the embedded single-writer signal database.
//
// Writes are serialized through an internal mutex; reads run concurrently
// against the same connection pool. Callers never manage transactions for
// the built-in operations; Transaction is available for multi-operation
// units.
type SignalStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// Serializes write transactions. SQLite allows one writer at a time;
	// taking the lock here keeps contention out of the driver.
	writeMu sync.Mutex
}

// Open opens (creating if necessary) the database at path and applies any
// pending schema migrations.
func Open(ctx context.Context, path string) (*SignalStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &SignalStore{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SignalStore) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *SignalStore) Path() string {
	return s.path
}

// Transaction runs fn inside one write transaction, committing on nil and
// rolling back on error or panic.
func (s *SignalStore) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.runTx(ctx, fn)
}

func (s *SignalStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveSignal inserts a signal and its pending processing record in one
// transaction. Idempotent: when the (canonical_key, signal_type, source_api,
// detected_at) row already exists the existing id is returned with
// isNew=false and nothing is written.
func (s *SignalStore) SaveSignal(ctx context.Context, sig signal.Signal) (id int64, isNew bool, err error) {
	raw, err := json.Marshal(sig.RawData)
	if err != nil {
		return 0, false, fmt.Errorf("marshal raw data: %w", err)
	}
	flags, err := json.Marshal(sig.WarningFlags)
	if err != nil {
		return 0, false, fmt.Errorf("marshal warning flags: %w", err)
	}

	createdAt := sig.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	detectedAt := sig.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = createdAt
	}

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO signals (
				signal_type, source_api, canonical_key, company_name,
				confidence, raw_data, warning_flags, detected_at, created_at,
				source_url, source_response_hash
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(canonical_key, signal_type, source_api, detected_at) DO NOTHING
		`,
			string(sig.Type), sig.SourceAPI, sig.CanonicalKey, nullable(sig.CompanyName),
			sig.Confidence, string(raw), string(flags),
			formatTime(detectedAt), formatTime(createdAt),
			nullable(sig.SourceURL), nullable(sig.SourceResponseHash),
		)
		if err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}
		if affected == 0 {
			// Duplicate source event: hand back the existing row.
			row := tx.QueryRowContext(ctx, `
				SELECT id FROM signals
				WHERE canonical_key = ? AND signal_type = ? AND source_api = ? AND detected_at = ?
			`, sig.CanonicalKey, string(sig.Type), sig.SourceAPI, formatTime(detectedAt))
			if err := row.Scan(&id); err != nil {
				return fmt.Errorf("resolve duplicate signal: %w", err)
			}
			isNew = false
			return nil
		}

		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert signal: %w", err)
		}
		isNew = true

		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signal_processing (signal_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, id, string(signal.StatusPending), now, now); err != nil {
			return fmt.Errorf("insert processing record: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if isNew {
		s.logger.Debug("signal saved",
			"signal_id", id, "type", sig.Type, "canonical_key", sig.CanonicalKey)
	}
	return id, isNew, nil
}

// IsDuplicate reports whether any signal exists for the canonical key.
func (s *SignalStore) IsDuplicate(ctx context.Context, canonicalKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM signals WHERE canonical_key = ?`, canonicalKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return n > 0, nil
}

const signalColumns = `
	s.id, s.signal_type, s.source_api, s.canonical_key, s.company_name,
	s.confidence, s.raw_data, s.warning_flags, s.detected_at, s.created_at,
	s.source_url, s.source_response_hash,
	p.status, p.crm_page_id, p.processed_at, p.error_message`

// GetSignal loads one signal with its processing record.
func (s *SignalStore) GetSignal(ctx context.Context, id int64) (*StoredSignal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals s
		LEFT JOIN signal_processing p ON p.signal_id = s.id
		WHERE s.id = ?
	`, id)

	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// PendingFilter narrows GetPendingSignals.
type PendingFilter struct {
	Limit      int
	SignalType signal.Type
}

// GetPendingSignals returns unprocessed signals, oldest detection first.
func (s *SignalStore) GetPendingSignals(ctx context.Context, filter PendingFilter) ([]*StoredSignal, error) {
	query := `
		SELECT ` + signalColumns + `
		FROM signals s
		INNER JOIN signal_processing p ON p.signal_id = s.id
		WHERE p.status = ?`
	args := []any{string(signal.StatusPending)}

	if filter.SignalType != "" {
		query += ` AND s.signal_type = ?`
		args = append(args, string(filter.SignalType))
	}
	query += ` ORDER BY s.detected_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSignals(rows)
}

// GetSignalsForCompany returns every signal for the canonical key, ordered
// by detection time ascending.
func (s *SignalStore) GetSignalsForCompany(ctx context.Context, canonicalKey string) ([]*StoredSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals s
		LEFT JOIN signal_processing p ON p.signal_id = s.id
		WHERE s.canonical_key = ?
		ORDER BY s.detected_at ASC
	`, canonicalKey)
	if err != nil {
		return nil, fmt.Errorf("load company signals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSignals(rows)
}

// MarkPushed transitions the signal's processing record from Pending to
// Pushed, recording the CRM page and decision metadata.
func (s *SignalStore) MarkPushed(ctx context.Context, signalID int64, crmPageID string, metadata map[string]any) error {
	return s.finishProcessing(ctx, signalID, signal.StatusPushed, crmPageID, "", metadata)
}

// MarkRejected transitions the signal's processing record from Pending to
// Rejected with the given reason.
func (s *SignalStore) MarkRejected(ctx context.Context, signalID int64, reason string, metadata map[string]any) error {
	return s.finishProcessing(ctx, signalID, signal.StatusRejected, "", reason, metadata)
}

func (s *SignalStore) finishProcessing(ctx context.Context, signalID int64, status signal.ProcessingStatus, crmPageID, errorMessage string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal processing metadata: %w", err)
	}

	return s.Transaction(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx, `
			UPDATE signal_processing
			SET status = ?, crm_page_id = ?, processed_at = ?,
			    error_message = ?, metadata = ?, updated_at = ?
			WHERE signal_id = ? AND status = ?
		`, string(status), nullable(crmPageID), now,
			nullable(errorMessage), string(meta), now,
			signalID, string(signal.StatusPending))
		if err != nil {
			return fmt.Errorf("update processing record: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update processing record: %w", err)
		}
		if affected == 0 {
			var current string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM signal_processing WHERE signal_id = ?`, signalID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("signal %d: %w", signalID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("inspect processing record: %w", err)
			}
			return fmt.Errorf("signal %d is %s: %w", signalID, current, ErrInvalidTransition)
		}
		return nil
	})
}

// UpdateSuppressionCache upserts the batch atomically. Refreshing an
// existing canonical key updates the row in place.
func (s *SignalStore) UpdateSuppressionCache(ctx context.Context, entries []signal.SuppressionEntry) (int, error) {
	count := 0
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			meta, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("marshal suppression metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO suppression_cache (
					canonical_key, crm_page_id, status, company_name,
					cached_at, expires_at, metadata
				)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(canonical_key) DO UPDATE SET
					crm_page_id = excluded.crm_page_id,
					status = excluded.status,
					company_name = excluded.company_name,
					cached_at = excluded.cached_at,
					expires_at = excluded.expires_at,
					metadata = excluded.metadata
			`, e.CanonicalKey, e.CRMPageID, e.Status, nullable(e.CompanyName),
				formatTime(e.CachedAt),
				formatTime(e.ExpiresAt),
				string(meta)); err != nil {
				return fmt.Errorf("upsert suppression entry %s: %w", e.CanonicalKey, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CheckSuppression returns the non-expired suppression entry for the key,
// or ErrNotFound. An expired entry is treated as absent.
func (s *SignalStore) CheckSuppression(ctx context.Context, canonicalKey string) (*signal.SuppressionEntry, error) {
	now := formatTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		SELECT canonical_key, crm_page_id, status, company_name, cached_at, expires_at, metadata
		FROM suppression_cache
		WHERE canonical_key = ? AND expires_at > ?
	`, canonicalKey, now)

	var (
		e       signal.SuppressionEntry
		company sql.NullString
		cached  string
		expires string
		meta    sql.NullString
	)
	err := row.Scan(&e.CanonicalKey, &e.CRMPageID, &e.Status, &company, &cached, &expires, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("suppression lookup: %w", err)
	}

	e.CompanyName = company.String
	if e.CachedAt, err = parseTime(cached); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode suppression metadata: %w", err)
		}
	}
	return &e, nil
}

// CleanExpiredCache removes expired suppression entries and returns the
// count removed.
func (s *SignalStore) CleanExpiredCache(ctx context.Context) (int64, error) {
	var removed int64
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM suppression_cache WHERE expires_at <= ?`,
			formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("clean suppression cache: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("expired suppression entries removed", "count", removed)
	}
	return removed, nil
}

// Stats summarizes store contents.
type Stats struct {
	TotalSignals      int64            `json:"total_signals"`
	SignalsByType     map[string]int64 `json:"signals_by_type"`
	ProcessingByState map[string]int64 `json:"processing_by_status"`
	ActiveSuppression int64            `json:"active_suppression_entries"`
	DatabasePath      string           `json:"database_path"`
}

// GetStats returns signal, processing and suppression counts.
func (s *SignalStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		SignalsByType:     map[string]int64{},
		ProcessingByState: map[string]int64{},
		DatabasePath:      s.path,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT signal_type, COUNT(*) FROM signals GROUP BY signal_type`)
	if err != nil {
		return nil, fmt.Errorf("signal stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		stats.SignalsByType[typ] = n
		stats.TotalSignals += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM signal_processing GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("processing stats: %w", err)
	}
	defer func() { _ = prows.Close() }()
	for prows.Next() {
		var st string
		var n int64
		if err := prows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats.ProcessingByState[st] = n
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suppression_cache WHERE expires_at > ?`,
		formatTime(time.Now())).Scan(&stats.ActiveSuppression)
	if err != nil {
		return nil, fmt.Errorf("suppression stats: %w", err)
	}
	return stats, nil
}

// timeLayout is fixed width so stored timestamps order correctly under
// sqlite's text comparison. RFC3339Nano drops trailing zeros, which makes
// "…:05.1Z" sort before "…:05.09Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
