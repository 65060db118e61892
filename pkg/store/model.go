package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressonlabs/discovery/pkg/signal"
)

// StoredSignal is a persisted signal joined with its processing record.
type StoredSignal struct {
	signal.Signal
	Processing signal.ProcessingRecord
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*StoredSignal, error) {
	var (
		out          StoredSignal
		typ          string
		company      sql.NullString
		rawData      string
		flags        string
		detectedAt   string
		createdAt    string
		sourceURL    sql.NullString
		responseHash sql.NullString
		status       sql.NullString
		crmPageID    sql.NullString
		processedAt  sql.NullString
		errorMessage sql.NullString
	)

	if err := row.Scan(
		&out.ID, &typ, &out.SourceAPI, &out.CanonicalKey, &company,
		&out.Confidence, &rawData, &flags, &detectedAt, &createdAt,
		&sourceURL, &responseHash,
		&status, &crmPageID, &processedAt, &errorMessage,
	); err != nil {
		return nil, err
	}

	out.Type = signal.Type(typ)
	out.CompanyName = company.String
	out.SourceURL = sourceURL.String
	out.SourceResponseHash = responseHash.String

	if rawData != "" && rawData != "null" {
		if err := json.Unmarshal([]byte(rawData), &out.RawData); err != nil {
			return nil, fmt.Errorf("decode raw data for signal %d: %w", out.ID, err)
		}
	}
	if flags != "" && flags != "null" {
		if err := json.Unmarshal([]byte(flags), &out.WarningFlags); err != nil {
			return nil, fmt.Errorf("decode warning flags for signal %d: %w", out.ID, err)
		}
	}

	var err error
	if out.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	if out.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	out.Processing = signal.ProcessingRecord{
		SignalID:     out.ID,
		Status:       signal.ProcessingStatus(status.String),
		CRMPageID:    crmPageID.String,
		ErrorMessage: errorMessage.String,
	}
	if processedAt.Valid && processedAt.String != "" {
		t, err := parseTime(processedAt.String)
		if err != nil {
			return nil, err
		}
		out.Processing.ProcessedAt = &t
	}
	return &out, nil
}

func collectSignals(rows *sql.Rows) ([]*StoredSignal, error) {
	var out []*StoredSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RunRecord is the accounting row for one pipeline invocation.
type RunRecord struct {
	RunID             string         `json:"run_id"`
	Mode              string         `json:"mode"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	SignalsFound      int            `json:"signals_found"`
	SignalsNew        int            `json:"signals_new"`
	SignalsSuppressed int            `json:"signals_suppressed"`
	ProspectsPushed   int            `json:"prospects_pushed"`
	ProspectsRejected int            `json:"prospects_rejected"`
	ProspectsHeld     int            `json:"prospects_held"`
	Errors            int            `json:"errors"`
	Detail            map[string]any `json:"detail,omitempty"`
}
