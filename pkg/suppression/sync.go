// Package suppression mirrors the CRM into the local suppression cache so
// collectors can skip companies the fund already tracks without a network
// round trip per signal.
package suppression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/signal"
)

// Store is the slice of the signal store the syncer needs.
type Store interface {
	UpdateSuppressionCache(ctx context.Context, entries []signal.SuppressionEntry) (int, error)
	CleanExpiredCache(ctx context.Context) (int64, error)
}

// CRM is the slice of the connector the syncer needs.
type CRM interface {
	SuppressionList(ctx context.Context) ([]notion.Record, error)
}

// Options adjusts one sync run.
type Options struct {
	// TTL overrides the syncer's default entry lifetime when positive.
	TTL time.Duration
	// DryRun fetches and derives keys without touching the cache.
	DryRun bool
}

// Result is the accounting for one sync run.
type Result struct {
	RecordsFetched int   `json:"records_fetched"`
	EntriesWritten int   `json:"entries_written"`
	ExpiredRemoved int64 `json:"expired_removed"`
	StrongKeys     int   `json:"strong_keys"`
	WeakKeys       int   `json:"weak_keys"`
	Unkeyed        int   `json:"unkeyed"`
	DryRun         bool  `json:"dry_run,omitempty"`
}

// Syncer refreshes the suppression cache from the CRM.
type Syncer struct {
	store  Store
	crm    CRM
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New builds a syncer; entries expire after ttl.
func New(st Store, crm CRM, ttl time.Duration) *Syncer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Syncer{
		store:  st,
		crm:    crm,
		ttl:    ttl,
		logger: slog.Default().With("component", "suppression"),
		now:    time.Now,
	}
}

// Sync pulls every CRM record, derives canonical keys and refreshes the
// cache. A record whose stored canonical key is present uses it verbatim;
// otherwise keys are derived from the record's website and name, and every
// candidate is cached so any collector spelling of the identity matches.
func (s *Syncer) Sync(ctx context.Context, opts Options) (*Result, error) {
	records, err := s.crm.SuppressionList(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch suppression list: %w", err)
	}

	ttl := s.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	res := &Result{RecordsFetched: len(records), DryRun: opts.DryRun}

	var entries []signal.SuppressionEntry
	for _, rec := range records {
		keys := s.keysFor(rec)
		if len(keys) == 0 {
			res.Unkeyed++
			s.logger.Warn("crm record has no derivable key", "page_id", rec.PageID, "company", rec.CompanyName)
			continue
		}
		for _, key := range keys {
			if key.Strong() {
				res.StrongKeys++
			} else {
				res.WeakKeys++
			}
			entries = append(entries, signal.SuppressionEntry{
				CanonicalKey: string(key),
				CRMPageID:    rec.PageID,
				Status:       rec.Status,
				CompanyName:  rec.CompanyName,
				CachedAt:     now,
				ExpiresAt:    expires,
				Metadata: map[string]any{
					"stage": rec.Stage,
				},
			})
		}
	}

	if opts.DryRun {
		s.logger.Info("suppression dry run",
			"records", res.RecordsFetched, "derivable_entries", len(entries),
			"unkeyed", res.Unkeyed)
		return res, nil
	}

	written, err := s.store.UpdateSuppressionCache(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("write suppression cache: %w", err)
	}
	res.EntriesWritten = written

	removed, err := s.store.CleanExpiredCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("clean expired cache: %w", err)
	}
	res.ExpiredRemoved = removed

	s.logger.Info("suppression cache refreshed",
		"records", res.RecordsFetched, "written", res.EntriesWritten,
		"expired_removed", res.ExpiredRemoved, "unkeyed", res.Unkeyed)
	return res, nil
}

func (s *Syncer) keysFor(rec notion.Record) []canonical.Key {
	if rec.CanonicalKey != "" {
		return []canonical.Key{canonical.Key(rec.CanonicalKey)}
	}
	keys, err := canonical.Candidates(canonical.Evidence{
		Website:     rec.Website,
		CompanyName: rec.CompanyName,
	})
	if err != nil {
		return nil
	}
	return keys
}
