package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/pusher"
	"github.com/pressonlabs/discovery/pkg/signal"
	"github.com/pressonlabs/discovery/pkg/store"
	"github.com/pressonlabs/discovery/pkg/suppression"
)

// CollectOptions bounds one collection run.
type CollectOptions struct {
	DryRun       bool
	LookbackDays int
	// Only restricts the run to the named collectors. Empty runs all
	// enabled collectors.
	Only []string
}

// ProcessOptions bounds one processing batch.
type ProcessOptions struct {
	DryRun     bool
	Limit      int
	SignalType string
}

// FullOptions bounds one full pipeline run.
type FullOptions struct {
	DryRun       bool
	LookbackDays int
	Limit        int
}

// CollectReport aggregates one collection run. Cancelled runs still carry
// the per-collector accounting gathered before the cut.
type CollectReport struct {
	Results    []collector.Result `json:"results"`
	Found      int                `json:"signals_found"`
	New        int                `json:"signals_new"`
	Suppressed int                `json:"signals_suppressed"`
	Errors     int                `json:"errors"`
	Cancelled  bool               `json:"cancelled,omitempty"`
}

// RunReport is the outcome of one full pipeline run. Phases run in fixed
// order; a failed phase is recorded and the remaining phases still run.
type RunReport struct {
	RunID       string              `json:"run_id"`
	Mode        string              `json:"mode"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	DryRun      bool                `json:"dry_run"`
	Sync        *suppression.Result `json:"sync,omitempty"`
	Collect     *CollectReport      `json:"collect,omitempty"`
	Process     *pusher.BatchResult `json:"process,omitempty"`
	PhaseErrors map[string]string   `json:"phase_errors,omitempty"`
	Degraded    bool                `json:"degraded"`
}

// StatsReport is the store's counters plus recent run history.
type StatsReport struct {
	Stats *store.Stats      `json:"stats"`
	Runs  []store.RunRecord `json:"recent_runs,omitempty"`
}

// HealthReport is the liveness probe for the CLI health command.
// Collectors maps each registered source to "ok" or the ping failure.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Store      string            `json:"store"`
	CRM        string            `json:"crm"`
	Collectors map[string]string `json:"collectors"`
	Problems   []string          `json:"problems,omitempty"`
}

// Collect runs the enabled collectors over the lookback window.
func (p *Pipeline) Collect(ctx context.Context, opts CollectOptions) (*CollectReport, error) {
	done := p.obs.TrackPhase(ctx, "collect")

	selected := p.registry.Select(func(name string) bool {
		if !p.tuning.CollectorEnabled(name) {
			return false
		}
		if len(opts.Only) == 0 {
			return true
		}
		for _, n := range opts.Only {
			if n == name {
				return true
			}
		}
		return false
	})

	days := opts.LookbackDays
	if days <= 0 {
		days = p.tuning.Collectors.LookbackDays
	}
	window := collector.LookbackWindow(p.now(), days)

	results, err := p.runner.RunAll(ctx, selected, window, opts.DryRun)
	done(err)

	// A cancelled run still reports what each collector persisted before
	// the cut, so the error travels with a partial report, not instead of
	// one.
	report := &CollectReport{Results: results}
	for _, res := range results {
		report.Found += res.SignalsFound
		report.New += res.SignalsNew
		report.Suppressed += res.SignalsSuppressed
		report.Errors += len(res.Errors)
		report.Cancelled = report.Cancelled || res.Cancelled
		p.obs.RecordCollection(ctx, res.Collector, res.SignalsFound, res.SignalsNew, res.SignalsSuppressed)
	}
	p.logger.Info("collection run finished",
		"collectors", len(results), "found", report.Found,
		"new", report.New, "suppressed", report.Suppressed,
		"errors", report.Errors, "cancelled", report.Cancelled)
	return report, err
}

// Process runs one gate-and-push batch over pending signals.
func (p *Pipeline) Process(ctx context.Context, opts ProcessOptions) (*pusher.BatchResult, error) {
	done := p.obs.TrackPhase(ctx, "process")
	res, err := p.pusher.Process(ctx, pusher.Options{
		Limit:      opts.Limit,
		SignalType: signal.Type(opts.SignalType),
		DryRun:     opts.DryRun,
	})
	done(err)
	if err != nil {
		return nil, err
	}

	p.obs.RecordDecisions(ctx, "pushed", res.Pushed)
	p.obs.RecordDecisions(ctx, "rejected", res.Rejected)
	p.obs.RecordDecisions(ctx, "held", res.Held)
	p.obs.RecordDecisions(ctx, "skipped", res.Skipped)
	return res, nil
}

// SyncOptions bounds one suppression sync.
type SyncOptions struct {
	DryRun  bool
	TTLDays int
}

// Sync refreshes the suppression cache from the CRM.
func (p *Pipeline) Sync(ctx context.Context, opts SyncOptions) (*suppression.Result, error) {
	done := p.obs.TrackPhase(ctx, "sync")
	res, err := p.syncer.Sync(ctx, suppression.Options{
		DryRun: opts.DryRun,
		TTL:    time.Duration(opts.TTLDays) * 24 * time.Hour,
	})
	done(err)
	return res, err
}

// Full runs sync, collect and process in order and persists the run
// record. The suppression sync runs first so collection sees a warm
// cache. A phase failure degrades the run but never aborts the phases
// after it. Dry runs are not persisted.
func (p *Pipeline) Full(ctx context.Context, opts FullOptions) (*RunReport, error) {
	report := &RunReport{
		RunID:       p.newID(),
		Mode:        "full",
		StartedAt:   p.now().UTC(),
		DryRun:      opts.DryRun,
		PhaseErrors: map[string]string{},
	}
	log := p.logger.With("run_id", report.RunID)
	log.Info("full run started", "dry_run", opts.DryRun)

	if !opts.DryRun {
		if err := p.store.SaveRun(ctx, p.runRecord(report)); err != nil {
			return nil, fmt.Errorf("record run start: %w", err)
		}
	}

	sync, err := p.Sync(ctx, SyncOptions{DryRun: opts.DryRun})
	if err != nil {
		report.PhaseErrors["sync"] = err.Error()
		log.Warn("suppression sync failed, collecting with stale cache", "error", err)
	}
	report.Sync = sync

	collect, err := p.Collect(ctx, CollectOptions{DryRun: opts.DryRun, LookbackDays: opts.LookbackDays})
	if err != nil {
		report.PhaseErrors["collect"] = err.Error()
		log.Error("collection failed", "error", err)
	}
	report.Collect = collect

	process, err := p.Process(ctx, ProcessOptions{DryRun: opts.DryRun, Limit: opts.Limit})
	if err != nil {
		report.PhaseErrors["process"] = err.Error()
		log.Error("processing failed", "error", err)
	}
	report.Process = process

	report.FinishedAt = p.now().UTC()
	report.Degraded = len(report.PhaseErrors) > 0

	if !opts.DryRun {
		if err := p.store.SaveRun(ctx, p.runRecord(report)); err != nil {
			log.Error("failed to record run outcome", "error", err)
			report.PhaseErrors["record"] = err.Error()
			report.Degraded = true
		}
	}

	log.Info("full run finished", "degraded", report.Degraded, "phase_errors", len(report.PhaseErrors))
	return report, nil
}

func (p *Pipeline) runRecord(report *RunReport) store.RunRecord {
	rec := store.RunRecord{
		RunID:     report.RunID,
		Mode:      report.Mode,
		StartedAt: report.StartedAt,
		Errors:    len(report.PhaseErrors),
		Detail:    map[string]any{},
	}
	if !report.FinishedAt.IsZero() {
		finished := report.FinishedAt
		rec.FinishedAt = &finished
	}
	if report.Collect != nil {
		rec.SignalsFound = report.Collect.Found
		rec.SignalsNew = report.Collect.New
		rec.SignalsSuppressed = report.Collect.Suppressed
	}
	if report.Process != nil {
		rec.ProspectsPushed = report.Process.Pushed
		rec.ProspectsRejected = report.Process.Rejected
		rec.ProspectsHeld = report.Process.Held
	}
	if len(report.PhaseErrors) > 0 {
		rec.Detail["phase_errors"] = report.PhaseErrors
	}
	if report.Sync != nil {
		rec.Detail["suppression"] = report.Sync
	}
	return rec
}

// Stats returns store counters and recent run history.
func (p *Pipeline) Stats(ctx context.Context) (*StatsReport, error) {
	stats, err := p.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := p.store.GetRuns(ctx, 10)
	if err != nil {
		return nil, err
	}
	return &StatsReport{Stats: stats, Runs: runs}, nil
}

// Health probes the store, the CRM and every registered source without
// writing anything. An unreachable source is reported but does not flip
// Healthy; an outage upstream is theirs, not ours.
func (p *Pipeline) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Healthy:    true,
		Store:      "ok",
		Collectors: map[string]string{},
	}

	if _, err := p.store.GetStats(ctx); err != nil {
		report.Store = "unavailable"
		report.Healthy = false
		report.Problems = append(report.Problems, fmt.Sprintf("store: %v", err))
	}

	for _, name := range p.registry.Names() {
		c, _ := p.registry.Get(name)
		pinger, ok := c.(collector.Pinger)
		if !ok {
			report.Collectors[name] = "ok"
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			report.Collectors[name] = fmt.Sprintf("unreachable: %v", err)
			report.Problems = append(report.Problems, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		report.Collectors[name] = "ok"
	}

	switch {
	case !p.crm.Configured():
		report.CRM = "not configured"
		report.Problems = append(report.Problems, "crm: missing token or database id")
	default:
		validation, err := p.crm.ValidateSchema(ctx, false)
		switch {
		case err != nil:
			report.CRM = "unreachable"
			report.Healthy = false
			report.Problems = append(report.Problems, fmt.Sprintf("crm: %v", err))
		case !validation.Valid:
			report.CRM = "schema invalid"
			report.Healthy = false
			report.Problems = append(report.Problems, "crm: "+validation.String())
		default:
			report.CRM = "ok"
		}
	}
	return report
}
