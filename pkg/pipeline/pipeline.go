// Package pipeline wires the discovery components into runnable jobs:
// suppression sync, collection, batch processing, the combined full run,
// plus stats and health probes for the CLI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/collector/sources"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/observability"
	"github.com/pressonlabs/discovery/pkg/pusher"
	"github.com/pressonlabs/discovery/pkg/store"
	"github.com/pressonlabs/discovery/pkg/suppression"
)

// ErrStoreUnavailable means the signal database could not be opened or
// migrated. The CLI maps it to its own exit code so cron wrappers can
// tell a broken disk from a broken config.
var ErrStoreUnavailable = errors.New("pipeline: store unavailable")

// fundingRawSchema is the raw-data contract for funding signals: if a
// raise amount is present it must be numeric, because the pusher sizes
// the investment stage from it.
const fundingRawSchema = `{
	"type": "object",
	"properties": {
		"money_raised_usd": {"type": "number", "minimum": 0}
	}
}`

type collectRunner interface {
	RunAll(ctx context.Context, collectors []collector.Collector, window collector.Window, dryRun bool) ([]collector.Result, error)
}

type processor interface {
	Process(ctx context.Context, opts pusher.Options) (*pusher.BatchResult, error)
}

type suppressionSyncer interface {
	Sync(ctx context.Context, opts suppression.Options) (*suppression.Result, error)
}

type runStore interface {
	SaveRun(ctx context.Context, run store.RunRecord) error
	GetStats(ctx context.Context) (*store.Stats, error)
	GetRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	Close() error
}

type crmProbe interface {
	Configured() bool
	ValidateSchema(ctx context.Context, strict bool) (*notion.ValidationResult, error)
}

// Pipeline binds the store, collectors, gate and CRM into jobs.
type Pipeline struct {
	tuning   *config.Tuning
	registry *collector.Registry
	runner   collectRunner
	pusher   processor
	syncer   suppressionSyncer
	store    runStore
	crm      crmProbe
	obs      *observability.Provider
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New builds the production pipeline from configuration: it opens the
// store, runs migrations, and registers every collector whose credentials
// are present. A missing credential disables its collector with a warning
// instead of failing startup.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	tuning, err := config.LoadTuning(cfg.TuningPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	obsCfg := observability.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		obsCfg.Enabled = true
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	crm := notion.New(newClient("notion", tuning), notion.Options{
		Token:          cfg.NotionToken,
		DatabaseID:     cfg.NotionDatabaseID,
		Statuses:       tuning.CRM.Statuses,
		Stages:         tuning.CRM.Stages,
		TerminalSet:    tuning.CRM.TerminalSet,
		SchemaCacheTTL: tuning.CRM.SchemaCacheTTL.Std(),
	})

	runner := collector.NewRunner(st)
	runner.RunTimeout = tuning.Collectors.RunTimeout.Std()
	if err := runner.RegisterSchema("funding_event", fundingRawSchema); err != nil {
		_ = st.Close()
		return nil, err
	}

	push := pusher.New(st, crm, tuning.GateParams())
	push.PushTimeout = tuning.CRM.PushTimeout.Std()

	p := &Pipeline{
		tuning:   tuning,
		registry: buildRegistry(cfg, tuning),
		runner:   runner,
		pusher:   push,
		syncer:   suppression.New(st, crm, tuning.CRM.SuppressionTTL.Std()),
		store:    st,
		crm:      crm,
		obs:      obs,
		logger:   slog.Default().With("component", "pipeline"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	return p, nil
}

func newClient(source string, tuning *config.Tuning) *httpclient.Client {
	rl := tuning.RateLimitFor(source)
	return httpclient.New(source, httpclient.Options{
		Timeout:           tuning.HTTP.Timeout.Std(),
		MaxRetries:        tuning.HTTP.Retries,
		RequestsPerSecond: rl.RequestsPerSecond,
		Burst:             rl.Burst,
	})
}

// buildRegistry registers every collector that can run with the present
// credentials, in the order results are reported.
func buildRegistry(cfg *config.Config, tuning *config.Tuning) *collector.Registry {
	logger := slog.Default().With("component", "pipeline")
	watchlist := tuning.Collectors.Watchlist

	reg := collector.NewRegistry()
	add := func(c collector.Collector, credential string) {
		if credential == "" {
			logger.Warn("collector disabled", "collector", c.Name(), "reason", sources.ErrMissingCredential)
			return
		}
		reg.Register(c)
	}

	add(sources.NewCompaniesHouse(newClient("companies_house", tuning), cfg.CompaniesHouseKey), cfg.CompaniesHouseKey)
	reg.Register(sources.NewSECEdgar(newClient("sec_edgar", tuning)))
	add(sources.NewGitHubSpikes(newClient("github", tuning), cfg.GitHubToken), cfg.GitHubToken)
	add(sources.NewGitHubActivity(newClient("github_activity", tuning), cfg.GitHubToken, watchlist), cfg.GitHubToken)
	add(sources.NewCrunchbase(newClient("crunchbase", tuning), cfg.CrunchbaseKey), cfg.CrunchbaseKey)
	reg.Register(sources.NewDomainWhois(newClient("domain_whois", tuning), watchlist))
	reg.Register(sources.NewHackerNews(newClient("hacker_news", tuning)))
	add(sources.NewProductHunt(newClient("product_hunt", tuning), cfg.ProductHuntToken), cfg.ProductHuntToken)
	reg.Register(sources.NewArxiv(newClient("arxiv", tuning)))
	reg.Register(sources.NewJobPostings(newClient("job_postings", tuning), watchlist))
	return reg
}

// Collectors returns the registered collector names in run order.
func (p *Pipeline) Collectors() []string {
	return p.registry.Names()
}

// Close flushes telemetry and closes the store.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.obs != nil {
		_ = p.obs.Shutdown(ctx)
	}
	return p.store.Close()
}
