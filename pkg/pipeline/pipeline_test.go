package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/observability"
	"github.com/pressonlabs/discovery/pkg/pusher"
	"github.com/pressonlabs/discovery/pkg/signal"
	"github.com/pressonlabs/discovery/pkg/store"
	"github.com/pressonlabs/discovery/pkg/suppression"
)

var now = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

type stubCollector struct{ name string }

func (s *stubCollector) Name() string               { return s.name }
func (s *stubCollector) Open(context.Context) error { return nil }
func (s *stubCollector) Close() error               { return nil }
func (s *stubCollector) Collect(context.Context, collector.Window) ([]signal.Signal, error) {
	return nil, nil
}

type fakeRunner struct {
	results   []collector.Result
	err       error
	window    collector.Window
	dryRun    bool
	collected []string
}

func (f *fakeRunner) RunAll(_ context.Context, cs []collector.Collector, window collector.Window, dryRun bool) ([]collector.Result, error) {
	f.window = window
	f.dryRun = dryRun
	for _, c := range cs {
		f.collected = append(f.collected, c.Name())
	}
	return f.results, f.err
}

type fakeProcessor struct {
	result *pusher.BatchResult
	err    error
	opts   pusher.Options
}

func (f *fakeProcessor) Process(_ context.Context, opts pusher.Options) (*pusher.BatchResult, error) {
	f.opts = opts
	return f.result, f.err
}

type fakeSyncer struct {
	result *suppression.Result
	err    error
	calls  int
	opts   suppression.Options
}

func (f *fakeSyncer) Sync(_ context.Context, opts suppression.Options) (*suppression.Result, error) {
	f.calls++
	f.opts = opts
	return f.result, f.err
}

type fakeRunStore struct {
	runs     []store.RunRecord
	stats    *store.Stats
	statsErr error
	history  []store.RunRecord
}

func (f *fakeRunStore) SaveRun(_ context.Context, run store.RunRecord) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRunStore) GetStats(context.Context) (*store.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if f.stats != nil {
		return f.stats, nil
	}
	return &store.Stats{}, nil
}

func (f *fakeRunStore) GetRuns(context.Context, int) ([]store.RunRecord, error) {
	return f.history, nil
}

func (f *fakeRunStore) Close() error { return nil }

type fakeProbe struct {
	configured bool
	validation *notion.ValidationResult
	err        error
}

func (f *fakeProbe) Configured() bool { return f.configured }

func (f *fakeProbe) ValidateSchema(context.Context, bool) (*notion.ValidationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.validation != nil {
		return f.validation, nil
	}
	return &notion.ValidationResult{Valid: true}, nil
}

type fixture struct {
	pipeline *Pipeline
	runner   *fakeRunner
	pusher   *fakeProcessor
	syncer   *fakeSyncer
	store    *fakeRunStore
	probe    *fakeProbe
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()

	reg := collector.NewRegistry()
	for _, n := range names {
		reg.Register(&stubCollector{name: n})
	}

	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	f := &fixture{
		runner: &fakeRunner{},
		pusher: &fakeProcessor{result: &pusher.BatchResult{}},
		syncer: &fakeSyncer{result: &suppression.Result{}},
		store:  &fakeRunStore{},
		probe:  &fakeProbe{configured: true},
	}
	f.pipeline = &Pipeline{
		tuning:   config.DefaultTuning(),
		registry: reg,
		runner:   f.runner,
		pusher:   f.pusher,
		syncer:   f.syncer,
		store:    f.store,
		crm:      f.probe,
		obs:      obs,
		logger:   slog.Default(),
		now:      func() time.Time { return now },
		newID:    func() string { return "run-1" },
	}
	return f
}

func TestCollect_AggregatesResults(t *testing.T) {
	f := newFixture(t, "github", "sec_edgar")
	f.runner.results = []collector.Result{
		{Collector: "github", SignalsFound: 5, SignalsNew: 3, SignalsSuppressed: 1},
		{Collector: "sec_edgar", SignalsFound: 2, SignalsNew: 2, Errors: []string{"one bad record"}},
	}

	report, err := f.pipeline.Collect(context.Background(), CollectOptions{})
	require.NoError(t, err)

	assert.Equal(t, 7, report.Found)
	assert.Equal(t, 5, report.New)
	assert.Equal(t, 1, report.Suppressed)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, []string{"github", "sec_edgar"}, f.runner.collected)

	// Default lookback is seven days.
	assert.True(t, f.runner.window.Since.Equal(now.Add(-7*24*time.Hour)))
	assert.True(t, f.runner.window.Until.Equal(now))
}

func TestCollect_OnlyFilter(t *testing.T) {
	f := newFixture(t, "github", "sec_edgar", "arxiv")

	_, err := f.pipeline.Collect(context.Background(), CollectOptions{Only: []string{"arxiv"}, LookbackDays: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"arxiv"}, f.runner.collected)
	assert.True(t, f.runner.window.Since.Equal(now.Add(-2*24*time.Hour)))
}

func TestCollect_EnabledListFilters(t *testing.T) {
	f := newFixture(t, "github", "sec_edgar")
	f.pipeline.tuning.Collectors.Enabled = []string{"sec_edgar"}

	_, err := f.pipeline.Collect(context.Background(), CollectOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sec_edgar"}, f.runner.collected)
}

func TestCollect_CancelledReturnsPartialReport(t *testing.T) {
	f := newFixture(t, "github", "sec_edgar")
	f.runner.results = []collector.Result{
		{
			Collector: "github", Status: collector.StatusPartialSuccess,
			Cancelled: true, SignalsFound: 3, SignalsNew: 2,
			Errors: []string{"cancelled: context canceled"},
		},
		{Collector: "sec_edgar", Status: collector.StatusPartialSuccess, Cancelled: true},
	}
	f.runner.err = context.Canceled

	report, err := f.pipeline.Collect(context.Background(), CollectOptions{})
	assert.ErrorIs(t, err, context.Canceled)

	// The accounting gathered before the cut travels with the error.
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 3, report.Found)
	assert.Equal(t, 2, report.New)
	assert.Equal(t, 1, report.Errors)
}

func TestProcess_MapsOptions(t *testing.T) {
	f := newFixture(t)
	f.pusher.result = &pusher.BatchResult{Pushed: 2, Held: 1}

	res, err := f.pipeline.Process(context.Background(), ProcessOptions{
		DryRun: true, Limit: 50, SignalType: "incorporation",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pushed)
	assert.True(t, f.pusher.opts.DryRun)
	assert.Equal(t, 50, f.pusher.opts.Limit)
	assert.Equal(t, signal.TypeIncorporation, f.pusher.opts.SignalType)
}

func TestSync_MapsOptions(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Sync(context.Background(), SyncOptions{DryRun: true, TTLDays: 3})
	require.NoError(t, err)
	assert.True(t, f.syncer.opts.DryRun)
	assert.Equal(t, 72*time.Hour, f.syncer.opts.TTL)
}

func TestFull_PersistsRunRecord(t *testing.T) {
	f := newFixture(t, "github")
	f.runner.results = []collector.Result{
		{Collector: "github", SignalsFound: 4, SignalsNew: 3, SignalsSuppressed: 1},
	}
	f.pusher.result = &pusher.BatchResult{Pushed: 2, Rejected: 1}

	report, err := f.pipeline.Full(context.Background(), FullOptions{})
	require.NoError(t, err)

	assert.False(t, report.Degraded)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 1, f.syncer.calls)

	require.Len(t, f.store.runs, 2)
	start, final := f.store.runs[0], f.store.runs[1]
	assert.Nil(t, start.FinishedAt)
	require.NotNil(t, final.FinishedAt)
	assert.Equal(t, 4, final.SignalsFound)
	assert.Equal(t, 3, final.SignalsNew)
	assert.Equal(t, 2, final.ProspectsPushed)
	assert.Equal(t, 1, final.ProspectsRejected)
	assert.Zero(t, final.Errors)
}

func TestFull_SyncFailureDegradesButContinues(t *testing.T) {
	f := newFixture(t, "github")
	f.syncer.err = errors.New("notion down")
	f.runner.results = []collector.Result{{Collector: "github", SignalsFound: 1, SignalsNew: 1}}

	report, err := f.pipeline.Full(context.Background(), FullOptions{})
	require.NoError(t, err)

	assert.True(t, report.Degraded)
	assert.Contains(t, report.PhaseErrors["sync"], "notion down")
	// Collection and processing still ran.
	assert.NotNil(t, report.Collect)
	assert.NotNil(t, report.Process)
	assert.Equal(t, 1, report.Collect.New)
}

func TestFull_DryRunNotPersisted(t *testing.T) {
	f := newFixture(t, "github")

	report, err := f.pipeline.Full(context.Background(), FullOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Empty(t, f.store.runs)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "github")
	report := f.pipeline.Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, "ok", report.Store)
	assert.Equal(t, "ok", report.CRM)
	assert.Equal(t, map[string]string{"github": "ok"}, report.Collectors)
}

type pingingCollector struct {
	stubCollector
	pingErr error
}

func (p *pingingCollector) Ping(context.Context) error { return p.pingErr }

func TestHealth_SourcePing(t *testing.T) {
	f := newFixture(t)
	f.pipeline.registry.Register(&pingingCollector{stubCollector: stubCollector{name: "github"}})
	f.pipeline.registry.Register(&pingingCollector{
		stubCollector: stubCollector{name: "crunchbase"},
		pingErr:       errors.New("status 503"),
	})

	report := f.pipeline.Health(context.Background())
	assert.Equal(t, "ok", report.Collectors["github"])
	assert.Contains(t, report.Collectors["crunchbase"], "unreachable")
	assert.NotEmpty(t, report.Problems)
	// An upstream outage is reported without failing the probe.
	assert.True(t, report.Healthy)
}

func TestHealth_CRMNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.probe.configured = false

	report := f.pipeline.Health(context.Background())
	// Collection still works without a CRM, so the pipeline stays healthy.
	assert.True(t, report.Healthy)
	assert.Equal(t, "not configured", report.CRM)
	assert.NotEmpty(t, report.Problems)
}

func TestHealth_SchemaInvalid(t *testing.T) {
	f := newFixture(t)
	f.probe.validation = &notion.ValidationResult{Valid: false, MissingProperties: []string{"Canonical Key"}}

	report := f.pipeline.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, "schema invalid", report.CRM)
}

func TestHealth_StoreDown(t *testing.T) {
	f := newFixture(t)
	f.store.statsErr = errors.New("database locked")

	report := f.pipeline.Health(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, "unavailable", report.Store)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.store.stats = &store.Stats{TotalSignals: 12}
	f.store.history = []store.RunRecord{{RunID: "r1"}}

	report, err := f.pipeline.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), report.Stats.TotalSignals)
	require.Len(t, report.Runs, 1)
}

func TestBuildRegistry_SkipsMissingCredentials(t *testing.T) {
	tuning := config.DefaultTuning()

	reg := buildRegistry(&config.Config{}, tuning)
	assert.Equal(t,
		[]string{"sec_edgar", "domain_whois", "hacker_news", "arxiv", "job_postings"},
		reg.Names())

	reg = buildRegistry(&config.Config{
		CompaniesHouseKey: "k", GitHubToken: "t", CrunchbaseKey: "c", ProductHuntToken: "p",
	}, tuning)
	assert.Len(t, reg.Names(), 10)
}
