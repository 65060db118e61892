package pusher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressonlabs/discovery/pkg/gate"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/signal"
	"github.com/pressonlabs/discovery/pkg/store"
)

var now = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu       sync.Mutex
	pending  []*store.StoredSignal
	pushed   map[int64]string
	rejected map[int64]string
}

func newFakeStore(pending ...*store.StoredSignal) *fakeStore {
	return &fakeStore{
		pending:  pending,
		pushed:   map[int64]string{},
		rejected: map[int64]string{},
	}
}

func (f *fakeStore) GetPendingSignals(context.Context, store.PendingFilter) ([]*store.StoredSignal, error) {
	return f.pending, nil
}

func (f *fakeStore) MarkPushed(_ context.Context, id int64, pageID string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[id] = pageID
	return nil
}

func (f *fakeStore) MarkRejected(_ context.Context, id int64, reason string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[id] = reason
	return nil
}

type fakeCRM struct {
	mu         sync.Mutex
	schemaErr  error
	upsertErr  error
	block      bool
	action     notion.Action
	upserts    []notion.ProspectPayload
	nextPageID int
}

func (f *fakeCRM) ValidateSchema(context.Context, bool) (*notion.ValidationResult, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return &notion.ValidationResult{Valid: true}, nil
}

func (f *fakeCRM) UpsertProspect(ctx context.Context, p notion.ProspectPayload) (*notion.UpsertResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("notion: %w", ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, p)
	action := f.action
	if action == "" {
		action = notion.ActionCreated
	}
	f.nextPageID++
	return &notion.UpsertResult{PageID: fmt.Sprintf("page-%d", f.nextPageID), Action: action}, nil
}

func stored(id int64, key string, typ signal.Type, source string, ageDays int) *store.StoredSignal {
	return &store.StoredSignal{
		Signal: signal.Signal{
			ID:           id,
			Type:         typ,
			SourceAPI:    source,
			CanonicalKey: key,
			CompanyName:  "Acme Labs",
			DetectedAt:   now.Add(-time.Duration(ageDays) * 24 * time.Hour),
			RawData:      map[string]any{},
		},
	}
}

func newPusher(st Store, crm CRM) *Pusher {
	p := New(st, crm, gate.DefaultParams())
	p.now = func() time.Time { return now }
	return p
}

func TestProcess_MultiSourceAutoPush(t *testing.T) {
	st := newFakeStore(
		stored(1, "domain:foo.io", signal.TypeGitHubSpike, "github", 2),
		stored(2, "domain:foo.io", signal.TypeIncorporation, "companies_house", 10),
	)
	crm := &fakeCRM{}

	res, err := newPusher(st, crm).Process(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Prospects)
	assert.Equal(t, 1, res.Pushed)
	assert.Empty(t, res.Errors)

	require.Len(t, crm.upserts, 1)
	payload := crm.upserts[0]
	assert.Equal(t, "Source", payload.Status)
	assert.Equal(t, "domain:foo.io", payload.CanonicalKey)
	assert.Equal(t, "https://foo.io", payload.Website)
	assert.Equal(t, "disc_domain_foo_io", payload.DiscoveryID)
	assert.ElementsMatch(t, []string{"github_spike", "incorporation"}, payload.SignalTypes)
	assert.Contains(t, payload.WhyNow, "2 source(s)")

	assert.Equal(t, "page-1", st.pushed[1])
	assert.Equal(t, "page-1", st.pushed[2])
	assert.Empty(t, st.rejected)
}

func TestProcess_HardKillRejectsWithoutCRMCall(t *testing.T) {
	st := newFakeStore(
		stored(1, "companies_house:12345678", signal.TypeIncorporation, "sec_edgar", 1),
		stored(2, "companies_house:12345678", signal.TypeCompanyDissolved, "companies_house", 1),
	)
	crm := &fakeCRM{}

	res, err := newPusher(st, crm).Process(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rejected)
	assert.Empty(t, crm.upserts)
	assert.Contains(t, st.rejected[1], "hard kill")
	assert.Contains(t, st.rejected[2], "hard kill")
	assert.Empty(t, st.pushed)
}

func TestProcess_HoldLeavesPending(t *testing.T) {
	st := newFakeStore(stored(1, "github_org:quiet", signal.TypeResearchPaper, "arxiv", 60))
	crm := &fakeCRM{}

	res, err := newPusher(st, crm).Process(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Held)
	assert.Empty(t, crm.upserts)
	assert.Empty(t, st.pushed)
	assert.Empty(t, st.rejected)
}

func TestProcess_TransientUpsertLeavesPending(t *testing.T) {
	st := newFakeStore(
		stored(1, "domain:foo.io", signal.TypeGitHubSpike, "github", 2),
		stored(2, "domain:foo.io", signal.TypeIncorporation, "companies_house", 10),
	)
	crm := &fakeCRM{upsertErr: fmt.Errorf("notion: %w", httpclient.ErrTransient)}

	res, err := newPusher(st, crm).Process(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "domain:foo.io")
	// Signals untouched: the next batch retries.
	assert.Empty(t, st.pushed)
	assert.Empty(t, st.rejected)
}

func TestProcess_TerminalCRMRecordClosesSignals(t *testing.T) {
	st := newFakeStore(
		stored(1, "domain:gone.io", signal.TypeGitHubSpike, "github", 2),
		stored(2, "domain:gone.io", signal.TypeIncorporation, "companies_house", 10),
	)
	crm := &fakeCRM{action: notion.ActionSkipped}

	res, err := newPusher(st, crm).Process(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Pushed)
	assert.Contains(t, st.rejected[1], "terminal")
	assert.Empty(t, st.pushed)
}

func TestProcess_SchemaPreflightFailsBatch(t *testing.T) {
	st := newFakeStore(stored(1, "domain:foo.io", signal.TypeIncorporation, "companies_house", 1))
	crm := &fakeCRM{schemaErr: notion.ErrSchemaInvalid}

	_, err := newPusher(st, crm).Process(context.Background(), Options{})
	assert.ErrorIs(t, err, notion.ErrSchemaInvalid)
	assert.Empty(t, st.pushed)
	assert.Empty(t, st.rejected)
}

func TestProcess_DryRunTouchesNothing(t *testing.T) {
	st := newFakeStore(
		stored(1, "domain:foo.io", signal.TypeGitHubSpike, "github", 2),
		stored(2, "domain:foo.io", signal.TypeIncorporation, "companies_house", 10),
		stored(3, "companies_house:999", signal.TypeCompanyDissolved, "companies_house", 1),
	)
	crm := &fakeCRM{}

	res, err := newPusher(st, crm).Process(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Prospects)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Rejected)
	assert.Empty(t, crm.upserts)
	assert.Empty(t, st.pushed)
	assert.Empty(t, st.rejected)
}

func TestProcess_EmptyBatch(t *testing.T) {
	res, err := newPusher(newFakeStore(), &fakeCRM{}).Process(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Prospects)
}

func TestProcess_PushTimeoutLeavesPending(t *testing.T) {
	st := newFakeStore(
		stored(1, "domain:slow.io", signal.TypeGitHubSpike, "github", 2),
		stored(2, "domain:slow.io", signal.TypeIncorporation, "companies_house", 10),
	)
	crm := &fakeCRM{block: true}

	p := newPusher(st, crm)
	p.PushTimeout = 10 * time.Millisecond

	res, err := p.Process(context.Background(), Options{})
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "domain:slow.io")
	assert.Zero(t, res.Pushed)
	assert.Empty(t, st.pushed)
	assert.Empty(t, st.rejected)
}

func TestDiscoveryID(t *testing.T) {
	// Derived from the canonical key, so the same company always gets the
	// same identifier.
	assert.Equal(t, "disc_domain_foo_io", discoveryID("domain:foo.io"))
	assert.Equal(t, "disc_github_org_acme", discoveryID("github_org:acme"))
	assert.Equal(t, "disc_companies_house_12345678", discoveryID("companies_house:12345678"))
	assert.Equal(t, discoveryID("domain:foo.io"), discoveryID("domain:foo.io"))
}

func TestInferStage(t *testing.T) {
	p := signal.Prospect{MergedRaw: map[string]any{}}
	assert.Equal(t, "Pre-Seed", inferStage(p))

	// A hiring spree without a known raise reads as funded.
	p.MergedRaw["new_openings"] = 6
	assert.Equal(t, "Seed", inferStage(p))
	p.MergedRaw["new_openings"] = 2.0
	assert.Equal(t, "Pre-Seed", inferStage(p))

	p.MergedRaw["money_raised_usd"] = 500_000.0
	assert.Equal(t, "Pre-Seed", inferStage(p))
	p.MergedRaw["money_raised_usd"] = 2_500_000.0
	assert.Equal(t, "Seed", inferStage(p))
	p.MergedRaw["money_raised_usd"] = 6_000_000.0
	assert.Equal(t, "Seed +", inferStage(p))
	p.MergedRaw["money_raised_usd"] = 15_000_000.0
	assert.Equal(t, "Series A", inferStage(p))
}

func TestWebsiteFor(t *testing.T) {
	p := signal.Prospect{CanonicalKey: "domain:acme.ai", MergedRaw: map[string]any{}}
	assert.Equal(t, "https://acme.ai", websiteFor(p))

	p = signal.Prospect{CanonicalKey: "github_org:acme", MergedRaw: map[string]any{"homepage": "https://acme.dev"}}
	assert.Equal(t, "https://acme.dev", websiteFor(p))

	p = signal.Prospect{CanonicalKey: "github_org:acme", MergedRaw: map[string]any{}}
	assert.Equal(t, "", websiteFor(p))
}
