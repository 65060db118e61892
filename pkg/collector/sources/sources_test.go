package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

func testClient(name string) *httpclient.Client {
	return httpclient.New(name, httpclient.Options{RequestsPerSecond: 1000, Burst: 1000})
}

func testWindow() collector.Window {
	return collector.Window{
		Since: time.Date(2026, 8, 13, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
	}
}

func TestCompaniesHouse_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "2026-08-13", r.URL.Query().Get("incorporated_from"))

		if r.URL.Query().Get("company_status") == "dissolved" {
			_, _ = w.Write([]byte(`{"items": [
				{"company_name": "Gone Ltd", "company_number": "11111111",
				 "company_status": "dissolved", "date_of_creation": "2026-08-14"}
			], "hits": 1}`))
			return
		}
		_, _ = w.Write([]byte(`{"items": [
			{"company_name": "Acme AI Ltd", "company_number": "12345678",
			 "company_status": "active", "date_of_creation": "2026-08-15",
			 "registered_office_address": {"locality": "Edinburgh"}},
			{"company_name": "NoAddress Ltd", "company_number": "87654321",
			 "company_status": "active", "date_of_creation": "2026-08-16"}
		], "hits": 2}`))
	}))
	defer srv.Close()
	companiesHouseBase = srv.URL

	c := NewCompaniesHouse(testClient("companies_house"), "test-key")
	require.NoError(t, c.Open(context.Background()))
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 3)

	first := signals[0]
	assert.Equal(t, signal.TypeIncorporation, first.Type)
	assert.Equal(t, "companies_house:12345678", first.CanonicalKey)
	assert.Equal(t, "Acme AI Ltd", first.CompanyName)
	assert.Equal(t, 0.9, first.Confidence)
	assert.NotEmpty(t, first.SourceResponseHash)
	assert.True(t, first.DetectedAt.Equal(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)))

	assert.Contains(t, signals[1].WarningFlags, "missing_registered_address")
	assert.Equal(t, signal.TypeCompanyDissolved, signals[2].Type)
}

func TestCompaniesHouse_MissingCredential(t *testing.T) {
	c := NewCompaniesHouse(testClient("companies_house"), "")
	assert.ErrorIs(t, c.Open(context.Background()), ErrMissingCredential)
}

func TestGitHubSpikes_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"total_count": 2, "items": [
			{"full_name": "acme-ai/engine", "owner": {"login": "acme-ai", "type": "Organization"},
			 "html_url": "https://github.com/acme-ai/engine", "homepage": "https://acme.ai",
			 "stargazers_count": 1200, "created_at": "2026-08-15T10:00:00Z"},
			{"full_name": "solo/toy", "owner": {"login": "solo", "type": "User"},
			 "html_url": "https://github.com/solo/toy", "homepage": "",
			 "stargazers_count": 60, "created_at": "2026-08-16T10:00:00Z"}
		]}`))
	}))
	defer srv.Close()
	githubAPIBase = srv.URL

	c := NewGitHubSpikes(testClient("github"), "token")
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	// Homepage present: domain key wins over the repo key.
	assert.Equal(t, "domain:acme.ai", signals[0].CanonicalKey)
	assert.Equal(t, 0.95, signals[0].Confidence)

	assert.Equal(t, "github_repo:solo/toy", signals[1].CanonicalKey)
	assert.Contains(t, signals[1].WarningFlags, "no_homepage")
	assert.Equal(t, 0.7, signals[1].Confidence)
}

func TestGitHubActivity_InactiveOrg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"type": "PushEvent", "created_at": "2026-03-01T00:00:00Z", "repo": {"name": "quiet/old"}}
		]`))
	}))
	defer srv.Close()
	githubAPIBase = srv.URL

	c := NewGitHubActivity(testClient("github_activity"), "token", []config.WatchTarget{
		{CompanyName: "Quiet AI", Domain: "quiet.ai", GitHubOrg: "quiet"},
	})
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, signal.TypeGitHubInactive90d, signals[0].Type)
	assert.Equal(t, "domain:quiet.ai", signals[0].CanonicalKey)
}

func TestGitHubActivity_ActiveOrg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"type": "PushEvent", "created_at": "2026-08-18T00:00:00Z", "repo": {"name": "busy/core"}},
			{"type": "PushEvent", "created_at": "2026-08-17T00:00:00Z", "repo": {"name": "busy/core"}},
			{"type": "IssuesEvent", "created_at": "2026-08-16T00:00:00Z", "repo": {"name": "busy/core"}}
		]`))
	}))
	defer srv.Close()
	githubAPIBase = srv.URL

	c := NewGitHubActivity(testClient("github_activity"), "token", []config.WatchTarget{
		{CompanyName: "Busy AI", GitHubOrg: "busy"},
	})
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, signal.TypeGitHubActivity, signals[0].Type)
	assert.Equal(t, 2, signals[0].RawData["push_events"])
}

func TestDomainWhois_RegistrationAndDead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fresh.ai":
			_, _ = w.Write([]byte(`{"ldhName": "fresh.ai",
				"events": [{"eventAction": "registration", "eventDate": "2026-08-14T09:00:00Z"}],
				"status": ["active"]}`))
		case "/old.ai":
			_, _ = w.Write([]byte(`{"ldhName": "old.ai",
				"events": [{"eventAction": "registration", "eventDate": "2020-01-01T00:00:00Z"}],
				"status": ["active"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	rdapBase = srv.URL + "/"

	c := NewDomainWhois(testClient("domain_whois"), []config.WatchTarget{
		{CompanyName: "Fresh", Domain: "fresh.ai"},
		{CompanyName: "Old", Domain: "old.ai"},
		{CompanyName: "Dead", Domain: "dead.ai"},
	})
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	assert.Equal(t, signal.TypeDomainRegistration, signals[0].Type)
	assert.Equal(t, "domain:fresh.ai", signals[0].CanonicalKey)
	assert.True(t, signals[0].DetectedAt.Equal(time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC)))

	assert.Equal(t, signal.TypeDomainDead, signals[1].Type)
	assert.Equal(t, "domain:dead.ai", signals[1].CanonicalKey)
}

func TestHackerNews_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "show_hn", r.URL.Query().Get("tags"))
		_, _ = w.Write([]byte(`{"hits": [
			{"objectID": "1", "title": "Show HN: Acme – ship agents in prod",
			 "url": "https://acme.ai", "points": 250, "created_at_i": 1786800000},
			{"objectID": "2", "title": "Show HN: SmallTool for notes",
			 "url": "https://smalltool.dev", "points": 15, "created_at_i": 1786800000},
			{"objectID": "3", "title": "Show HN: BelowFloor", "url": "", "points": 3, "created_at_i": 1786800000}
		]}`))
	}))
	defer srv.Close()
	hnSearchURL = srv.URL

	c := NewHackerNews(testClient("hacker_news"))
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	assert.Equal(t, signal.TypeProductLaunch, signals[0].Type)
	assert.Equal(t, "domain:acme.ai", signals[0].CanonicalKey)
	assert.Equal(t, "Acme", signals[0].CompanyName)

	assert.Equal(t, signal.TypeHNMention, signals[1].Type)
	assert.Equal(t, "domain:smalltool.dev", signals[1].CanonicalKey)
}

func TestShowHNName(t *testing.T) {
	assert.Equal(t, "Acme", showHNName("Show HN: Acme – ship agents in prod"))
	assert.Equal(t, "Acme", showHNName("Show HN: Acme - ship agents"))
	assert.Equal(t, "Plain title", showHNName("Plain title"))
}

func TestJobPostings_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jobs": [
			{"title": "Founding Engineer", "updated_at": "2026-08-15T00:00:00Z", "absolute_url": "https://x/1"},
			{"title": "ML Researcher", "updated_at": "2026-08-18T00:00:00Z", "absolute_url": "https://x/2"},
			{"title": "Old Role", "updated_at": "2026-01-01T00:00:00Z", "absolute_url": "https://x/3"}
		]}`))
	}))
	defer srv.Close()

	c := NewJobPostings(testClient("job_postings"), []config.WatchTarget{
		{CompanyName: "Acme", Domain: "acme.ai", JobsURL: srv.URL},
	})
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, signal.TypeJobPosting, signals[0].Type)
	assert.Equal(t, 2, signals[0].RawData["new_openings"])
	assert.Equal(t, 0.7, signals[0].Confidence)
}

func TestArxiv_GitHubOrgExtraction(t *testing.T) {
	assert.Equal(t, "acme-ai", githubOrgFromText("Code at https://github.com/acme-ai/agents."))
	assert.Equal(t, "", githubOrgFromText("No links here."))
	assert.Equal(t, "solo", githubOrgFromText("see github.com/solo"))
}

func TestArxiv_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2608.01234v1</id>
    <title>Agents at Scale</title>
    <summary>We release code at https://github.com/acme-ai/agents for reproduction.</summary>
    <published>2026-08-16T00:00:00Z</published>
    <author><name>A. Researcher</name></author>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/2608.05678v1</id>
    <title>No Code Paper</title>
    <summary>Purely theoretical.</summary>
    <published>2026-08-17T00:00:00Z</published>
    <author><name>B. Theorist</name></author>
  </entry>
</feed>`))
	}))
	defer srv.Close()
	arxivQueryURL = srv.URL

	c := NewArxiv(testClient("arxiv"))
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, signal.TypeResearchPaper, signals[0].Type)
	assert.Equal(t, "github_org:acme-ai", signals[0].CanonicalKey)
	assert.Contains(t, signals[0].WarningFlags, "org_inferred_from_paper")
}

func TestProductHunt_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ph-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data": {"posts": {"edges": [
			{"node": {"id": "p1", "name": "Acme Agents", "tagline": "Agents for ops",
			 "url": "https://producthunt.com/posts/acme", "website": "https://acme.ai",
			 "votesCount": 310, "createdAt": "2026-08-15T12:00:00Z"}},
			{"node": {"id": "p2", "name": "TinyThing", "tagline": "meh",
			 "url": "https://producthunt.com/posts/tiny", "website": "https://tiny.dev",
			 "votesCount": 5, "createdAt": "2026-08-15T12:00:00Z"}}
		]}}}`))
	}))
	defer srv.Close()
	productHuntGraphQL = srv.URL

	c := NewProductHunt(testClient("product_hunt"), "ph-token")
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "domain:acme.ai", signals[0].CanonicalKey)
	assert.Equal(t, signal.TypeProductLaunch, signals[0].Type)
}

func TestSECEdgar_Collect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"hits": {"hits": [
			{"_id": "0001-d", "_source": {
				"display_names": ["Acme AI Inc (CIK 0001234567)"],
				"file_date": "2026-08-15", "file_type": "D"}}
		]}}`))
	}))
	defer srv.Close()
	secSearchBase = srv.URL

	c := NewSECEdgar(testClient("sec_edgar"))
	signals, err := c.Collect(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, signals, 1)

	assert.Equal(t, signal.TypeFundingEvent, signals[0].Type)
	assert.Equal(t, "Acme AI Inc", signals[0].CompanyName)
	assert.Equal(t, "name_loc:acme-ai-inc|us", signals[0].CanonicalKey)
	assert.Contains(t, signals[0].WarningFlags, "weak_identity")
	assert.Equal(t, "0001234567", signals[0].RawData["cik"])
}

func TestPing(t *testing.T) {
	var method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	githubAPIBase = srv.URL

	c := NewGitHubSpikes(testClient("github"), "token")
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, http.MethodHead, method)

	srv.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestJobPostings_PingEmptyWatchlist(t *testing.T) {
	c := NewJobPostings(testClient("job_postings"), nil)
	assert.NoError(t, c.Ping(context.Background()))
}
