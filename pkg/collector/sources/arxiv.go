package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var arxivQueryURL = "https://export.arxiv.org/api/query"

// Arxiv scans recent ML papers for ones that link a GitHub organization.
// A paper with a code release is a weak but early marker that a research
// group is productizing.
type Arxiv struct {
	client *httpclient.Client
	logger *slog.Logger
}

func NewArxiv(client *httpclient.Client) *Arxiv {
	return &Arxiv{
		client: client,
		logger: slog.Default().With("component", "collector", "collector", "arxiv"),
	}
}

func (c *Arxiv) Name() string { return "arxiv" }

func (c *Arxiv) Ping(ctx context.Context) error { return ping(ctx, c.client, arxivQueryURL) }

func (c *Arxiv) Open(context.Context) error { return nil }

func (c *Arxiv) Close() error { return nil }

type arxivFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

func (c *Arxiv) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	q := url.Values{}
	q.Set("search_query", "cat:cs.AI OR cat:cs.LG")
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	q.Set("max_results", "100")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, arxivQueryURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(ctx, "query", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode arxiv feed: %w", err)
	}

	var out []signal.Signal
	for _, entry := range feed.Entries {
		published, err := time.Parse(time.RFC3339, entry.Published)
		if err != nil || published.Before(window.Since) || published.After(window.Until) {
			continue
		}
		org := githubOrgFromText(entry.Summary)
		if org == "" {
			continue
		}
		key, err := canonical.Primary(canonical.Evidence{GitHubOrg: org})
		if err != nil {
			continue
		}

		authors := make([]string, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			authors = append(authors, a.Name)
		}

		out = append(out, signal.Signal{
			Type:         signal.TypeResearchPaper,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  org,
			Confidence:   0.5,
			DetectedAt:   published,
			SourceURL:    entry.ID,
			WarningFlags: []string{"org_inferred_from_paper"},
			RawData: map[string]any{
				"title":      strings.TrimSpace(entry.Title),
				"authors":    authors,
				"github_org": org,
			},
		})
	}
	return out, nil
}

// githubOrgFromText pulls the organization out of the first github.com
// link found in free text.
func githubOrgFromText(text string) string {
	i := strings.Index(text, "github.com/")
	if i < 0 {
		return ""
	}
	rest := text[i+len("github.com/"):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return !(r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	})
	if end == 0 {
		return ""
	}
	if end > 0 {
		rest = rest[:end]
	}
	return rest
}
