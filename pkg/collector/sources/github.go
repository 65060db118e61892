package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var githubAPIBase = "https://api.github.com"

// GitHubSpikes searches for young repositories gathering stars unusually
// fast, an early marker of a stealth launch.
type GitHubSpikes struct {
	client   *httpclient.Client
	token    string
	minStars int
	logger   *slog.Logger
}

func NewGitHubSpikes(client *httpclient.Client, token string) *GitHubSpikes {
	return &GitHubSpikes{
		client:   client,
		token:    token,
		minStars: 50,
		logger:   slog.Default().With("component", "collector", "collector", "github"),
	}
}

func (c *GitHubSpikes) Name() string { return "github" }

func (c *GitHubSpikes) Ping(ctx context.Context) error { return ping(ctx, c.client, githubAPIBase) }

func (c *GitHubSpikes) Open(context.Context) error {
	if c.token == "" {
		return fmt.Errorf("github: %w", ErrMissingCredential)
	}
	return nil
}

func (c *GitHubSpikes) Close() error { return nil }

type githubSearchResponse struct {
	Items []struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"owner"`
		HTMLURL     string `json:"html_url"`
		Homepage    string `json:"homepage"`
		Description string `json:"description"`
		Stars       int    `json:"stargazers_count"`
		CreatedAt   string `json:"created_at"`
		PushedAt    string `json:"pushed_at"`
	} `json:"items"`
	TotalCount int `json:"total_count"`
}

func (c *GitHubSpikes) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("created:>%s stars:>%d", day(window.Since), c.minStars))
	q.Set("sort", "stars")
	q.Set("order", "desc")
	q.Set("per_page", "100")

	var parsed githubSearchResponse
	body, err := c.client.GetJSON(ctx, "search", githubAPIBase+"/search/repositories?"+q.Encode(),
		c.headers(), &parsed)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, repo := range parsed.Items {
		ev := canonical.Evidence{
			Website:    repo.Homepage,
			GitHubRepo: repo.FullName,
		}
		if repo.Owner.Type == "Organization" {
			ev.GitHubOrg = repo.Owner.Login
		}
		key, err := canonical.Primary(ev)
		if err != nil {
			continue
		}

		detected := window.Until
		if t, err := time.Parse(time.RFC3339, repo.CreatedAt); err == nil {
			detected = t
		}

		var flags []string
		if repo.Homepage == "" {
			flags = append(flags, "no_homepage")
		}

		out = append(out, signal.Signal{
			Type:         signal.TypeGitHubSpike,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  repo.Owner.Login,
			Confidence:   spikeConfidence(repo.Stars),
			DetectedAt:   detected,
			SourceURL:    repo.HTMLURL,
			SourceResponseHash: hash,
			WarningFlags: flags,
			RawData: map[string]any{
				"full_name":   repo.FullName,
				"stars":       repo.Stars,
				"description": repo.Description,
				"homepage":    repo.Homepage,
				"created_at":  repo.CreatedAt,
				"pushed_at":   repo.PushedAt,
			},
		})
	}
	return out, nil
}

func (c *GitHubSpikes) headers() map[string]string {
	return map[string]string{
		"Authorization":        "Bearer " + c.token,
		"X-GitHub-Api-Version": "2022-11-28",
	}
}

func spikeConfidence(stars int) float64 {
	switch {
	case stars >= 1000:
		return 0.95
	case stars >= 250:
		return 0.85
	default:
		return 0.7
	}
}
