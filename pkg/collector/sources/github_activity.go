package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

// GitHubActivity tracks commit cadence for watchlisted organizations.
// Steady pushing is positive evidence; ninety days of silence is negative.
type GitHubActivity struct {
	client    *httpclient.Client
	token     string
	watchlist []config.WatchTarget
	logger    *slog.Logger
}

func NewGitHubActivity(client *httpclient.Client, token string, watchlist []config.WatchTarget) *GitHubActivity {
	return &GitHubActivity{
		client:    client,
		token:     token,
		watchlist: watchlist,
		logger:    slog.Default().With("component", "collector", "collector", "github_activity"),
	}
}

func (c *GitHubActivity) Name() string { return "github_activity" }

func (c *GitHubActivity) Ping(ctx context.Context) error {
	return ping(ctx, c.client, githubAPIBase)
}

func (c *GitHubActivity) Open(context.Context) error {
	if c.token == "" {
		return fmt.Errorf("github_activity: %w", ErrMissingCredential)
	}
	return nil
}

func (c *GitHubActivity) Close() error { return nil }

type githubEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Repo      struct {
		Name string `json:"name"`
	} `json:"repo"`
}

const inactivityCutoff = 90 * 24 * time.Hour

func (c *GitHubActivity) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	var out []signal.Signal
	for _, target := range c.watchlist {
		if target.GitHubOrg == "" {
			continue
		}
		sig, err := c.collectOrg(ctx, target, window)
		if err != nil {
			// One quiet or broken org must not hide the rest.
			c.logger.Warn("org activity fetch failed", "org", target.GitHubOrg, "error", err)
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (c *GitHubActivity) collectOrg(ctx context.Context, target config.WatchTarget, window collector.Window) (*signal.Signal, error) {
	var events []githubEvent
	url := fmt.Sprintf("%s/orgs/%s/events?per_page=100", githubAPIBase, target.GitHubOrg)
	body, err := c.client.GetJSON(ctx, "events", url, map[string]string{
		"Authorization":        "Bearer " + c.token,
		"X-GitHub-Api-Version": "2022-11-28",
	}, &events)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	key, err := canonical.Primary(canonical.Evidence{
		Website:     target.Domain,
		GitHubOrg:   target.GitHubOrg,
		CompanyName: target.CompanyName,
	})
	if err != nil {
		return nil, err
	}

	pushes := 0
	var latest time.Time
	for _, ev := range events {
		t, err := time.Parse(time.RFC3339, ev.CreatedAt)
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
		if ev.Type == "PushEvent" && t.After(window.Since) && !t.After(window.Until) {
			pushes++
		}
	}

	base := signal.Signal{
		SourceAPI:    c.Name(),
		CanonicalKey: string(key),
		CompanyName:  target.CompanyName,
		DetectedAt:   window.Until,
		SourceURL:    "https://github.com/" + target.GitHubOrg,
		SourceResponseHash: hash,
		RawData: map[string]any{
			"org":            target.GitHubOrg,
			"push_events":    pushes,
			"latest_event":   latest.UTC().Format(time.RFC3339),
			"window_start":   window.Since.UTC().Format(time.RFC3339),
		},
	}

	if latest.IsZero() || window.Until.Sub(latest) > inactivityCutoff {
		base.Type = signal.TypeGitHubInactive90d
		base.Confidence = 0.8
		return &base, nil
	}
	if pushes == 0 {
		// Quiet inside the window but not dormant: nothing to report.
		return nil, nil
	}

	base.Type = signal.TypeGitHubActivity
	base.Confidence = 0.75
	if pushes >= 20 {
		base.Confidence = 0.9
	}
	return &base, nil
}
