package sources

import (
	"context"
	"log/slog"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

// JobPostings polls the public job boards of watchlisted companies. New
// openings inside the window mean the company is spending, usually the
// strongest pre-announcement signal there is.
type JobPostings struct {
	client    *httpclient.Client
	watchlist []config.WatchTarget
	logger    *slog.Logger
}

func NewJobPostings(client *httpclient.Client, watchlist []config.WatchTarget) *JobPostings {
	return &JobPostings{
		client:    client,
		watchlist: watchlist,
		logger:    slog.Default().With("component", "collector", "collector", "job_postings"),
	}
}

func (c *JobPostings) Name() string { return "job_postings" }

// Ping probes the first watchlisted board; there is no single upstream
// behind this collector. An empty watchlist is trivially healthy.
func (c *JobPostings) Ping(ctx context.Context) error {
	for _, w := range c.watchlist {
		if w.JobsURL != "" {
			return ping(ctx, c.client, w.JobsURL)
		}
	}
	return nil
}

func (c *JobPostings) Open(context.Context) error { return nil }

func (c *JobPostings) Close() error { return nil }

// Greenhouse-style board payload; Lever boards are mapped to the same
// shape by their updated_at field name.
type jobBoard struct {
	Jobs []struct {
		Title     string `json:"title"`
		UpdatedAt string `json:"updated_at"`
		URL       string `json:"absolute_url"`
	} `json:"jobs"`
}

func (c *JobPostings) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	var out []signal.Signal
	for _, target := range c.watchlist {
		if target.JobsURL == "" {
			continue
		}
		sig, err := c.collectBoard(ctx, target, window)
		if err != nil {
			c.logger.Warn("job board fetch failed", "company", target.CompanyName, "error", err)
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (c *JobPostings) collectBoard(ctx context.Context, target config.WatchTarget, window collector.Window) (*signal.Signal, error) {
	var board jobBoard
	body, err := c.client.GetJSON(ctx, "board", target.JobsURL, nil, &board)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var titles []string
	for _, job := range board.Jobs {
		t, err := time.Parse(time.RFC3339, job.UpdatedAt)
		if err != nil {
			continue
		}
		if t.After(window.Since) && !t.After(window.Until) {
			titles = append(titles, job.Title)
		}
	}
	if len(titles) == 0 {
		return nil, nil
	}

	key, err := canonical.Primary(canonical.Evidence{
		Website:     target.Domain,
		CompanyName: target.CompanyName,
	})
	if err != nil {
		return nil, err
	}

	confidence := 0.7
	if len(titles) >= 5 {
		confidence = 0.85
	}

	return &signal.Signal{
		Type:         signal.TypeJobPosting,
		SourceAPI:    c.Name(),
		CanonicalKey: string(key),
		CompanyName:  target.CompanyName,
		Confidence:   confidence,
		DetectedAt:   window.Until,
		SourceURL:    target.JobsURL,
		SourceResponseHash: hash,
		RawData: map[string]any{
			"new_openings": len(titles),
			"titles":       titles,
		},
	}, nil
}
