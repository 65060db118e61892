package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var hnSearchURL = "https://hn.algolia.com/api/v1/search_by_date"

// HackerNews watches Show HN posts. A well-received launch post is a
// product_launch signal; anything else that clears the points floor is a
// plain mention.
type HackerNews struct {
	client    *httpclient.Client
	minPoints int
	logger    *slog.Logger
}

func NewHackerNews(client *httpclient.Client) *HackerNews {
	return &HackerNews{
		client:    client,
		minPoints: 10,
		logger:    slog.Default().With("component", "collector", "collector", "hacker_news"),
	}
}

func (c *HackerNews) Name() string { return "hacker_news" }

func (c *HackerNews) Ping(ctx context.Context) error { return ping(ctx, c.client, hnSearchURL) }

func (c *HackerNews) Open(context.Context) error { return nil }

func (c *HackerNews) Close() error { return nil }

type hnSearchResponse struct {
	Hits []struct {
		ObjectID   string `json:"objectID"`
		Title      string `json:"title"`
		URL        string `json:"url"`
		Points     int    `json:"points"`
		CreatedAtI int64  `json:"created_at_i"`
	} `json:"hits"`
}

func (c *HackerNews) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	q := url.Values{}
	q.Set("tags", "show_hn")
	q.Set("hitsPerPage", "100")
	q.Set("numericFilters", fmt.Sprintf("created_at_i>%d,created_at_i<=%d",
		window.Since.Unix(), window.Until.Unix()))

	var parsed hnSearchResponse
	body, err := c.client.GetJSON(ctx, "search", hnSearchURL+"?"+q.Encode(), nil, &parsed)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, hit := range parsed.Hits {
		if hit.Points < c.minPoints {
			continue
		}
		key, err := canonical.Primary(canonical.Evidence{
			Website:     hit.URL,
			CompanyName: showHNName(hit.Title),
		})
		if err != nil {
			continue
		}

		typ := signal.TypeHNMention
		confidence := 0.6
		if hit.Points >= 100 {
			typ = signal.TypeProductLaunch
			confidence = 0.8
		}

		var flags []string
		if hit.URL == "" {
			flags = append(flags, "no_product_url")
		}

		out = append(out, signal.Signal{
			Type:         typ,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  showHNName(hit.Title),
			Confidence:   confidence,
			DetectedAt:   time.Unix(hit.CreatedAtI, 0).UTC(),
			SourceURL:    "https://news.ycombinator.com/item?id=" + hit.ObjectID,
			SourceResponseHash: hash,
			WarningFlags: flags,
			RawData: map[string]any{
				"title":  hit.Title,
				"url":    hit.URL,
				"points": hit.Points,
			},
		})
	}
	return out, nil
}

// showHNName extracts the product name from titles shaped like
// "Show HN: Acme – do things faster".
func showHNName(title string) string {
	t := strings.TrimSpace(strings.TrimPrefix(title, "Show HN:"))
	for _, sep := range []string{" – ", " — ", " - ", ": "} {
		if i := strings.Index(t, sep); i > 0 {
			return strings.TrimSpace(t[:i])
		}
	}
	return t
}
