package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var secSearchBase = "https://efts.sec.gov/LATEST/search-index"

// SEC requires a descriptive User-Agent with a contact address.
const secUserAgent = "presson-discovery/1.0 (research@pressonlabs.com)"

// SECEdgar finds fresh Form D filings (exempt offerings), the US
// equivalent of an early funding event.
type SECEdgar struct {
	client *httpclient.Client
	logger *slog.Logger
}

func NewSECEdgar(client *httpclient.Client) *SECEdgar {
	return &SECEdgar{
		client: client,
		logger: slog.Default().With("component", "collector", "collector", "sec_edgar"),
	}
}

func (c *SECEdgar) Name() string { return "sec_edgar" }

func (c *SECEdgar) Ping(ctx context.Context) error { return ping(ctx, c.client, secSearchBase) }

func (c *SECEdgar) Open(context.Context) error { return nil }

func (c *SECEdgar) Close() error { return nil }

type secSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string `json:"_id"`
			Source struct {
				DisplayNames []string `json:"display_names"`
				FileDate     string   `json:"file_date"`
				FileType     string   `json:"file_type"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Display names look like "Acme AI Inc. (CIK 0001234567)".
var secCIKPattern = regexp.MustCompile(`^(.*?)\s*\(CIK\s+(\d+)\)\s*$`)

func (c *SECEdgar) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	q := url.Values{}
	q.Set("q", `"artificial intelligence" OR "machine learning"`)
	q.Set("forms", "D")
	q.Set("dateRange", "custom")
	q.Set("startdt", day(window.Since))
	q.Set("enddt", day(window.Until))

	var parsed secSearchResponse
	body, err := c.client.GetJSON(ctx, "search", secSearchBase+"?"+q.Encode(), map[string]string{
		"User-Agent": secUserAgent,
	}, &parsed)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, hit := range parsed.Hits.Hits {
		if len(hit.Source.DisplayNames) == 0 {
			continue
		}
		name, cik := splitDisplayName(hit.Source.DisplayNames[0])
		if name == "" {
			continue
		}

		key, err := canonical.Primary(canonical.Evidence{
			CompanyName: name,
			Region:      "us",
		})
		if err != nil {
			continue
		}

		detected := window.Until
		if t, err := time.Parse("2006-01-02", hit.Source.FileDate); err == nil {
			detected = t
		}

		out = append(out, signal.Signal{
			Type:         signal.TypeFundingEvent,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  name,
			Confidence:   0.85,
			DetectedAt:   detected,
			SourceURL:    fmt.Sprintf("https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany&CIK=%s", cik),
			SourceResponseHash: hash,
			// Name-only identity until a domain is corroborated.
			WarningFlags: []string{"weak_identity"},
			RawData: map[string]any{
				"cik":       cik,
				"form_type": hit.Source.FileType,
				"file_date": hit.Source.FileDate,
				"filing_id": hit.ID,
			},
		})
	}
	return out, nil
}

func splitDisplayName(display string) (name, cik string) {
	if m := secCIKPattern.FindStringSubmatch(display); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	return strings.TrimSpace(display), ""
}
