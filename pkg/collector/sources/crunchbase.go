package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var crunchbaseSearchURL = "https://api.crunchbase.com/api/v4/searches/funding_rounds"

// Crunchbase pulls freshly announced early-stage rounds.
type Crunchbase struct {
	client *httpclient.Client
	apiKey string
	logger *slog.Logger
}

func NewCrunchbase(client *httpclient.Client, apiKey string) *Crunchbase {
	return &Crunchbase{
		client: client,
		apiKey: apiKey,
		logger: slog.Default().With("component", "collector", "collector", "crunchbase"),
	}
}

func (c *Crunchbase) Name() string { return "crunchbase" }

func (c *Crunchbase) Ping(ctx context.Context) error {
	return ping(ctx, c.client, crunchbaseSearchURL)
}

func (c *Crunchbase) Open(context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("crunchbase: %w", ErrMissingCredential)
	}
	return nil
}

func (c *Crunchbase) Close() error { return nil }

type crunchbaseSearchResponse struct {
	Entities []struct {
		Properties struct {
			Identifier struct {
				UUID  string `json:"uuid"`
				Value string `json:"value"`
			} `json:"identifier"`
			AnnouncedOn    string `json:"announced_on"`
			InvestmentType string `json:"investment_type"`
			MoneyRaised    struct {
				ValueUSD float64 `json:"value_usd"`
			} `json:"money_raised"`
			FundedOrganizationIdentifier struct {
				Permalink string `json:"permalink"`
				Value     string `json:"value"`
			} `json:"funded_organization_identifier"`
		} `json:"properties"`
	} `json:"entities"`
}

func (c *Crunchbase) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	query := map[string]any{
		"field_ids": []string{
			"identifier", "announced_on", "investment_type",
			"money_raised", "funded_organization_identifier",
		},
		"query": []map[string]any{
			{
				"type":        "predicate",
				"field_id":    "announced_on",
				"operator_id": "gte",
				"values":      []string{day(window.Since)},
			},
			{
				"type":        "predicate",
				"field_id":    "investment_type",
				"operator_id": "includes",
				"values":      []string{"pre_seed", "seed", "series_a"},
			},
		},
		"limit": 100,
	}
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, crunchbaseSearchURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-cb-user-key", c.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.client.Do(ctx, "search", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed crunchbaseSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode crunchbase response: %w", err)
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, entity := range parsed.Entities {
		p := entity.Properties
		if p.FundedOrganizationIdentifier.Permalink == "" {
			continue
		}
		key, err := canonical.Primary(canonical.Evidence{
			CrunchbaseID: p.FundedOrganizationIdentifier.Permalink,
			CompanyName:  p.FundedOrganizationIdentifier.Value,
		})
		if err != nil {
			continue
		}

		detected := window.Until
		if t, err := time.Parse("2006-01-02", p.AnnouncedOn); err == nil {
			detected = t
		}

		out = append(out, signal.Signal{
			Type:         signal.TypeFundingEvent,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  p.FundedOrganizationIdentifier.Value,
			Confidence:   0.85,
			DetectedAt:   detected,
			SourceURL:    "https://www.crunchbase.com/funding_round/" + p.Identifier.UUID,
			SourceResponseHash: hash,
			RawData: map[string]any{
				"round_uuid":      p.Identifier.UUID,
				"investment_type": p.InvestmentType,
				"announced_on":    p.AnnouncedOn,
				"money_raised_usd": p.MoneyRaised.ValueUSD,
				"org_permalink":   p.FundedOrganizationIdentifier.Permalink,
			},
		})
	}
	return out, nil
}
