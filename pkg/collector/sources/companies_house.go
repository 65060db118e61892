package sources

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var companiesHouseBase = "https://api.company-information.service.gov.uk"

// SIC codes for software and AI-adjacent activity.
var companiesHouseSICCodes = []string{"62012", "62020", "62090", "63110", "72190"}

// CompaniesHouse discovers freshly incorporated UK software companies and
// watches for dissolutions among them.
type CompaniesHouse struct {
	client *httpclient.Client
	apiKey string
	logger *slog.Logger
}

func NewCompaniesHouse(client *httpclient.Client, apiKey string) *CompaniesHouse {
	return &CompaniesHouse{
		client: client,
		apiKey: apiKey,
		logger: slog.Default().With("component", "collector", "collector", "companies_house"),
	}
}

func (c *CompaniesHouse) Name() string { return "companies_house" }

func (c *CompaniesHouse) Ping(ctx context.Context) error {
	return ping(ctx, c.client, companiesHouseBase)
}

// SkipKnownKeys: an incorporation is discovered once.
func (c *CompaniesHouse) SkipKnownKeys() bool { return true }

func (c *CompaniesHouse) Open(context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("companies_house: %w", ErrMissingCredential)
	}
	return nil
}

func (c *CompaniesHouse) Close() error { return nil }

type companiesHouseSearch struct {
	Items []struct {
		CompanyName    string `json:"company_name"`
		CompanyNumber  string `json:"company_number"`
		CompanyStatus  string `json:"company_status"`
		DateOfCreation string `json:"date_of_creation"`
		DateOfCessation string `json:"date_of_cessation"`
		RegisteredOfficeAddress struct {
			Locality string `json:"locality"`
		} `json:"registered_office_address"`
	} `json:"items"`
	Hits int `json:"hits"`
}

func (c *CompaniesHouse) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	active, err := c.search(ctx, window, "active", signal.TypeIncorporation)
	if err != nil {
		return nil, err
	}
	// Dissolutions in the same window produce hard-kill evidence for
	// anything already tracked.
	dissolved, err := c.search(ctx, window, "dissolved", signal.TypeCompanyDissolved)
	if err != nil {
		c.logger.Warn("dissolved search failed", "error", err)
		return active, nil
	}
	return append(active, dissolved...), nil
}

func (c *CompaniesHouse) search(ctx context.Context, window collector.Window, status string, typ signal.Type) ([]signal.Signal, error) {
	q := url.Values{}
	q.Set("incorporated_from", day(window.Since))
	q.Set("incorporated_to", day(window.Until))
	q.Set("company_status", status)
	q.Set("size", "100")
	for _, sic := range companiesHouseSICCodes {
		q.Add("sic_codes", sic)
	}
	endpoint := companiesHouseBase + "/advanced-search/companies?" + q.Encode()

	var parsed companiesHouseSearch
	body, err := c.client.GetJSON(ctx, "search", endpoint, map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")),
	}, &parsed)
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, item := range parsed.Items {
		key, err := canonical.Primary(canonical.Evidence{
			CompaniesHouseNumber: item.CompanyNumber,
			CompanyName:          item.CompanyName,
			Region:               item.RegisteredOfficeAddress.Locality,
		})
		if err != nil {
			c.logger.Warn("no canonical key", "company", item.CompanyName)
			continue
		}

		detected := window.Until
		if t, err := time.Parse("2006-01-02", item.DateOfCreation); err == nil {
			detected = t
		}

		confidence := 0.9
		var flags []string
		if item.RegisteredOfficeAddress.Locality == "" {
			flags = append(flags, "missing_registered_address")
			confidence = 0.8
		}

		out = append(out, signal.Signal{
			Type:         typ,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  item.CompanyName,
			Confidence:   confidence,
			DetectedAt:   detected,
			SourceURL:    companiesHouseBase + "/company/" + item.CompanyNumber,
			SourceResponseHash: hash,
			WarningFlags: flags,
			RawData: map[string]any{
				"company_number":   item.CompanyNumber,
				"company_status":   item.CompanyStatus,
				"date_of_creation": item.DateOfCreation,
				"locality":         item.RegisteredOfficeAddress.Locality,
			},
		})
	}
	return out, nil
}
