package sources

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var rdapBase = "https://rdap.org/domain/"

// DomainWhois checks watchlisted domains against RDAP: a fresh
// registration is positive evidence, a domain that no longer resolves in
// the registry is negative.
type DomainWhois struct {
	client    *httpclient.Client
	watchlist []config.WatchTarget
	logger    *slog.Logger
}

func NewDomainWhois(client *httpclient.Client, watchlist []config.WatchTarget) *DomainWhois {
	return &DomainWhois{
		client:    client,
		watchlist: watchlist,
		logger:    slog.Default().With("component", "collector", "collector", "domain_whois"),
	}
}

func (c *DomainWhois) Name() string { return "domain_whois" }

func (c *DomainWhois) Ping(ctx context.Context) error { return ping(ctx, c.client, rdapBase) }

func (c *DomainWhois) Open(context.Context) error { return nil }

func (c *DomainWhois) Close() error { return nil }

type rdapResponse struct {
	LDHName string `json:"ldhName"`
	Events  []struct {
		Action string `json:"eventAction"`
		Date   string `json:"eventDate"`
	} `json:"events"`
	Status []string `json:"status"`
}

func (c *DomainWhois) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	var out []signal.Signal
	for _, target := range c.watchlist {
		domain := canonical.NormalizeDomain(target.Domain)
		if domain == "" {
			continue
		}
		sig, err := c.lookup(ctx, target, domain, window)
		if err != nil {
			c.logger.Warn("rdap lookup failed", "domain", domain, "error", err)
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (c *DomainWhois) lookup(ctx context.Context, target config.WatchTarget, domain string, window collector.Window) (*signal.Signal, error) {
	key, err := canonical.Primary(canonical.Evidence{Website: domain, CompanyName: target.CompanyName})
	if err != nil {
		return nil, err
	}

	var parsed rdapResponse
	body, err := c.client.GetJSON(ctx, "lookup", rdapBase+domain, nil, &parsed)
	if errors.Is(err, httpclient.ErrPermanent) {
		// Registry no longer knows the domain: the company's web presence
		// is gone.
		return &signal.Signal{
			Type:         signal.TypeDomainDead,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  target.CompanyName,
			Confidence:   0.7,
			DetectedAt:   window.Until,
			SourceURL:    rdapBase + domain,
			RawData:      map[string]any{"domain": domain, "rdap_status": "not_found"},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var registered time.Time
	for _, ev := range parsed.Events {
		if ev.Action != "registration" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, ev.Date); err == nil {
			registered = t
		}
	}
	if registered.IsZero() || registered.Before(window.Since) || registered.After(window.Until) {
		return nil, nil
	}

	return &signal.Signal{
		Type:         signal.TypeDomainRegistration,
		SourceAPI:    c.Name(),
		CanonicalKey: string(key),
		CompanyName:  target.CompanyName,
		Confidence:   0.8,
		DetectedAt:   registered,
		SourceURL:    rdapBase + domain,
		SourceResponseHash: hash,
		RawData: map[string]any{
			"domain":        domain,
			"registered_at": registered.UTC().Format(time.RFC3339),
			"rdap_status":   parsed.Status,
		},
	}, nil
}
