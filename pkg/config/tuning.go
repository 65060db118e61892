package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pressonlabs/discovery/pkg/gate"
	"github.com/pressonlabs/discovery/pkg/signal"
)

// Duration wraps time.Duration so YAML can carry "6h" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Tuning is the YAML-backed tuning profile: gate constants, CRM contract
// values, HTTP policy and rate limits. Every field has a production
// default; the file only needs to carry overrides.
type Tuning struct {
	Gate       GateTuning           `yaml:"gate"`
	CRM        CRMTuning            `yaml:"crm"`
	HTTP       HTTPTuning           `yaml:"http"`
	RateLimits map[string]RateLimit `yaml:"rate_limit"`
	Collectors CollectorTuning      `yaml:"collectors"`
}

// GateTuning overrides the confidence model constants.
type GateTuning struct {
	StrictMode        *bool              `yaml:"strict_mode"`
	AutoPushStatus    string             `yaml:"auto_push_status"`
	NeedsReviewStatus string             `yaml:"needs_review_status"`
	HighThreshold     *float64           `yaml:"high_threshold"`
	MediumThreshold   *float64           `yaml:"medium_threshold"`
	Weights           map[string]float64 `yaml:"weights"`
	HalfLifeDays      map[string]float64 `yaml:"half_life"`
	TierMultipliers   map[int]float64    `yaml:"tier_multiplier"`
	SourceTiers       map[string]int     `yaml:"source_tiers"`
}

// CRMTuning pins the external CRM's literal contract values. The status
// strings must match the CRM enum byte for byte, historical misspellings
// included.
type CRMTuning struct {
	Statuses       []string `yaml:"statuses"`
	Stages         []string `yaml:"stages"`
	TerminalSet    []string `yaml:"terminal_set"`
	SchemaCacheTTL Duration `yaml:"schema_cache_ttl"`
	SuppressionTTL Duration `yaml:"suppression_ttl"`
	// PushTimeout bounds one prospect's CRM push.
	PushTimeout Duration `yaml:"push_timeout"`
}

// HTTPTuning is the shared outbound HTTP policy.
type HTTPTuning struct {
	Retries int      `yaml:"retries"`
	Timeout Duration `yaml:"timeout"`
}

// RateLimit is one source's token bucket.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// CollectorTuning selects and bounds collector runs.
type CollectorTuning struct {
	Enabled      []string      `yaml:"enabled"`
	LookbackDays int           `yaml:"lookback_days"`
	Watchlist    []WatchTarget `yaml:"watchlist"`
	// RunTimeout bounds one collector's run within a collection phase.
	RunTimeout Duration `yaml:"run_timeout"`
}

// WatchTarget is one company the tracking collectors (whois, github
// activity, job postings) monitor between discovery runs.
type WatchTarget struct {
	CompanyName string `yaml:"company_name"`
	Domain      string `yaml:"domain"`
	GitHubOrg   string `yaml:"github_org"`
	JobsURL     string `yaml:"jobs_url"`
}

// DefaultTuning returns the production defaults.
func DefaultTuning() *Tuning {
	return &Tuning{
		CRM: CRMTuning{
			Statuses: []string{
				"Source", "Initial Meeting / Call", "Dilligence",
				"Tracking", "Committed", "Funded", "Passed", "Lost",
			},
			Stages: []string{
				"Pre-Seed", "Seed", "Seed +", "Series A", "Series B", "Series C", "Series D",
			},
			TerminalSet:    []string{"Passed", "Lost"},
			SchemaCacheTTL: Duration(6 * time.Hour),
			SuppressionTTL: Duration(7 * 24 * time.Hour),
			PushTimeout:    Duration(30 * time.Second),
		},
		HTTP: HTTPTuning{
			Retries: 3,
			Timeout: Duration(10 * time.Second),
		},
		RateLimits: map[string]RateLimit{
			"notion":          {RequestsPerSecond: 3, Burst: 3},
			"companies_house": {RequestsPerSecond: 2, Burst: 4},
			"sec_edgar":       {RequestsPerSecond: 5, Burst: 10},
			"github":          {RequestsPerSecond: 1, Burst: 5},
			"crunchbase":      {RequestsPerSecond: 1, Burst: 2},
			"domain_whois":    {RequestsPerSecond: 1, Burst: 2},
			"hacker_news":     {RequestsPerSecond: 5, Burst: 10},
			"product_hunt":    {RequestsPerSecond: 1, Burst: 2},
			"arxiv":           {RequestsPerSecond: 1, Burst: 1},
			"job_postings":    {RequestsPerSecond: 1, Burst: 2},
		},
		Collectors: CollectorTuning{
			LookbackDays: 7,
			RunTimeout:   Duration(2 * time.Minute),
		},
	}
}

// LoadTuning reads the tuning file at path and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tuning %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse tuning %q: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("tuning %q: %w", path, err)
	}
	return t, nil
}

func (t *Tuning) validate() error {
	if t.Gate.HighThreshold != nil && t.Gate.MediumThreshold != nil &&
		*t.Gate.MediumThreshold > *t.Gate.HighThreshold {
		return fmt.Errorf("medium_threshold %.2f above high_threshold %.2f",
			*t.Gate.MediumThreshold, *t.Gate.HighThreshold)
	}
	for name, w := range t.Gate.Weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("weight for %s out of range: %.2f", name, w)
		}
	}
	for source, rl := range t.RateLimits {
		if rl.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limit for %s must be positive", source)
		}
	}
	return nil
}

// GateParams materializes gate parameters: production defaults with the
// file's overrides applied.
func (t *Tuning) GateParams() gate.Params {
	p := gate.DefaultParams()

	g := t.Gate
	if g.StrictMode != nil {
		p.StrictMode = *g.StrictMode
	}
	if g.AutoPushStatus != "" {
		p.AutoPushStatus = g.AutoPushStatus
	}
	if g.NeedsReviewStatus != "" {
		p.NeedsReviewStatus = g.NeedsReviewStatus
	}
	if g.HighThreshold != nil {
		p.HighThreshold = *g.HighThreshold
	}
	if g.MediumThreshold != nil {
		p.MediumThreshold = *g.MediumThreshold
	}
	for name, w := range g.Weights {
		p.Weights[signal.Type(name)] = w
	}
	for name, hl := range g.HalfLifeDays {
		p.HalfLifeDays[signal.Type(name)] = hl
	}
	for tier, mult := range g.TierMultipliers {
		p.TierMultipliers[gate.Tier(tier)] = mult
	}
	for source, tier := range g.SourceTiers {
		p.SourceTiers[source] = gate.Tier(tier)
	}
	return p
}

// RateLimitFor returns the source's configured bucket, or a conservative
// 1 rps default for sources missing from the file.
func (t *Tuning) RateLimitFor(source string) RateLimit {
	if rl, ok := t.RateLimits[source]; ok {
		return rl
	}
	return RateLimit{RequestsPerSecond: 1, Burst: 1}
}

// CollectorEnabled reports whether the named collector should run. An
// empty enabled list means all collectors run.
func (t *Tuning) CollectorEnabled(name string) bool {
	if len(t.Collectors.Enabled) == 0 {
		return true
	}
	for _, n := range t.Collectors.Enabled {
		if n == name {
			return true
		}
	}
	return false
}
