// Package signal defines the shared domain types of the discovery engine:
// signals, processing records, suppression entries and the transient
// prospect aggregation built by the pusher.
package signal

import (
	"time"
)

// Type identifies the kind of event a collector observed.
type Type string

const (
	TypeIncorporation      Type = "incorporation"
	TypeFundingEvent       Type = "funding_event"
	TypeGitHubSpike        Type = "github_spike"
	TypeGitHubActivity     Type = "github_activity"
	TypeDomainRegistration Type = "domain_registration"
	TypePatentFiling       Type = "patent_filing"
	TypeProductLaunch      Type = "product_launch"
	TypeHNMention          Type = "hn_mention"
	TypeResearchPaper      Type = "research_paper"
	TypeJobPosting         Type = "job_posting"
	TypeSocialAnnouncement Type = "social_announcement"
	TypeCofounderSearch    Type = "cofounder_search"

	// Negative evidence. CompanyDissolved is a hard kill.
	TypeCompanyDissolved   Type = "company_dissolved"
	TypeDomainDead         Type = "domain_dead"
	TypeGitHubInactive90d  Type = "github_inactive_90d"
)

// ProcessingStatus is the lifecycle state of a signal's processing record.
type ProcessingStatus string

const (
	StatusPending  ProcessingStatus = "pending"
	StatusPushed   ProcessingStatus = "pushed"
	StatusRejected ProcessingStatus = "rejected"
)

// Signal is one observed event from an external source, tied to a company
// through its canonical key. Signals are immutable once stored.
type Signal struct {
	ID           int64          `json:"id"`
	Type         Type           `json:"signal_type"`
	SourceAPI    string         `json:"source_api"`
	CanonicalKey string         `json:"canonical_key"`
	CompanyName  string         `json:"company_name,omitempty"`
	Confidence   float64        `json:"confidence"`
	RawData      map[string]any `json:"raw_data"`
	DetectedAt   time.Time      `json:"detected_at"`
	CreatedAt    time.Time      `json:"created_at"`

	// Provenance.
	SourceURL          string `json:"source_url,omitempty"`
	SourceResponseHash string `json:"source_response_hash,omitempty"`

	// Collector-provided caveats; the gate subtracts a fixed penalty per flag.
	WarningFlags []string `json:"warning_flags,omitempty"`
}

// AgeDays returns the whole days elapsed since the signal was detected.
func (s Signal) AgeDays(now time.Time) float64 {
	d := now.Sub(s.DetectedAt)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

// ProcessingRecord tracks what happened to a signal after ingestion.
// Created with its signal in StatusPending; transitions exactly once to
// StatusPushed or StatusRejected.
type ProcessingRecord struct {
	SignalID     int64            `json:"signal_id"`
	Status       ProcessingStatus `json:"status"`
	CRMPageID    string           `json:"crm_page_id,omitempty"`
	ProcessedAt  *time.Time       `json:"processed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// SuppressionEntry mirrors one CRM record in the local cache. At most one
// non-expired entry exists per canonical key.
type SuppressionEntry struct {
	CanonicalKey string         `json:"canonical_key"`
	CRMPageID    string         `json:"crm_page_id"`
	Status       string         `json:"status"`
	CompanyName  string         `json:"company_name,omitempty"`
	CachedAt     time.Time      `json:"cached_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the entry is stale relative to now.
func (e SuppressionEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Prospect is the transient aggregation of all signals sharing one
// canonical key. Built by the pusher; never persisted.
type Prospect struct {
	CanonicalKey string
	Signals      []Signal
	SignalTypes  []Type
	SourceAPIs   []string
	MergedRaw    map[string]any
	FirstSeen    time.Time
	LastSeen     time.Time
	MultiSource  bool
}

// BuildProspect aggregates signals for one canonical key. Signals must be
// ordered by DetectedAt ascending; merged raw data is latest-wins.
func BuildProspect(key string, signals []Signal) Prospect {
	p := Prospect{
		CanonicalKey: key,
		Signals:      signals,
		MergedRaw:    map[string]any{},
	}

	types := map[Type]struct{}{}
	sources := map[string]struct{}{}
	for _, s := range signals {
		if _, ok := types[s.Type]; !ok {
			types[s.Type] = struct{}{}
			p.SignalTypes = append(p.SignalTypes, s.Type)
		}
		if _, ok := sources[s.SourceAPI]; !ok {
			sources[s.SourceAPI] = struct{}{}
			p.SourceAPIs = append(p.SourceAPIs, s.SourceAPI)
		}
		for k, v := range s.RawData {
			p.MergedRaw[k] = v
		}
		if p.FirstSeen.IsZero() || s.DetectedAt.Before(p.FirstSeen) {
			p.FirstSeen = s.DetectedAt
		}
		if s.DetectedAt.After(p.LastSeen) {
			p.LastSeen = s.DetectedAt
		}
	}
	p.MultiSource = len(p.SourceAPIs) >= 2
	return p
}

// CompanyName returns the company name from the most recent signal that
// carries one, falling back to "Unknown".
func (p Prospect) CompanyName() string {
	for i := len(p.Signals) - 1; i >= 0; i-- {
		if p.Signals[i].CompanyName != "" {
			return p.Signals[i].CompanyName
		}
	}
	return "Unknown"
}
