package pusher

import (
	"fmt"
	"strings"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/gate"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/signal"
)

func (p *Pusher) buildPayload(prospect signal.Prospect, verdict gate.Result) notion.ProspectPayload {
	types := make([]string, 0, len(prospect.SignalTypes))
	for _, t := range prospect.SignalTypes {
		types = append(types, string(t))
	}

	return notion.ProspectPayload{
		CompanyName:  prospect.CompanyName(),
		Status:       verdict.SuggestedStatus,
		Stage:        inferStage(prospect),
		DiscoveryID:  discoveryID(prospect.CanonicalKey),
		CanonicalKey: prospect.CanonicalKey,
		Confidence:   verdict.Confidence,
		SignalTypes:  types,
		WhyNow:       whyNow(prospect, verdict, p.now()),
		Website:      websiteFor(prospect),
	}
}

// discoveryID derives the stable identifier for a company from its
// canonical key, so re-pushing the same company always addresses the same
// CRM record.
func discoveryID(canonicalKey string) string {
	return "disc_" + strings.NewReplacer(":", "_", ".", "_").Replace(canonicalKey)
}

// inferStage estimates the investment stage from the evidence. A known
// raise sizes the stage; failing that, a hiring spree suggests money in
// the bank; otherwise everything discovered this early is pre-seed.
func inferStage(prospect signal.Prospect) string {
	raised, ok := rawNumber(prospect.MergedRaw, "money_raised_usd")
	if !ok || raised <= 0 {
		if openings, ok := rawNumber(prospect.MergedRaw, "new_openings"); ok && openings >= 5 {
			return "Seed"
		}
		return "Pre-Seed"
	}
	switch {
	case raised < 1_000_000:
		return "Pre-Seed"
	case raised < 4_000_000:
		return "Seed"
	case raised < 8_000_000:
		return "Seed +"
	default:
		return "Series A"
	}
}

// rawNumber reads a numeric evidence field. Values arrive as float64 after
// the store's JSON round trip, but in-memory signals may still carry ints.
func rawNumber(raw map[string]any, field string) (float64, bool) {
	switch v := raw[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// whyNow renders the one-paragraph pitch for why this company surfaced.
func whyNow(prospect signal.Prospect, verdict gate.Result, now time.Time) string {
	ageDays := int(now.Sub(prospect.FirstSeen).Hours() / 24)
	types := make([]string, 0, len(prospect.SignalTypes))
	for _, t := range prospect.SignalTypes {
		types = append(types, string(t))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d signal(s) across %d source(s) in the last %d day(s): %s.",
		len(prospect.Signals), len(prospect.SourceAPIs), max(ageDays, 1),
		strings.Join(types, ", "))
	if len(verdict.Reasons) > 0 {
		fmt.Fprintf(&b, " %s.", strings.Join(verdict.Reasons, "; "))
	}
	fmt.Fprintf(&b, " Confidence %.2f.", verdict.Confidence)
	return b.String()
}

// websiteFor pulls a URL out of the evidence: a domain canonical key
// first, then whatever the collectors saw.
func websiteFor(prospect signal.Prospect) string {
	key := canonical.Key(prospect.CanonicalKey)
	if key.Kind() == canonical.KindDomain {
		return "https://" + key.Value()
	}
	for _, field := range []string{"homepage", "website", "url"} {
		if v, ok := prospect.MergedRaw[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
