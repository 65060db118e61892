// Package gate scores the accumulated evidence for one company and decides
// whether it is worth a partner's attention. Evaluation is a pure function
// of the signal list, the clock and the gate parameters; it performs no I/O
// and never fails.
package gate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pressonlabs/discovery/pkg/signal"
)

// Decision routes a prospect after evaluation.
type Decision string

const (
	// AutoPush sends the prospect straight into the CRM pipeline.
	AutoPush Decision = "auto_push"
	// NeedsReview pushes with a status asking a human to look first.
	NeedsReview Decision = "needs_review"
	// Hold leaves the signals pending for a later batch.
	Hold Decision = "hold"
	// Reject marks the signals rejected; the company is not viable.
	Reject Decision = "reject"
)

// Tier ranks source reliability.
type Tier int

const (
	TierAuthoritative Tier = 1 // government registries
	TierReliable      Tier = 2 // established commercial APIs
	TierInformational Tier = 3 // community and editorial sources
	TierUnverified    Tier = 4 // scraped or self-reported
)

// Params is the full tuning surface of the gate.
type Params struct {
	StrictMode        bool
	AutoPushStatus    string
	NeedsReviewStatus string

	HighThreshold   float64
	MediumThreshold float64

	// Confidence model constants.
	Weights         map[signal.Type]float64
	DefaultWeight   float64
	HalfLifeDays    map[signal.Type]float64
	DefaultHalfLife float64

	SourceTiers     map[string]Tier
	TierMultipliers map[Tier]float64

	// Negative evidence scales the final score down. A zero multiplier is a
	// hard kill.
	NegativeMultipliers map[signal.Type]float64

	MultiSourceBoost2 float64
	MultiSourceBoost3 float64
	ConvergenceBoost2 float64
	ConvergenceBoost3 float64

	// Velocity rewards clustered evidence: an additive boost, capped, for
	// independent sources, for distinct signal types landing inside the
	// burst window, and for three or more converging types.
	SourceConvergenceBoost float64
	BurstBoost             float64
	TypeConvergenceBoost   float64
	VelocityCap            float64
	BurstWindow            time.Duration

	WarningPenalty float64
	MaxConfidence  float64
}

// DefaultParams returns the tuned production constants.
func DefaultParams() Params {
	return Params{
		AutoPushStatus:    "Source",
		NeedsReviewStatus: "Tracking",
		HighThreshold:     0.70,
		MediumThreshold:   0.40,

		Weights: map[signal.Type]float64{
			signal.TypeIncorporation:      0.25,
			signal.TypeFundingEvent:       0.20,
			signal.TypeGitHubSpike:        0.20,
			signal.TypeGitHubActivity:     0.18,
			signal.TypeDomainRegistration: 0.15,
			signal.TypePatentFiling:       0.15,
			signal.TypeJobPosting:         0.30,
			signal.TypeProductLaunch:      0.10,
			signal.TypeSocialAnnouncement: 0.10,
			signal.TypeHNMention:          0.10,
			signal.TypeResearchPaper:      0.05,
			signal.TypeCofounderSearch:    0.05,
		},
		DefaultWeight: 0.05,

		HalfLifeDays: map[signal.Type]float64{
			signal.TypeIncorporation:      365,
			signal.TypeGitHubSpike:        14,
			signal.TypeGitHubActivity:     30,
			signal.TypeDomainRegistration: 90,
			signal.TypePatentFiling:       180,
			signal.TypeFundingEvent:       180,
			signal.TypeResearchPaper:      180,
			signal.TypeJobPosting:         45,
			signal.TypeProductLaunch:      30,
			signal.TypeHNMention:          30,
			signal.TypeSocialAnnouncement: 30,
			signal.TypeCofounderSearch:    60,
		},
		DefaultHalfLife: 90,

		SourceTiers: map[string]Tier{
			"companies_house": TierAuthoritative,
			"sec_edgar":       TierAuthoritative,
			"github":          TierReliable,
			"crunchbase":      TierReliable,
			"domain_whois":    TierReliable,
			"hacker_news":     TierInformational,
			"product_hunt":    TierInformational,
			"arxiv":           TierInformational,
			"job_postings":    TierUnverified,
		},
		TierMultipliers: map[Tier]float64{
			TierAuthoritative: 1.00,
			TierReliable:      0.85,
			TierInformational: 0.70,
			TierUnverified:    0.50,
		},

		NegativeMultipliers: map[signal.Type]float64{
			signal.TypeCompanyDissolved:  0.0,
			signal.TypeDomainDead:        0.1,
			signal.TypeGitHubInactive90d: 0.3,
		},

		MultiSourceBoost2: 1.15,
		MultiSourceBoost3: 1.30,
		ConvergenceBoost2: 1.35,
		ConvergenceBoost3: 1.6,

		SourceConvergenceBoost: 0.10,
		BurstBoost:             0.10,
		TypeConvergenceBoost:   0.15,
		VelocityCap:            0.20,
		BurstWindow:            48 * time.Hour,

		WarningPenalty: 0.15,
		MaxConfidence:  0.95,
	}
}

// Result is the gate's verdict for one prospect.
type Result struct {
	Decision        Decision
	Confidence      float64
	SuggestedStatus string
	HardKill        bool
	Reasons         []string
}

// Evaluate scores the signal list for one canonical key. Signals of
// negative types contribute no weight; they scale or kill the score
// instead.
func Evaluate(signals []signal.Signal, now time.Time, p Params) Result {
	if len(signals) == 0 {
		return Result{Decision: Hold, Reasons: []string{"no signals"}}
	}

	var reasons []string

	// Hard kill dominates everything else.
	for _, s := range signals {
		if mult, ok := p.NegativeMultipliers[s.Type]; ok && mult == 0 {
			return Result{
				Decision: Reject,
				HardKill: true,
				Reasons:  []string{fmt.Sprintf("hard kill: %s from %s", s.Type, s.SourceAPI)},
			}
		}
	}

	// One contribution per signal type, strongest post-decay, so a chatty
	// collector cannot inflate the score by repetition.
	best := map[signal.Type]float64{}
	sources := map[string]struct{}{}
	negatives := map[signal.Type]float64{}
	flags := map[string]struct{}{}

	for _, s := range signals {
		for _, f := range s.WarningFlags {
			flags[f] = struct{}{}
		}
		if mult, ok := p.NegativeMultipliers[s.Type]; ok {
			negatives[s.Type] = mult
			continue
		}
		sources[s.SourceAPI] = struct{}{}

		weight, ok := p.Weights[s.Type]
		if !ok {
			weight = p.DefaultWeight
		}
		halfLife, ok := p.HalfLifeDays[s.Type]
		if !ok {
			halfLife = p.DefaultHalfLife
		}
		decay := math.Pow(0.5, s.AgeDays(now)/halfLife)

		tier, ok := p.SourceTiers[s.SourceAPI]
		if !ok {
			tier = TierInformational
		}
		contribution := weight * decay * p.TierMultipliers[tier]
		if contribution > best[s.Type] {
			best[s.Type] = contribution
		}
	}

	confidence := 0.0
	for _, c := range best {
		confidence += c
	}

	switch {
	case len(sources) >= 3:
		confidence *= p.MultiSourceBoost3
		reasons = append(reasons, fmt.Sprintf("%d independent sources", len(sources)))
	case len(sources) == 2:
		confidence *= p.MultiSourceBoost2
		reasons = append(reasons, "2 independent sources")
	}

	switch {
	case len(best) >= 3:
		confidence *= p.ConvergenceBoost3
		reasons = append(reasons, fmt.Sprintf("%d converging signal types", len(best)))
	case len(best) == 2:
		confidence *= p.ConvergenceBoost2
		reasons = append(reasons, "2 converging signal types")
	}

	velocity := 0.0
	if len(sources) >= 2 {
		velocity += p.SourceConvergenceBoost
	}
	if burst(signals, p.NegativeMultipliers, p.BurstWindow) {
		velocity += p.BurstBoost
	}
	if len(best) >= 3 {
		velocity += p.TypeConvergenceBoost
	}
	if velocity > p.VelocityCap {
		velocity = p.VelocityCap
	}
	if velocity > 0 {
		confidence += velocity
		reasons = append(reasons, fmt.Sprintf("velocity boost +%.2f", velocity))
	}

	for typ, mult := range negatives {
		confidence *= mult
		reasons = append(reasons, fmt.Sprintf("negative evidence: %s", typ))
	}

	if n := len(flags); n > 0 {
		confidence -= float64(n) * p.WarningPenalty
		names := make([]string, 0, n)
		for f := range flags {
			names = append(names, f)
		}
		sort.Strings(names)
		reasons = append(reasons, fmt.Sprintf("warning flags: %v", names))
	}

	confidence = math.Max(0, math.Min(confidence, p.MaxConfidence))

	multiSource := len(sources) >= 2
	res := Result{Confidence: confidence, Reasons: reasons}
	return route(res, multiSource, p)
}

// burst reports whether signals of two different types landed within the
// window of each other. Repeats of a single type never count, so a chatty
// collector cannot manufacture a burst.
func burst(signals []signal.Signal, negatives map[signal.Type]float64, window time.Duration) bool {
	for i := range signals {
		if _, neg := negatives[signals[i].Type]; neg {
			continue
		}
		for j := i + 1; j < len(signals); j++ {
			if signals[j].Type == signals[i].Type {
				continue
			}
			if _, neg := negatives[signals[j].Type]; neg {
				continue
			}
			gap := signals[i].DetectedAt.Sub(signals[j].DetectedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap <= window {
				return true
			}
		}
	}
	return false
}

func route(res Result, multiSource bool, p Params) Result {
	confidence := res.Confidence
	switch {
	case confidence >= p.HighThreshold && (multiSource || !p.StrictMode):
		res.Decision = AutoPush
		res.SuggestedStatus = p.AutoPushStatus
	case confidence >= p.MediumThreshold:
		res.Decision = NeedsReview
		res.SuggestedStatus = p.NeedsReviewStatus
	default:
		res.Decision = Hold
	}
	return res
}
