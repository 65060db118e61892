// Package canonical derives stable, normalized company identifiers from the
// partial evidence a collector was able to extract. Keys are tagged strings
// of the form "<kind>:<normalized-value>", ordered strongest first, and the
// derivation is pure: same evidence in, same candidates out.
package canonical

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInsufficientEvidence is returned when no candidate key can be derived
// from the evidence bag.
var ErrInsufficientEvidence = errors.New("no canonical key derivable from evidence")

// Kind tags a canonical key with the identity source it came from.
type Kind string

const (
	KindDomain         Kind = "domain"
	KindCompaniesHouse Kind = "companies_house"
	KindCrunchbase     Kind = "crunchbase"
	KindPitchbook      Kind = "pitchbook"
	KindGitHubOrg      Kind = "github_org"
	KindGitHubRepo     Kind = "github_repo"
	KindNameLoc        Kind = "name_loc"
)

// Key is a tagged canonical identifier, e.g. "domain:acme.ai".
type Key string

// Kind returns the tag portion of the key.
func (k Key) Kind() Kind {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return Kind(s[:i])
	}
	return ""
}

// Value returns the normalized value portion of the key.
func (k Key) Value() string {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Strong reports whether the key is stable enough for automatic cross-signal
// merging. Weak keys (github orgs get renamed, names are ambiguous) need a
// corroborating signal before merging; the gate enforces that.
func (k Key) Strong() bool {
	switch k.Kind() {
	case KindDomain, KindCompaniesHouse, KindCrunchbase, KindPitchbook:
		return true
	}
	return false
}

// Evidence is the bag of partial identifiers a collector obtained for one
// company. Any subset may be populated.
type Evidence struct {
	Website              string
	CompaniesHouseNumber string
	CrunchbaseID         string
	PitchbookID          string
	GitHubOrg            string
	GitHubRepo           string
	CompanyName          string
	Region               string
}

// Candidates derives the ordered, deduplicated candidate keys for the
// evidence, strongest first. Returns ErrInsufficientEvidence when nothing
// is derivable.
func Candidates(ev Evidence) ([]Key, error) {
	var out []Key
	add := func(kind Kind, value string) {
		if value == "" {
			return
		}
		k := Key(fmt.Sprintf("%s:%s", kind, value))
		for _, existing := range out {
			if existing == k {
				return
			}
		}
		out = append(out, k)
	}

	add(KindDomain, NormalizeDomain(ev.Website))
	add(KindCompaniesHouse, normalizeFilingNumber(ev.CompaniesHouseNumber))
	add(KindCrunchbase, normalizeProviderID(ev.CrunchbaseID))
	add(KindPitchbook, normalizeProviderID(ev.PitchbookID))
	add(KindGitHubOrg, Slug(ev.GitHubOrg))
	add(KindGitHubRepo, normalizeGitHubRepo(ev.GitHubRepo))

	if name := Slug(ev.CompanyName); name != "" {
		if region := Slug(ev.Region); region != "" {
			add(KindNameLoc, name+"|"+region)
		} else {
			add(KindNameLoc, name)
		}
	}

	if len(out) == 0 {
		return nil, ErrInsufficientEvidence
	}
	return out, nil
}

// Primary returns the single strongest candidate for the evidence.
func Primary(ev Evidence) (Key, error) {
	candidates, err := Candidates(ev)
	if err != nil {
		return "", err
	}
	return candidates[0], nil
}

// NormalizeDomain reduces a website or bare host to its registrable domain
// (eTLD+1), lowercased, with protocol, credentials, port, "www." and
// trailing punctuation stripped. Returns "" when no usable domain remains.
func NormalizeDomain(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}

	if !strings.Contains(v, "://") {
		v = "https://" + v
	}
	u, err := url.Parse(v)
	if err != nil {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	host = strings.Trim(host, ".")
	host = strings.TrimSuffix(host, "/")
	host = strings.TrimPrefix(host, "www.")

	if len(host) < 2 || !strings.Contains(host, ".") {
		return ""
	}

	// Reduce to the registrable domain; keep the host as-is when the public
	// suffix list cannot place it (internal hosts, bare suffixes).
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		host = etld1
	}
	return host
}

// Slug lowercases, folds accented letters to ASCII and collapses every run
// of non-alphanumerics to a single '-'. Empty and single-rune results are
// rejected as too ambiguous to identify anything.
func Slug(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}

	folded, _, err := transform.String(transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	), v)
	if err == nil {
		v = folded
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(v) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) < 2 {
		return ""
	}
	return s
}

// normalizeFilingNumber keeps alphanumerics of a registry filing number,
// lowercased ("NI-123456" -> "ni123456").
func normalizeFilingNumber(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) < 2 {
		return ""
	}
	return s
}

// normalizeProviderID lowercases an opaque provider identifier.
func normalizeProviderID(value string) string {
	s := strings.ToLower(strings.TrimSpace(value))
	if len(s) < 2 {
		return ""
	}
	return s
}

// normalizeGitHubRepo normalizes "Owner/Repo" or a github.com URL to the
// slugged "owner/repo" form.
func normalizeGitHubRepo(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}

	if strings.Contains(v, "github.com") {
		if !strings.Contains(v, "://") {
			v = "https://" + v
		}
		u, err := url.Parse(v)
		if err != nil {
			return ""
		}
		v = strings.Trim(u.Path, "/")
	}

	parts := strings.Split(v, "/")
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) < 2 {
		return ""
	}

	owner, repo := Slug(kept[0]), Slug(kept[1])
	if owner == "" || repo == "" {
		return ""
	}
	return owner + "/" + repo
}
