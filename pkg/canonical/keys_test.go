package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.com/path?q=1": "example.com",
		"example.com/":                     "example.com",
		"http://EXAMPLE.COM":               "example.com",
		"www.example.com":                  "example.com",
		"https://user:pw@example.com:8443": "example.com",
		"https://blog.acme.ai/launch":      "acme.ai",
		"localhost":                        "",
		"x":                                "",
		"":                                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDomain(in), "input %q", in)
	}
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "acme-labs", Slug("  Acme Labs!  "))
	assert.Equal(t, "uber", Slug("Über"))
	assert.Equal(t, "", Slug("a"))
	assert.Equal(t, "", Slug("---"))
}

func TestCandidates_PriorityOrder(t *testing.T) {
	keys, err := Candidates(Evidence{
		Website:              "https://acme.ai",
		CompaniesHouseNumber: "SC123456",
		GitHubOrg:            "acme-ai",
	})
	require.NoError(t, err)
	assert.Equal(t, []Key{
		"domain:acme.ai",
		"companies_house:sc123456",
		"github_org:acme-ai",
	}, keys)
}

func TestCandidates_FullBag(t *testing.T) {
	keys, err := Candidates(Evidence{
		Website:              "https://www.Example.com/product",
		CompaniesHouseNumber: "NI-123-456",
		CrunchbaseID:         " Anthropic ",
		PitchbookID:          "PB-001",
		GitHubOrg:            "Example-Labs",
		GitHubRepo:           "https://github.com/ExampleLabs/stealth-repo",
		CompanyName:          "Example Labs",
		Region:               "UK Scotland",
	})
	require.NoError(t, err)
	assert.Equal(t, []Key{
		"domain:example.com",
		"companies_house:ni123456",
		"crunchbase:anthropic",
		"pitchbook:pb-001",
		"github_org:example-labs",
		"github_repo:examplelabs/stealth-repo",
		"name_loc:example-labs|uk-scotland",
	}, keys)
}

func TestCandidates_EmptyBag(t *testing.T) {
	_, err := Candidates(Evidence{})
	assert.ErrorIs(t, err, ErrInsufficientEvidence)

	// Values that normalize to nothing count as empty.
	_, err = Candidates(Evidence{Website: "x", CompanyName: "-"})
	assert.ErrorIs(t, err, ErrInsufficientEvidence)
}

func TestCandidates_Idempotent(t *testing.T) {
	// Deriving from already-normalized values yields the same keys.
	first, err := Candidates(Evidence{Website: "https://www.Acme.AI/about"})
	require.NoError(t, err)
	second, err := Candidates(Evidence{Website: first[0].Value()})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyStrength(t *testing.T) {
	assert.True(t, Key("domain:acme.ai").Strong())
	assert.True(t, Key("companies_house:12345678").Strong())
	assert.True(t, Key("crunchbase:acme").Strong())
	assert.True(t, Key("pitchbook:pb-1").Strong())
	assert.False(t, Key("github_org:acme").Strong())
	assert.False(t, Key("github_repo:acme/thing").Strong())
	assert.False(t, Key("name_loc:acme|uk").Strong())
	assert.False(t, Key("garbage").Strong())
}

func TestKeyParts(t *testing.T) {
	k := Key("name_loc:acme|uk-scotland")
	assert.Equal(t, KindNameLoc, k.Kind())
	assert.Equal(t, "acme|uk-scotland", k.Value())
}

func TestPrimary(t *testing.T) {
	k, err := Primary(Evidence{GitHubOrg: "Acme-AI", Website: "acme.ai"})
	require.NoError(t, err)
	assert.Equal(t, Key("domain:acme.ai"), k)
}
