package notion

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// The property contract the CRM database must satisfy. Property names are
// the database's literal column names.
var requiredProperties = map[string]string{
	"Company Name":     "title",
	"Status":           "select",
	"Investment Stage": "select",
	"Discovery ID":     "rich_text",
	"Canonical Key":    "rich_text",
	"Confidence Score": "number",
	"Signal Types":     "multi_select",
	"Why Now":          "rich_text",
}

var optionalProperties = map[string]string{
	"Website": "url",
}

// ValidationResult is the outcome of a schema preflight.
type ValidationResult struct {
	Valid             bool
	MissingProperties []string
	WrongTypes        map[string]string   // property -> actual type
	MissingOptions    map[string][]string // select property -> missing enum values
}

// String renders a human-readable report. Lines come out in a stable
// order so the report diffs cleanly between runs.
func (v *ValidationResult) String() string {
	if v.Valid {
		return "schema valid"
	}
	var b strings.Builder
	b.WriteString("schema invalid:\n")
	for _, p := range v.MissingProperties {
		fmt.Fprintf(&b, "  missing property %q\n", p)
	}
	for _, p := range sortedKeys(v.WrongTypes) {
		fmt.Fprintf(&b, "  property %q has type %s, want %s\n", p, v.WrongTypes[p], requiredProperties[p])
	}
	for _, p := range sortedKeys(v.MissingOptions) {
		fmt.Fprintf(&b, "  select %q missing options %v\n", p, v.MissingOptions[p])
	}
	return b.String()
}

// RepairPlan lists the manual edits that would make the database valid,
// in a stable order.
func (v *ValidationResult) RepairPlan() []string {
	var plan []string
	for _, p := range v.MissingProperties {
		plan = append(plan, fmt.Sprintf("add a %s property named %q", requiredProperties[p], p))
	}
	for _, p := range sortedKeys(v.WrongTypes) {
		plan = append(plan, fmt.Sprintf("change property %q from %s to %s", p, v.WrongTypes[p], requiredProperties[p]))
	}
	for _, p := range sortedKeys(v.MissingOptions) {
		for _, o := range v.MissingOptions[p] {
			plan = append(plan, fmt.Sprintf("add option %q to select %q", o, p))
		}
	}
	return plan
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type databaseResponse struct {
	Properties map[string]struct {
		Type   string `json:"type"`
		Select struct {
			Options []struct {
				Name string `json:"name"`
			} `json:"options"`
		} `json:"select"`
	} `json:"properties"`
}

// ValidateSchema checks the CRM database against the contract. Results
// are cached for the configured TTL; strict mode turns an invalid schema
// into ErrSchemaInvalid.
func (c *Connector) ValidateSchema(ctx context.Context, strict bool) (*ValidationResult, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	c.mu.Lock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		res := c.cached
		c.mu.Unlock()
		return c.finish(res, strict)
	}
	c.mu.Unlock()

	var db databaseResponse
	if err := c.getJSON(ctx, "/databases/"+c.databaseID, &db); err != nil {
		return nil, fmt.Errorf("fetch database schema: %w", err)
	}

	res := c.check(&db)

	c.mu.Lock()
	c.cached = res
	c.cachedAt = c.now()
	c.mu.Unlock()

	if !res.Valid {
		c.logger.Warn("schema validation failed", "report", res.String())
	}
	return c.finish(res, strict)
}

func (c *Connector) finish(res *ValidationResult, strict bool) (*ValidationResult, error) {
	if strict && !res.Valid {
		return res, ErrSchemaInvalid
	}
	return res, nil
}

// InvalidateSchemaCache forces the next preflight to re-fetch.
func (c *Connector) InvalidateSchemaCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
}

func (c *Connector) check(db *databaseResponse) *ValidationResult {
	res := &ValidationResult{
		Valid:          true,
		WrongTypes:     map[string]string{},
		MissingOptions: map[string][]string{},
	}

	for name, wantType := range requiredProperties {
		prop, ok := db.Properties[name]
		if !ok {
			res.Valid = false
			res.MissingProperties = append(res.MissingProperties, name)
			continue
		}
		if prop.Type != wantType {
			res.Valid = false
			res.WrongTypes[name] = prop.Type
		}
	}
	sort.Strings(res.MissingProperties)
	for name, wantType := range optionalProperties {
		if prop, ok := db.Properties[name]; ok && prop.Type != wantType {
			res.Valid = false
			res.WrongTypes[name] = prop.Type
		}
	}

	// The status and stage enums must carry every configured value, byte
	// for byte. "Dilligence" is spelled the way the database spells it.
	res.checkOptions(db, "Status", c.statuses)
	res.checkOptions(db, "Investment Stage", c.stages)
	return res
}

func (v *ValidationResult) checkOptions(db *databaseResponse, property string, want []string) {
	prop, ok := db.Properties[property]
	if !ok || prop.Type != "select" {
		return
	}
	have := map[string]bool{}
	for _, o := range prop.Select.Options {
		have[o.Name] = true
	}
	for _, w := range want {
		if !have[w] {
			v.Valid = false
			v.MissingOptions[property] = append(v.MissingOptions[property], w)
		}
	}
}
