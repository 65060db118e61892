package notion

import (
	"context"
	"fmt"
)

// Record is one CRM row, as needed by suppression sync.
type Record struct {
	PageID       string
	CompanyName  string
	Status       string
	Stage        string
	CanonicalKey string
	Website      string
}

// Action says what an upsert did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
)

// UpsertResult is the outcome of one prospect upsert.
type UpsertResult struct {
	PageID string
	Action Action
}

// ProspectPayload is the data pushed into the CRM for one prospect.
type ProspectPayload struct {
	CompanyName  string
	Status       string
	Stage        string
	DiscoveryID  string
	CanonicalKey string
	Confidence   float64
	SignalTypes  []string
	WhyNow       string
	Website      string
}

type queryRequest struct {
	Filter      any    `json:"filter,omitempty"`
	StartCursor string `json:"start_cursor,omitempty"`
	PageSize    int    `json:"page_size"`
}

type queryResponse struct {
	Results    []pageObject `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type pageObject struct {
	ID         string                  `json:"id"`
	Properties map[string]pageProperty `json:"properties"`
}

type pageProperty struct {
	Type  string `json:"type"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
	RichText []struct {
		PlainText string `json:"plain_text"`
	} `json:"rich_text"`
	Select *struct {
		Name string `json:"name"`
	} `json:"select"`
	URL    string   `json:"url"`
	Number *float64 `json:"number"`
}

func (p pageProperty) text() string {
	if len(p.Title) > 0 {
		return p.Title[0].PlainText
	}
	if len(p.RichText) > 0 {
		return p.RichText[0].PlainText
	}
	return ""
}

func (p pageProperty) selectName() string {
	if p.Select != nil {
		return p.Select.Name
	}
	return ""
}

// SuppressionList pages through every record in the CRM database.
func (c *Connector) SuppressionList(ctx context.Context) ([]Record, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var out []Record
	cursor := ""
	for {
		req := queryRequest{PageSize: 100, StartCursor: cursor}
		var resp queryResponse
		if err := c.sendJSON(ctx, "POST", "/databases/"+c.databaseID+"/query", req, &resp); err != nil {
			return nil, fmt.Errorf("query database: %w", err)
		}
		for _, page := range resp.Results {
			out = append(out, parseRecord(page))
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	c.logger.Info("suppression list fetched", "records", len(out))
	return out, nil
}

func parseRecord(page pageObject) Record {
	return Record{
		PageID:       page.ID,
		CompanyName:  page.Properties["Company Name"].text(),
		Status:       page.Properties["Status"].selectName(),
		Stage:        page.Properties["Investment Stage"].selectName(),
		CanonicalKey: page.Properties["Canonical Key"].text(),
		Website:      page.Properties["Website"].URL,
	}
}

// UpsertProspect creates or updates one CRM record. The schema preflight
// runs first; an invalid schema fails the call before any write. Records
// in a terminal status are never touched.
func (c *Connector) UpsertProspect(ctx context.Context, payload ProspectPayload) (*UpsertResult, error) {
	if _, err := c.ValidateSchema(ctx, true); err != nil {
		return nil, err
	}

	existing, err := c.findByCanonicalKey(ctx, payload.CanonicalKey)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		status := existing.Properties["Status"].selectName()
		if c.Terminal(status) {
			c.logger.Info("upsert skipped, terminal status",
				"canonical_key", payload.CanonicalKey, "status", status)
			return &UpsertResult{PageID: existing.ID, Action: ActionSkipped}, nil
		}
		body := map[string]any{"properties": c.properties(payload)}
		if err := c.sendJSON(ctx, "PATCH", "/pages/"+existing.ID, body, nil); err != nil {
			return nil, fmt.Errorf("update page: %w", err)
		}
		return &UpsertResult{PageID: existing.ID, Action: ActionUpdated}, nil
	}

	body := map[string]any{
		"parent":     map[string]string{"database_id": c.databaseID},
		"properties": c.properties(payload),
	}
	var created pageObject
	if err := c.sendJSON(ctx, "POST", "/pages", body, &created); err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &UpsertResult{PageID: created.ID, Action: ActionCreated}, nil
}

func (c *Connector) findByCanonicalKey(ctx context.Context, key string) (*pageObject, error) {
	req := queryRequest{
		PageSize: 1,
		Filter: map[string]any{
			"property":  "Canonical Key",
			"rich_text": map[string]string{"equals": key},
		},
	}
	var resp queryResponse
	if err := c.sendJSON(ctx, "POST", "/databases/"+c.databaseID+"/query", req, &resp); err != nil {
		return nil, fmt.Errorf("lookup canonical key: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func (c *Connector) properties(p ProspectPayload) map[string]any {
	tags := make([]map[string]string, 0, len(p.SignalTypes))
	for _, t := range p.SignalTypes {
		tags = append(tags, map[string]string{"name": t})
	}

	props := map[string]any{
		"Company Name": map[string]any{
			"title": []map[string]any{{"text": map[string]string{"content": p.CompanyName}}},
		},
		"Status":           map[string]any{"select": map[string]string{"name": p.Status}},
		"Discovery ID":     richText(p.DiscoveryID),
		"Canonical Key":    richText(p.CanonicalKey),
		"Confidence Score": map[string]any{"number": p.Confidence},
		"Signal Types":     map[string]any{"multi_select": tags},
		"Why Now":          richText(p.WhyNow),
	}
	if p.Stage != "" {
		props["Investment Stage"] = map[string]any{"select": map[string]string{"name": p.Stage}}
	}
	if p.Website != "" {
		props["Website"] = map[string]any{"url": p.Website}
	}
	return props
}

func richText(content string) map[string]any {
	return map[string]any{
		"rich_text": []map[string]any{{"text": map[string]string{"content": content}}},
	}
}
