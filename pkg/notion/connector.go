// Package notion is the connector to the fund's Notion CRM database. It
// validates the database schema before any write, mirrors the CRM's
// literal enum values (misspellings included), and never overwrites a
// record the partners have already decided on.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pressonlabs/discovery/pkg/httpclient"
)

var (
	// ErrSchemaInvalid means the CRM database no longer matches the
	// contract this connector was built against. Nothing is written until
	// a human fixes the database or the config.
	ErrSchemaInvalid = errors.New("notion: database schema invalid")

	// ErrNotConfigured means token or database id are missing.
	ErrNotConfigured = errors.New("notion: missing token or database id")
)

var apiBase = "https://api.notion.com/v1"

const notionVersion = "2022-06-28"

// Options configures the connector's CRM contract.
type Options struct {
	Token      string
	DatabaseID string

	// Literal enum values the CRM database must carry.
	Statuses []string
	Stages   []string
	// Terminal statuses are never overwritten by the pipeline.
	TerminalSet []string

	SchemaCacheTTL time.Duration
}

// Connector is the validated, rate-limited Notion client.
type Connector struct {
	client     *httpclient.Client
	token      string
	databaseID string
	statuses   []string
	stages     []string
	terminal   map[string]bool
	cacheTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	cached   *ValidationResult
	cachedAt time.Time
}

// New builds a connector. The client should be limited to Notion's
// documented 3 requests per second.
func New(client *httpclient.Client, opts Options) *Connector {
	if opts.SchemaCacheTTL <= 0 {
		opts.SchemaCacheTTL = 6 * time.Hour
	}
	terminal := make(map[string]bool, len(opts.TerminalSet))
	for _, s := range opts.TerminalSet {
		terminal[s] = true
	}
	return &Connector{
		client:     client,
		token:      opts.Token,
		databaseID: opts.DatabaseID,
		statuses:   opts.Statuses,
		stages:     opts.Stages,
		terminal:   terminal,
		cacheTTL:   opts.SchemaCacheTTL,
		logger:     slog.Default().With("component", "notion"),
		now:        time.Now,
	}
}

// Configured reports whether credentials are present.
func (c *Connector) Configured() bool {
	return c.token != "" && c.databaseID != ""
}

// Terminal reports whether the status belongs to the configured terminal
// set.
func (c *Connector) Terminal(status string) bool {
	return c.terminal[status]
}

func (c *Connector) headers() map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + c.token,
		"Notion-Version": notionVersion,
		"Content-Type":   "application/json",
	}
}

func (c *Connector) getJSON(ctx context.Context, path string, out any) error {
	_, err := c.client.GetJSON(ctx, "read", apiBase+path, c.headers(), out)
	return err
}

func (c *Connector) sendJSON(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := c.client.Do(ctx, "write", req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
