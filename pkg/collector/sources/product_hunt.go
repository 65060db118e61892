package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressonlabs/discovery/pkg/canonical"
	"github.com/pressonlabs/discovery/pkg/collector"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/signal"
)

var productHuntGraphQL = "https://api.producthunt.com/v2/api/graphql"

const productHuntQuery = `query($after: DateTime!) {
  posts(postedAfter: $after, order: VOTES, first: 50) {
    edges {
      node {
        id
        name
        tagline
        url
        website
        votesCount
        createdAt
      }
    }
  }
}`

// ProductHunt pulls recent launches ordered by votes.
type ProductHunt struct {
	client   *httpclient.Client
	token    string
	minVotes int
	logger   *slog.Logger
}

func NewProductHunt(client *httpclient.Client, token string) *ProductHunt {
	return &ProductHunt{
		client:   client,
		token:    token,
		minVotes: 25,
		logger:   slog.Default().With("component", "collector", "collector", "product_hunt"),
	}
}

func (c *ProductHunt) Name() string { return "product_hunt" }

func (c *ProductHunt) Ping(ctx context.Context) error {
	return ping(ctx, c.client, productHuntGraphQL)
}

func (c *ProductHunt) Open(context.Context) error {
	if c.token == "" {
		return fmt.Errorf("product_hunt: %w", ErrMissingCredential)
	}
	return nil
}

func (c *ProductHunt) Close() error { return nil }

type productHuntResponse struct {
	Data struct {
		Posts struct {
			Edges []struct {
				Node struct {
					ID         string `json:"id"`
					Name       string `json:"name"`
					Tagline    string `json:"tagline"`
					URL        string `json:"url"`
					Website    string `json:"website"`
					VotesCount int    `json:"votesCount"`
					CreatedAt  string `json:"createdAt"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"posts"`
	} `json:"data"`
}

func (c *ProductHunt) Collect(ctx context.Context, window collector.Window) ([]signal.Signal, error) {
	payload, err := json.Marshal(map[string]any{
		"query": productHuntQuery,
		"variables": map[string]string{
			"after": window.Since.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, productHuntGraphQL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.client.Do(ctx, "graphql", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed productHuntResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode product hunt response: %w", err)
	}
	hash, err := signal.HashResponse(body)
	if err != nil {
		return nil, err
	}

	var out []signal.Signal
	for _, edge := range parsed.Data.Posts.Edges {
		node := edge.Node
		if node.VotesCount < c.minVotes {
			continue
		}
		key, err := canonical.Primary(canonical.Evidence{
			Website:     node.Website,
			CompanyName: node.Name,
		})
		if err != nil {
			continue
		}

		detected := window.Until
		if t, err := time.Parse(time.RFC3339, node.CreatedAt); err == nil {
			detected = t
		}

		out = append(out, signal.Signal{
			Type:         signal.TypeProductLaunch,
			SourceAPI:    c.Name(),
			CanonicalKey: string(key),
			CompanyName:  node.Name,
			Confidence:   0.7,
			DetectedAt:   detected,
			SourceURL:    node.URL,
			SourceResponseHash: hash,
			RawData: map[string]any{
				"post_id": node.ID,
				"tagline": node.Tagline,
				"votes":   node.VotesCount,
				"website": node.Website,
			},
		})
	}
	return out, nil
}
