// Package sources contains the concrete collectors. Each one talks to a
// single external API through the shared rate-limited client and parses
// its responses into signals carrying canonical keys and provenance.
package sources

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pressonlabs/discovery/pkg/httpclient"
)

// ErrMissingCredential is returned from Open when the collector's API
// credential is not configured. The orchestrator skips such collectors
// instead of failing the run.
var ErrMissingCredential = errors.New("missing API credential")

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ping issues a HEAD request against the source's endpoint through the
// shared client, so health probes respect the same rate limits as
// collection.
func ping(ctx context.Context, client *httpclient.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(ctx, "ping", req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
