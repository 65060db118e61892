// Package httpclient is the shared outbound HTTP layer for collectors and
// the CRM connector. Every external call goes through a per-source token
// bucket, a retry loop with exponential backoff and jitter, and a circuit
// breaker, so one misbehaving upstream cannot starve or hammer the rest.
package httpclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTransient marks failures worth retrying on the next run: network
	// errors, 429 and 5xx responses that survived the retry budget.
	ErrTransient = errors.New("transient upstream failure")

	// ErrPermanent marks failures retrying cannot fix: 4xx responses other
	// than 429.
	ErrPermanent = errors.New("permanent upstream failure")

	// ErrCircuitOpen is returned without touching the network while the
	// source's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	baseBackoff       = 100 * time.Millisecond
	maxJitter         = 50
)

// Options tunes one source client.
type Options struct {
	// Timeout bounds each individual request attempt. Defaults to 10s.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RequestsPerSecond and Burst configure the default token bucket.
	RequestsPerSecond float64
	Burst             int
	// BreakerThreshold is the consecutive-failure count that opens the
	// breaker; BreakerReset is how long it stays open.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Client is a rate-limited, retrying HTTP client bound to one source API.
type Client struct {
	name       string
	client     *http.Client
	maxRetries int
	breaker    *CircuitBreaker

	mu       sync.Mutex
	limiter  *rate.Limiter
	groups   map[string]*rate.Limiter
}

// New builds a client for the named source.
func New(name string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 10 * time.Second
	}

	return &Client{
		name:       name,
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		breaker:    NewCircuitBreaker(name, opts.BreakerThreshold, opts.BreakerReset),
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		groups:     map[string]*rate.Limiter{},
	}
}

// Name returns the source this client is bound to.
func (c *Client) Name() string { return c.name }

// LimitGroup installs a dedicated token bucket for one endpoint group.
// Requests issued with that group draw from it instead of the default.
func (c *Client) LimitGroup(group string, requestsPerSecond float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

func (c *Client) limiterFor(group string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.groups[group]; ok {
		return l
	}
	return c.limiter
}

// Do executes the request against the named endpoint group. The response
// body is the caller's to close. Classification:
//   - 2xx, 3xx: returned as-is
//   - 4xx except 429: ErrPermanent, no retry
//   - 429, 5xx, network errors: retried with backoff, then ErrTransient
//   - context cancellation: the context's error
func (c *Client) Do(ctx context.Context, group string, req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiterFor(group).Wait(ctx); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq.Body = body
		}

		resp, err := c.client.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			switch {
			case resp.StatusCode < 400:
				c.breaker.Success()
				return resp, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
				drain(resp)
				lastErr = fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
				if retryAfter > 0 && attempt < c.maxRetries {
					if err := sleep(ctx, retryAfter); err != nil {
						return nil, err
					}
					continue
				}
			default:
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				drain(resp)
				c.breaker.Success()
				return nil, fmt.Errorf("%s %s: status %d: %s: %w",
					req.Method, req.URL.Path, resp.StatusCode, string(body), ErrPermanent)
			}
		}

		if attempt == c.maxRetries {
			break
		}
		if err := sleep(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
	}

	c.breaker.Failure()
	return nil, fmt.Errorf("%s after %d attempts: %v: %w",
		c.name, c.maxRetries+1, lastErr, ErrTransient)
}

// GetJSON fetches url in the endpoint group and decodes the JSON response
// into out. The raw body is returned for provenance hashing.
func (c *Client) GetJSON(ctx context.Context, group, url string, headers map[string]string, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Do(ctx, group, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, ErrTransient)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %v: %w", c.name, err, ErrPermanent)
		}
	}
	return body, nil
}

// backoff: base * 2^attempt plus up to 50ms of jitter.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
	if n, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
