// Package collector defines the contract every signal source implements
// and the framework that runs them: suppression checks, store dedup,
// per-signal error isolation and run accounting.
package collector

import (
	"context"
	"time"

	"github.com/pressonlabs/discovery/pkg/signal"
)

// Window is the lookback interval a collection run covers.
type Window struct {
	Since time.Time
	Until time.Time
}

// LookbackWindow builds a window ending now.
func LookbackWindow(now time.Time, days int) Window {
	if days <= 0 {
		days = 7
	}
	return Window{Since: now.Add(-time.Duration(days) * 24 * time.Hour), Until: now}
}

// Collector produces signals from one external source. Implementations
// tag every signal with SourceAPI equal to their Name and attach a
// non-empty canonical key.
type Collector interface {
	Name() string
	Open(ctx context.Context) error
	Collect(ctx context.Context, window Window) ([]signal.Signal, error)
	Close() error
}

// Pinger is an optional collector capability: a cheap reachability probe
// against the source's endpoint, used by the health command. It never
// writes anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeySkipper is an optional collector capability: when SkipKnownKeys
// returns true the framework drops signals whose canonical key already
// exists in the store. Sources that only ever discover companies once
// (registries) opt in; recurring sources (activity trackers) do not.
type KeySkipper interface {
	SkipKnownKeys() bool
}

// Status summarizes one collector run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusDryRun         Status = "dry_run"
	StatusError          Status = "error"
	StatusNotFound       Status = "not_found"
)

// Result is the accounting for one collector run. The framework maintains
// SignalsFound >= SignalsNew + SignalsSuppressed; the delta is signals
// that errored or were skipped as duplicates.
type Result struct {
	Collector         string    `json:"collector"`
	Status            Status    `json:"status"`
	SignalsFound      int       `json:"signals_found"`
	SignalsNew        int       `json:"signals_new"`
	SignalsSuppressed int       `json:"signals_suppressed"`
	DryRun            bool      `json:"dry_run"`
	Cancelled         bool      `json:"cancelled,omitempty"`
	Errors            []string  `json:"errors,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Registry holds the collectors available to the orchestrator, in
// registration order.
type Registry struct {
	names      []string
	collectors map[string]Collector
}

func NewRegistry() *Registry {
	return &Registry{collectors: map[string]Collector{}}
}

// Register adds a collector. Re-registering a name replaces the previous
// entry but keeps its position.
func (r *Registry) Register(c Collector) {
	if _, ok := r.collectors[c.Name()]; !ok {
		r.names = append(r.names, c.Name())
	}
	r.collectors[c.Name()] = c
}

// Get returns the named collector.
func (r *Registry) Get(name string) (Collector, bool) {
	c, ok := r.collectors[name]
	return c, ok
}

// Names returns the registered collector names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Select returns the collectors passing the filter, in order. A nil
// filter selects all.
func (r *Registry) Select(enabled func(name string) bool) []Collector {
	var out []Collector
	for _, name := range r.names {
		if enabled == nil || enabled(name) {
			out = append(out, r.collectors[name])
		}
	}
	return out
}
