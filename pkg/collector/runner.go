package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pressonlabs/discovery/pkg/signal"
	"github.com/pressonlabs/discovery/pkg/store"
)

// Store is the slice of the signal store the runner needs.
type Store interface {
	CheckSuppression(ctx context.Context, canonicalKey string) (*signal.SuppressionEntry, error)
	IsDuplicate(ctx context.Context, canonicalKey string) (bool, error)
	SaveSignal(ctx context.Context, sig signal.Signal) (int64, bool, error)
}

// Runner executes collectors against the store with suppression and
// duplicate filtering. Collectors run concurrently; the store serializes
// the writes.
type Runner struct {
	store       Store
	logger      *slog.Logger
	concurrency int

	// RunTimeout bounds one collector's run. Zero means unbounded. A
	// collector that overruns is cut off with partial accounting; the
	// other collectors keep running.
	RunTimeout time.Duration

	mu      sync.Mutex
	schemas map[signal.Type]*jsonschema.Schema
}

// NewRunner builds a runner over the store.
func NewRunner(st Store) *Runner {
	return &Runner{
		store:       st,
		logger:      slog.Default().With("component", "collector"),
		concurrency: 4,
		schemas:     map[signal.Type]*jsonschema.Schema{},
	}
}

// RegisterSchema installs a JSON Schema contract for one signal type's
// raw data. Signals failing validation are dropped and counted as errors.
func (r *Runner) RegisterSchema(typ signal.Type, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(string(typ)+".json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", typ, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[typ] = compiled
	return nil
}

func (r *Runner) schemaFor(typ signal.Type) *jsonschema.Schema {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schemas[typ]
}

// RunAll executes every collector concurrently and returns one result per
// collector, in the collectors' order. Collector failures are captured in
// their result; RunAll itself fails only on context cancellation.
func (r *Runner) RunAll(ctx context.Context, collectors []Collector, window Window, dryRun bool) ([]Result, error) {
	results := make([]Result, len(collectors))

	// Suppression lookups already answered this run. Shared across
	// collectors so overlapping discoveries are not re-queried.
	seen := &runCache{suppressed: map[string]bool{}}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, c := range collectors {
		g.Go(func() error {
			results[i] = r.runOne(gctx, c, window, dryRun, seen)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

func (r *Runner) runOne(parent context.Context, c Collector, window Window, dryRun bool, seen *runCache) Result {
	res := Result{
		Collector: c.Name(),
		DryRun:    dryRun,
		Timestamp: time.Now().UTC(),
	}
	log := r.logger.With("collector", c.Name())

	ctx := parent
	if r.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.RunTimeout)
		defer cancel()
	}

	if err := c.Open(ctx); err != nil {
		if parent.Err() != nil {
			res.Status = StatusPartialSuccess
			res.Cancelled = true
			res.Errors = append(res.Errors, fmt.Sprintf("cancelled: %v", err))
			return res
		}
		res.Status = StatusError
		res.Errors = append(res.Errors, fmt.Sprintf("open: %v", err))
		log.Error("collector open failed", "error", err)
		return res
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("collector close failed", "error", err)
		}
	}()

	signals, err := c.Collect(ctx, window)
	if err != nil {
		if parent.Err() != nil {
			// The in-flight request was abandoned mid-run; counters cover
			// what was persisted before the cut.
			res.Status = StatusPartialSuccess
			res.Cancelled = true
			res.Errors = append(res.Errors, fmt.Sprintf("cancelled: %v", err))
			return res
		}
		res.Status = StatusError
		res.Errors = append(res.Errors, fmt.Sprintf("collect: %v", err))
		log.Error("collect failed", "error", err)
		return res
	}
	res.SignalsFound = len(signals)
	if len(signals) == 0 {
		res.Status = StatusNotFound
		return res
	}

	skipKnown := false
	if ks, ok := c.(KeySkipper); ok {
		skipKnown = ks.SkipKnownKeys()
	}

	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			if parent.Err() != nil {
				res.Cancelled = true
				res.Errors = append(res.Errors, fmt.Sprintf("cancelled: %v", err))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("run timeout: %v", err))
			}
			break
		}
		if err := r.processSignal(ctx, sig, dryRun, skipKnown, seen, &res); err != nil {
			// One bad record must not abort the batch.
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: %v", sig.Type, sig.CanonicalKey, err))
			log.Warn("signal dropped", "type", sig.Type, "canonical_key", sig.CanonicalKey, "error", err)
		}
	}

	switch {
	case res.Cancelled:
		res.Status = StatusPartialSuccess
	case dryRun:
		res.Status = StatusDryRun
	case len(res.Errors) > 0:
		res.Status = StatusPartialSuccess
	default:
		res.Status = StatusSuccess
	}
	log.Info("collection finished",
		"status", res.Status,
		"found", res.SignalsFound,
		"new", res.SignalsNew,
		"suppressed", res.SignalsSuppressed,
		"errors", len(res.Errors))
	return res
}

func (r *Runner) processSignal(ctx context.Context, sig signal.Signal, dryRun, skipKnown bool, seen *runCache, res *Result) error {
	if sig.CanonicalKey == "" {
		return errors.New("empty canonical key")
	}
	if schema := r.schemaFor(sig.Type); schema != nil {
		if err := validateRaw(schema, sig.RawData); err != nil {
			return fmt.Errorf("raw data contract: %w", err)
		}
	}

	suppressed, err := r.checkSuppression(ctx, sig.CanonicalKey, seen)
	if err != nil {
		return err
	}
	if suppressed {
		res.SignalsSuppressed++
		return nil
	}

	if skipKnown {
		dup, err := r.store.IsDuplicate(ctx, sig.CanonicalKey)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}

	if dryRun {
		res.SignalsNew++
		return nil
	}

	_, isNew, err := r.store.SaveSignal(ctx, sig)
	if err != nil {
		return err
	}
	if isNew {
		res.SignalsNew++
	}
	return nil
}

func (r *Runner) checkSuppression(ctx context.Context, key string, seen *runCache) (bool, error) {
	if suppressed, ok := seen.get(key); ok {
		return suppressed, nil
	}

	_, err := r.store.CheckSuppression(ctx, key)
	switch {
	case err == nil:
		seen.put(key, true)
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		seen.put(key, false)
		return false, nil
	default:
		return false, err
	}
}

func validateRaw(schema *jsonschema.Schema, raw map[string]any) error {
	// Round-trip through JSON so numeric types match what the schema
	// compiler expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

type runCache struct {
	mu         sync.Mutex
	suppressed map[string]bool
}

func (c *runCache) get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.suppressed[key]
	return v, ok
}

func (c *runCache) put(key string, suppressed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressed[key] = suppressed
}
