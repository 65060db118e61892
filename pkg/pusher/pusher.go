// Package pusher is the batch processor between the store and the CRM:
// it groups pending signals into prospects, runs the gate, and routes
// each prospect according to the decision.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pressonlabs/discovery/pkg/gate"
	"github.com/pressonlabs/discovery/pkg/httpclient"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/signal"
	"github.com/pressonlabs/discovery/pkg/store"
)

// Store is the slice of the signal store the pusher needs.
type Store interface {
	GetPendingSignals(ctx context.Context, filter store.PendingFilter) ([]*store.StoredSignal, error)
	MarkPushed(ctx context.Context, signalID int64, crmPageID string, metadata map[string]any) error
	MarkRejected(ctx context.Context, signalID int64, reason string, metadata map[string]any) error
}

// CRM is the slice of the connector the pusher needs.
type CRM interface {
	ValidateSchema(ctx context.Context, strict bool) (*notion.ValidationResult, error)
	UpsertProspect(ctx context.Context, payload notion.ProspectPayload) (*notion.UpsertResult, error)
}

// Options bounds one processing batch.
type Options struct {
	Limit      int
	SignalType signal.Type
	DryRun     bool
}

// BatchResult is the accounting for one processing batch.
type BatchResult struct {
	Prospects int      `json:"prospects"`
	Pushed    int      `json:"pushed"`
	Rejected  int      `json:"rejected"`
	Held      int      `json:"held"`
	Skipped   int      `json:"skipped"`
	DryRun    bool     `json:"dry_run"`
	Cancelled bool     `json:"cancelled"`
	Errors    []string `json:"errors,omitempty"`
}

// Pusher runs processing batches.
type Pusher struct {
	store   Store
	crm     CRM
	params  gate.Params
	workers int
	logger  *slog.Logger
	now     func() time.Time

	// PushTimeout bounds one prospect's gate-and-push cycle. Zero means
	// unbounded. A timed-out prospect stays pending for the next batch.
	PushTimeout time.Duration
}

// New builds a pusher with the given gate parameters.
func New(st Store, crm CRM, params gate.Params) *Pusher {
	return &Pusher{
		store:   st,
		crm:     crm,
		params:  params,
		workers: 4,
		logger:  slog.Default().With("component", "pusher"),
		now:     time.Now,
	}
}

// Process runs one batch. The schema preflight runs once up front; an
// invalid CRM schema fails the whole batch before any signal is touched.
// One prospect's failure never aborts the rest.
func (p *Pusher) Process(ctx context.Context, opts Options) (*BatchResult, error) {
	if _, err := p.crm.ValidateSchema(ctx, true); err != nil {
		return nil, fmt.Errorf("schema preflight: %w", err)
	}

	pending, err := p.store.GetPendingSignals(ctx, store.PendingFilter{
		Limit:      opts.Limit,
		SignalType: opts.SignalType,
	})
	if err != nil {
		return nil, fmt.Errorf("load pending signals: %w", err)
	}

	groups := groupByKey(pending)
	res := &BatchResult{Prospects: len(groups), DryRun: opts.DryRun}
	if len(groups) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, grp := range groups {
		g.Go(func() error {
			outcome, err := p.processProspect(gctx, grp, opts.DryRun)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case gate.AutoPush, gate.NeedsReview:
				res.Pushed++
			case gate.Reject:
				res.Rejected++
			case gate.Hold:
				res.Held++
			case outcomeSkipped:
				res.Skipped++
			}
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", grp.key, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		res.Cancelled = true
	}
	p.logger.Info("batch processed",
		"prospects", res.Prospects, "pushed", res.Pushed,
		"rejected", res.Rejected, "held", res.Held,
		"skipped", res.Skipped, "errors", len(res.Errors), "dry_run", res.DryRun)
	return res, nil
}

// outcomeSkipped marks a prospect whose CRM record is terminal.
const outcomeSkipped = gate.Decision("skipped")

type keyGroup struct {
	key     string
	signals []*store.StoredSignal
}

// groupByKey preserves first-seen order across groups and detection order
// inside each group.
func groupByKey(pending []*store.StoredSignal) []keyGroup {
	index := map[string]int{}
	var groups []keyGroup
	for _, sig := range pending {
		i, ok := index[sig.CanonicalKey]
		if !ok {
			i = len(groups)
			index[sig.CanonicalKey] = i
			groups = append(groups, keyGroup{key: sig.CanonicalKey})
		}
		groups[i].signals = append(groups[i].signals, sig)
	}
	for _, g := range groups {
		sort.SliceStable(g.signals, func(a, b int) bool {
			return g.signals[a].DetectedAt.Before(g.signals[b].DetectedAt)
		})
	}
	return groups
}

func (p *Pusher) processProspect(ctx context.Context, grp keyGroup, dryRun bool) (gate.Decision, error) {
	if p.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.PushTimeout)
		defer cancel()
	}

	bare := make([]signal.Signal, len(grp.signals))
	for i, s := range grp.signals {
		bare[i] = s.Signal
	}
	prospect := signal.BuildProspect(grp.key, bare)
	verdict := gate.Evaluate(bare, p.now(), p.params)

	log := p.logger.With("canonical_key", grp.key, "decision", verdict.Decision,
		"confidence", fmt.Sprintf("%.2f", verdict.Confidence))

	switch verdict.Decision {
	case gate.Hold:
		log.Debug("prospect held")
		return gate.Hold, nil

	case gate.Reject:
		if dryRun {
			return gate.Reject, nil
		}
		reason := strings.Join(verdict.Reasons, "; ")
		for _, s := range grp.signals {
			if err := p.store.MarkRejected(ctx, s.ID, reason, decisionMetadata(verdict)); err != nil {
				return gate.Reject, err
			}
		}
		log.Info("prospect rejected", "reason", reason)
		return gate.Reject, nil
	}

	// AutoPush or NeedsReview.
	if dryRun {
		return verdict.Decision, nil
	}

	payload := p.buildPayload(prospect, verdict)
	result, err := p.crm.UpsertProspect(ctx, payload)
	if err != nil {
		// Transient or permanent, the signals stay pending; transient
		// failures resolve on the next batch, permanent ones need a human.
		if errors.Is(err, httpclient.ErrTransient) {
			log.Warn("upsert failed transiently, will retry next batch", "error", err)
		} else {
			log.Error("upsert failed", "error", err)
		}
		return gate.Hold, err
	}

	if result.Action == notion.ActionSkipped {
		// The fund already decided on this company. Close the signals so
		// they are not reconsidered every batch.
		for _, s := range grp.signals {
			if err := p.store.MarkRejected(ctx, s.ID, "crm record in terminal status", decisionMetadata(verdict)); err != nil {
				return outcomeSkipped, err
			}
		}
		log.Info("prospect skipped, crm record terminal", "crm_page_id", result.PageID)
		return outcomeSkipped, nil
	}

	meta := decisionMetadata(verdict)
	meta["crm_action"] = string(result.Action)
	for _, s := range grp.signals {
		if err := p.store.MarkPushed(ctx, s.ID, result.PageID, meta); err != nil {
			return verdict.Decision, err
		}
	}
	log.Info("prospect pushed", "crm_page_id", result.PageID, "action", result.Action)
	return verdict.Decision, nil
}

func decisionMetadata(verdict gate.Result) map[string]any {
	return map[string]any{
		"confidence": verdict.Confidence,
		"decision":   string(verdict.Decision),
		"reasons":    verdict.Reasons,
	}
}
