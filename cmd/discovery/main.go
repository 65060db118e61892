// Command discovery runs the prospect discovery pipeline: collect signals
// from the configured sources, gate them into prospects and push qualified
// prospects into the fund's CRM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/pressonlabs/discovery/pkg/config"
	"github.com/pressonlabs/discovery/pkg/notion"
	"github.com/pressonlabs/discovery/pkg/pipeline"
	"github.com/pressonlabs/discovery/pkg/pusher"
	"github.com/pressonlabs/discovery/pkg/suppression"
)

// Exit codes, stable for cron and alerting wrappers.
const (
	exitOK      = 0
	exitPartial = 1
	exitConfig  = 2
	exitSchema  = 3
	exitStore   = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// jobs is the slice of the pipeline the CLI drives.
type jobs interface {
	Collect(ctx context.Context, opts pipeline.CollectOptions) (*pipeline.CollectReport, error)
	Process(ctx context.Context, opts pipeline.ProcessOptions) (*pusher.BatchResult, error)
	Sync(ctx context.Context, opts pipeline.SyncOptions) (*suppression.Result, error)
	Full(ctx context.Context, opts pipeline.FullOptions) (*pipeline.RunReport, error)
	Stats(ctx context.Context) (*pipeline.StatsReport, error)
	Health(ctx context.Context) *pipeline.HealthReport
	Close(ctx context.Context) error
}

// newPipeline is swapped out in tests.
var newPipeline = func(ctx context.Context, cfg *config.Config) (jobs, error) {
	return pipeline.New(ctx, cfg)
}

// Run dispatches one subcommand and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitConfig
	}

	cfg := config.Load()
	setupLogging(stderr, cfg.LogLevel)

	switch args[1] {
	case "collect":
		return runCollect(args[2:], cfg, stdout, stderr)
	case "process":
		return runProcess(args[2:], cfg, stdout, stderr)
	case "sync":
		return runSync(args[2:], cfg, stdout, stderr)
	case "full":
		return runFull(args[2:], cfg, stdout, stderr)
	case "stats":
		return runStats(cfg, stdout, stderr)
	case "health":
		return runHealth(args[2:], cfg, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitConfig
	}
}

func setupLogging(stderr io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl})))
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: discovery <command> [flags]

Commands:
  collect   run signal collectors over the lookback window
  process   gate pending signals and push qualified prospects to the CRM
  sync      refresh the suppression cache from the CRM
  full      sync, collect and process in one run
  stats     print store counters and recent runs
  health    probe the store and the CRM

Configuration comes from the environment (DISCOVERY_DB_PATH, NOTION_TOKEN,
NOTION_DATABASE_ID, source API keys) and an optional tuning file named by
DISCOVERY_TUNING.`)
}

// withPipeline builds the pipeline, runs fn and maps errors to exit codes.
func withPipeline(cfg *config.Config, stderr io.Writer, fn func(ctx context.Context, p jobs) int) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		if errors.Is(err, pipeline.ErrStoreUnavailable) {
			return exitStore
		}
		return exitConfig
	}
	defer func() { _ = p.Close(context.Background()) }()

	return fn(ctx, p)
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, notion.ErrSchemaInvalid), errors.Is(err, notion.ErrNotConfigured):
		return exitSchema
	default:
		return exitPartial
	}
}

func printJSON(stdout io.Writer, v any) {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runCollect(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "report without writing signals")
	lookback := fs.Int("lookback-days", 0, "override the lookback window")
	only := fs.String("collectors", "", "comma-separated collector names to run")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		report, err := p.Collect(ctx, pipeline.CollectOptions{
			DryRun:       *dryRun,
			LookbackDays: *lookback,
			Only:         splitList(*only),
		})
		if report != nil {
			printJSON(stdout, report)
		}
		if err != nil {
			fmt.Fprintf(stderr, "collect failed: %v\n", err)
			return exitCodeFor(err)
		}
		if report.Errors > 0 {
			return exitPartial
		}
		return exitOK
	})
}

func runProcess(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "gate without writing to the CRM or the store")
	limit := fs.Int("limit", 0, "maximum pending signals to load")
	sigType := fs.String("type", "", "restrict the batch to one signal type")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		res, err := p.Process(ctx, pipeline.ProcessOptions{
			DryRun:     *dryRun,
			Limit:      *limit,
			SignalType: *sigType,
		})
		if err != nil {
			fmt.Fprintf(stderr, "process failed: %v\n", err)
			return exitCodeFor(err)
		}
		printJSON(stdout, res)
		if len(res.Errors) > 0 {
			return exitPartial
		}
		return exitOK
	})
}

func runSync(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "fetch without writing the cache")
	ttlDays := fs.Int("ttl-days", 0, "override the suppression entry lifetime")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		res, err := p.Sync(ctx, pipeline.SyncOptions{DryRun: *dryRun, TTLDays: *ttlDays})
		if err != nil {
			fmt.Fprintf(stderr, "sync failed: %v\n", err)
			return exitCodeFor(err)
		}
		printJSON(stdout, res)
		return exitOK
	})
}

func runFull(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("full", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "run every phase without writes")
	lookback := fs.Int("lookback-days", 0, "override the lookback window")
	limit := fs.Int("limit", 0, "maximum pending signals to process")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		report, err := p.Full(ctx, pipeline.FullOptions{
			DryRun:       *dryRun,
			LookbackDays: *lookback,
			Limit:        *limit,
		})
		if err != nil {
			fmt.Fprintf(stderr, "full run failed: %v\n", err)
			return exitCodeFor(err)
		}
		printJSON(stdout, report)
		if report.Degraded {
			return exitPartial
		}
		return exitOK
	})
}

func runStats(cfg *config.Config, stdout, stderr io.Writer) int {
	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		report, err := p.Stats(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "stats failed: %v\n", err)
			return exitCodeFor(err)
		}
		printJSON(stdout, report)
		return exitOK
	})
}

func runHealth(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	return withPipeline(cfg, stderr, func(ctx context.Context, p jobs) int {
		report := p.Health(ctx)
		if *asJSON {
			printJSON(stdout, report)
		} else {
			printHealth(stdout, report)
		}
		if !report.Healthy {
			return exitPartial
		}
		return exitOK
	})
}

func printHealth(w io.Writer, report *pipeline.HealthReport) {
	status := "healthy"
	if !report.Healthy {
		status = "unhealthy"
	}
	fmt.Fprintf(w, "%s\n", status)
	fmt.Fprintf(w, "store: %s\n", report.Store)
	fmt.Fprintf(w, "crm: %s\n", report.CRM)

	names := make([]string, 0, len(report.Collectors))
	for name := range report.Collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "source %s: %s\n", name, report.Collectors[name])
	}
	for _, problem := range report.Problems {
		fmt.Fprintf(w, "problem: %s\n", problem)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
