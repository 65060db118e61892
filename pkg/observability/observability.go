// Package observability provides OpenTelemetry metrics for the discovery
// pipeline: signal throughput counters, gate decision counters and phase
// duration histograms, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults. Telemetry stays off unless
// an endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "discovery-pipeline",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the OpenTelemetry meter provider and the pipeline's
// instruments. A disabled provider is a safe no-op on every method.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	signalsFound      metric.Int64Counter
	signalsNew        metric.Int64Counter
	signalsSuppressed metric.Int64Counter
	decisions         metric.Int64Counter
	phaseDuration     metric.Float64Histogram
	phaseErrors       metric.Int64Counter
	activePhases      metric.Int64UpDownCounter
}

// New creates a provider and installs it as the global meter provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "telemetry disabled")
		return p, nil
	}

	// Schemaless, so the merge never conflicts with whatever schema URL
	// the SDK's default resource carries.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.meter = otel.Meter("pressonlabs.discovery",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
	)
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.signalsFound, err = p.meter.Int64Counter("discovery.signals.found",
		metric.WithDescription("Signals observed by collectors"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return err
	}

	p.signalsNew, err = p.meter.Int64Counter("discovery.signals.new",
		metric.WithDescription("Signals persisted for the first time"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return err
	}

	p.signalsSuppressed, err = p.meter.Int64Counter("discovery.signals.suppressed",
		metric.WithDescription("Signals skipped because the CRM already tracks the company"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return err
	}

	p.decisions, err = p.meter.Int64Counter("discovery.prospects.decisions",
		metric.WithDescription("Gate decisions per prospect"),
		metric.WithUnit("{prospect}"),
	)
	if err != nil {
		return err
	}

	p.phaseDuration, err = p.meter.Float64Histogram("discovery.phase.duration",
		metric.WithDescription("Pipeline phase duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	p.phaseErrors, err = p.meter.Int64Counter("discovery.phase.errors",
		metric.WithDescription("Pipeline phase failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.activePhases, err = p.meter.Int64UpDownCounter("discovery.phases.active",
		metric.WithDescription("Pipeline phases currently running"),
		metric.WithUnit("{phase}"),
	)
	return err
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}

// RecordCollection records one collector run's accounting.
func (p *Provider) RecordCollection(ctx context.Context, collector string, found, created, suppressed int) {
	attrs := metric.WithAttributes(attribute.String("collector", collector))
	if p.signalsFound != nil {
		p.signalsFound.Add(ctx, int64(found), attrs)
	}
	if p.signalsNew != nil {
		p.signalsNew.Add(ctx, int64(created), attrs)
	}
	if p.signalsSuppressed != nil {
		p.signalsSuppressed.Add(ctx, int64(suppressed), attrs)
	}
}

// RecordDecisions records gate decisions of one kind.
func (p *Provider) RecordDecisions(ctx context.Context, decision string, count int) {
	if p.decisions != nil && count > 0 {
		p.decisions.Add(ctx, int64(count), metric.WithAttributes(attribute.String("decision", decision)))
	}
}

// TrackPhase measures one pipeline phase from start to finish. The returned
// function must be called exactly once with the phase's error, if any.
func (p *Provider) TrackPhase(ctx context.Context, phase string) func(error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("phase", phase))

	if p.activePhases != nil {
		p.activePhases.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if p.activePhases != nil {
			p.activePhases.Add(ctx, -1, attrs)
		}
		if p.phaseDuration != nil {
			p.phaseDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && p.phaseErrors != nil {
			p.phaseErrors.Add(ctx, 1, attrs)
		}
	}
}
