// Package observability wires OpenTelemetry tracing and metrics for the
// engine. With telemetry disabled every instrument is a no-op, and a nil
// *Provider is safe to call.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "actiongate"

// Config configures the OpenTelemetry providers.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// DefaultConfig returns telemetry disabled with sensible exporter settings.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "actiongate",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric providers and the engine instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	submitted        metric.Int64Counter
	decided          metric.Int64Counter
	dispatchAttempts metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	sweepDuration    metric.Float64Histogram
	healthAlerts     metric.Int64Counter
}

// New creates a Provider. When telemetry is disabled the global no-op
// providers back the instruments.
func New(ctx context.Context, config Config) (*Provider, error) {
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.tracer = otel.Tracer(instrumentationName)
		if err := p.initInstruments(otel.Meter(instrumentationName)); err != nil {
			return nil, err
		}
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	meter := p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithMeterProvider builds a Provider on an existing meter provider.
func NewWithMeterProvider(mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		logger: slog.Default().With("component", "observability"),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := p.initInstruments(mp.Meter(instrumentationName)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.submitted, err = meter.Int64Counter("actiongate.actions.submitted",
		metric.WithDescription("Actions accepted by the approval gate"),
		metric.WithUnit("{action}"),
	); err != nil {
		return err
	}
	if p.decided, err = meter.Int64Counter("actiongate.approvals.decided",
		metric.WithDescription("Approval requests leaving pending, by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.dispatchAttempts, err = meter.Int64Counter("actiongate.dispatch.attempts",
		metric.WithDescription("Target executor invocations, by kind and error kind"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return err
	}
	if p.dispatchDuration, err = meter.Float64Histogram("actiongate.dispatch.duration",
		metric.WithDescription("Target executor call duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return err
	}
	if p.sweepDuration, err = meter.Float64Histogram("actiongate.sweep.duration",
		metric.WithDescription("Duration of one periodic sweep"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if p.healthAlerts, err = meter.Int64Counter("actiongate.health.alerts",
		metric.WithDescription("System-health alerts raised by sweeps"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// StartSpan starts a span on the engine tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	if p != nil && p.tracer != nil {
		tracer = p.tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ActionSubmitted counts an action accepted by the gate.
func (p *Provider) ActionSubmitted(ctx context.Context, actionType string, gated bool) {
	if p == nil {
		return
	}
	p.submitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action_type", actionType),
		attribute.Bool("approval_required", gated),
	))
}

// ApprovalDecided counts an approval outcome (approved, rejected, expired).
func (p *Provider) ApprovalDecided(ctx context.Context, outcome string) {
	if p == nil {
		return
	}
	p.decided.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// DispatchAttempt records one executor call.
func (p *Provider) DispatchAttempt(ctx context.Context, kind, errorKind string, d time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("error_kind", errorKind))
	p.dispatchAttempts.Add(ctx, 1, attrs)
	p.dispatchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// SweepDuration records how long one sweep took.
func (p *Provider) SweepDuration(ctx context.Context, sweep string, d time.Duration) {
	if p == nil {
		return
	}
	p.sweepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("sweep", sweep)))
}

// HealthAlert counts a raised health alert.
func (p *Provider) HealthAlert(ctx context.Context, sweep string) {
	if p == nil {
		return
	}
	p.healthAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("sweep", sweep)))
}
