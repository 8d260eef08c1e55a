// Package observability provides OpenTelemetry-based tracing and
// metrics for the governance pipeline, plus a Prometheus text-exposition
// registry for the admin surface's metrics() endpoint.
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

	"github.com/guglxni/vyapaar-mcp/pkg/observability/promreg"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vyapaar-guard",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers, and the
// parallel Prometheus registry the admin metrics() endpoint reads from.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	Prom           *promreg.Registry

	decisionCounter  metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		Prom:   promreg.New(),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("vyapaar.component", "governance"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("vyapaar.governance", trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("vyapaar.governance", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initDecisionMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init decision metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName, "environment", config.Environment,
		"endpoint", config.OTLPEndpoint, "sample_rate", config.SampleRate)

	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
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
		propagation.TraceContext{}, propagation.Baggage{},
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
		return fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initDecisionMetrics sets up the rate/error/duration metrics governance
// evaluations record against, named for this domain rather than a
// generic request/error counter pair.
func (p *Provider) initDecisionMetrics() error {
	var err error

	p.decisionCounter, err = p.meter.Int64Counter("vyapaar.decisions.total",
		metric.WithDescription("Total number of governance decisions reached"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("vyapaar.errors.total",
		metric.WithDescription("Total number of governance evaluation errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("vyapaar.decision.duration",
		metric.WithDescription("Governance decision latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("vyapaar.evaluations.active",
		metric.WithDescription("Number of governance evaluations currently in flight"),
		metric.WithUnit("{evaluation}"))
	return err
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("vyapaar.governance")
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("vyapaar.governance")
	}
	return p.meter
}

func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackDecision tracks one governance evaluation from start to finish,
// recording both the OTel RED-style metrics and the parallel Prometheus
// counters the admin metrics() endpoint exposes. outcome/reason are
// filled in by the returned closure once the decision is known.
func (p *Provider) TrackDecision(ctx context.Context, agentID string) (context.Context, func(outcome, reason string, err error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "governance.evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("vyapaar.agent_id", agentID)))

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1)
	}
	p.Prom.EvaluationsInFlight.Inc()

	return ctx, func(outcome, reason string, err error) {
		duration := time.Since(start)
		attrs := []attribute.KeyValue{
			attribute.String("vyapaar.outcome", outcome),
			attribute.String("vyapaar.reason", reason),
		}

		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1)
		}
		p.Prom.EvaluationsInFlight.Dec()

		if p.decisionCounter != nil {
			p.decisionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		p.Prom.DecisionsTotal.WithLabelValues(outcome, reason).Inc()

		if p.durationHist != nil {
			p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		}
		p.Prom.DecisionDuration.WithLabelValues(outcome).Observe(duration.Seconds())

		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error.type", fmt.Sprintf("%T", err))))
			}
			p.Prom.EvaluationErrorsTotal.Inc()
		}
		span.End()
	}
}
