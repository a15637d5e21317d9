package observability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/alvesdmateus/deployctl/pkg/models"
)

// TracingConfig holds configuration for distributed tracing
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port of an OTLP/HTTP collector
	OTLPEndpoint string
	// SampleRate is clamped to [0, 1]
	SampleRate float64
	Insecure   bool
}

// Span attribute keys
var (
	AttrDeploymentID = attribute.Key("deployment.id")
	AttrSlot         = attribute.Key("deployment.slot")
	AttrPort         = attribute.Key("deployment.port")
	AttrTaskID       = attribute.Key("task.id")
	AttrTaskType     = attribute.Key("task.type")
	AttrTaskStatus   = attribute.Key("task.status")
	AttrNodeID       = attribute.Key("node.id")
)

// Tracer starts the spans deployctl records: one per task execution, plus
// HTTP server and client spans
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewTracer exports to an OTLP collector when enabled. A disabled config
// yields a tracer whose spans are no-ops.
func NewTracer(ctx context.Context, config TracingConfig) (*Tracer, error) {
	if !config.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(config.ServiceName)}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(config.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return newTracer(provider, config.ServiceName), nil
}

func newTracer(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(name), enabled: true}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Enabled reports whether spans are exported
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// Shutdown flushes pending spans
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span with the given name
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartTask opens the span that covers one task execution
func (t *Tracer) StartTask(ctx context.Context, task *models.Task, deploymentID uuid.UUID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrTaskID.String(task.ID.String()),
		AttrTaskType.String(string(task.Type)),
	}
	if deploymentID != uuid.Nil {
		attrs = append(attrs, AttrDeploymentID.String(deploymentID.String()))
	}
	if task.NodeID != nil {
		attrs = append(attrs, AttrNodeID.String(task.NodeID.String()))
	}
	return t.tracer.Start(ctx, "task."+string(task.Type), trace.WithAttributes(attrs...))
}

// EndTask records the outcome of a task span and ends it
func EndTask(span trace.Span, status models.TaskStatus, err error) {
	span.SetAttributes(AttrTaskStatus.String(string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// MarkSlot annotates the current span with the slot and port a deployment is moving to
func MarkSlot(ctx context.Context, slot models.Slot, port int) {
	trace.SpanFromContext(ctx).SetAttributes(AttrSlot.String(string(slot)), AttrPort.Int(port))
}
