package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry trace.Tracer with the handful of
// domain-specific span helpers this system's Agent Runtime Loop, Gateway,
// and channel adapters need, generalized from the teacher's
// observability.Tracer (internal/observability/tracing.go). This build
// registers its own SDK TracerProvider for correct sampling and context
// propagation but does not wire an OTLP exporter: nothing in the example
// corpus's go.mod declares otlptrace/otlptracegrpc, so spans are created,
// sampled, and ended through the real SDK without being shipped anywhere
// until an operator adds an exporter.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures span sampling for a Tracer.
type TraceConfig struct {
	ServiceName string

	// SamplingRate controls what fraction of traces are recorded, 0.0 to
	// 1.0. Defaults to 1.0 (always sample) when unset.
	SamplingRate float64
}

// NewTracer builds a Tracer and registers it as the process-wide default
// TracerProvider. The returned shutdown func must be called on exit.
func NewTracer(cfg TraceConfig) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "conclaved"
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0 || cfg.SamplingRate == 0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler))
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}, provider.Shutdown
}

// Start opens a span named name as a child of ctx's current span.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithAttributes(attrs...)}
	if kind != trace.SpanKindUnspecified {
		opts = append(opts, trace.WithSpanKind(kind))
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed with err, a no-op if err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceAgentRun opens a span for one Agent Runtime Loop turn.
func (t *Tracer) TraceAgentRun(ctx context.Context, sessionID, provider, model string) (context.Context, trace.Span) {
	return t.Start(ctx, "agent.run", trace.SpanKindInternal,
		attribute.String("session.id", sessionID),
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// TraceToolCall opens a span for a single sandboxed or direct tool
// invocation.
func (t *Tracer) TraceToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.SpanKindInternal,
		attribute.String("tool.name", toolName),
	)
}

// TraceInboundMessage opens a span for a channel adapter's delivery of
// one inbound message into the Gateway's RequestSink.
func (t *Tracer) TraceInboundMessage(ctx context.Context, channelKind, sessionKey string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("channel.%s.inbound", channelKind), trace.SpanKindServer,
		attribute.String("channel.kind", channelKind),
		attribute.String("session.key", sessionKey),
	)
}
