// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the gateway and the agent pipeline.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys, aligned with the GenAI semantic conventions.
const (
	AttrOperationName     = "gen_ai.operation.name"
	AttrRequestModel      = "gen_ai.request.model"
	AttrUsageInputTokens  = "gen_ai.usage.input_tokens"
	AttrUsageOutputTokens = "gen_ai.usage.output_tokens"
	AttrAgentType         = "coscientist.agent.type"
	AttrRequestType       = "coscientist.request.type"
	AttrRequestID         = "coscientist.request.id"
	AttrIteration         = "coscientist.iteration"
)

// Span names.
const (
	SpanLLMCall   = "llm.call"
	SpanAgentTask = "agent.task"
	SpanIteration = "pipeline.iteration"
)

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Exporter       string            `yaml:"exporter"`
	Endpoint       string            `yaml:"endpoint"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Insecure       bool              `yaml:"insecure"`
	Timeout        time.Duration     `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers"`
}

// SetDefaults fills zero fields with the documented defaults.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.SamplingRate <= 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "coscientist"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Tracer wraps the OpenTelemetry tracer with domain helpers. A nil
// Tracer is valid and produces no-op spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from configuration. Disabled tracing
// returns (nil, nil); callers use the nil tracer safely.
func NewTracer(ctx context.Context, cfg *TracingConfig) (*Tracer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("gen_ai.system", "coscientist"),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func createExporter(ctx context.Context, cfg *TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

// Start begins a span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, spanName)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartLLMCall begins a span for one upstream model call.
func (t *Tracer) StartLLMCall(ctx context.Context, requestID, model, agentType, requestType string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLLMCall,
		trace.WithAttributes(
			attribute.String(AttrOperationName, "chat"),
			attribute.String(AttrRequestID, requestID),
			attribute.String(AttrRequestModel, model),
			attribute.String(AttrAgentType, agentType),
			attribute.String(AttrRequestType, requestType),
		),
	)
}

// StartAgentTask begins a span for a scheduled agent task.
func (t *Tracer) StartAgentTask(ctx context.Context, taskID, agentType, taskType string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanAgentTask,
		trace.WithAttributes(
			attribute.String("coscientist.task.id", taskID),
			attribute.String(AttrAgentType, agentType),
			attribute.String("coscientist.task.type", taskType),
		),
	)
}

// StartIteration begins a span for one research iteration.
func (t *Tracer) StartIteration(ctx context.Context, iteration int, goal string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanIteration,
		trace.WithAttributes(
			attribute.Int(AttrIteration, iteration),
			attribute.String("coscientist.goal", goal),
		),
	)
}

// AddLLMUsage records token usage on a span.
func (t *Tracer) AddLLMUsage(span trace.Span, inputTokens, outputTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int(AttrUsageInputTokens, inputTokens),
		attribute.Int(AttrUsageOutputTokens, outputTokens),
	)
}

// Shutdown flushes pending spans. Safe on a nil tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
