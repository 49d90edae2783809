// Package otelexport ships engine spans to an OTLP collector (Jaeger,
// Grafana Tempo, Datadog and friends).
package otelexport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/adjutant-ai/adjutant/internal/tracing"
)

// Config configures the OTLP exporter.
type Config struct {
	Endpoint    string            // e.g. "localhost:4317"
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local dev
	ServiceName string            // default "adjutant"
	Headers     map[string]string // auth tokens etc.
}

// Exporter converts engine SpanData to OTel spans and exports via OTLP. It
// implements tracing.SpanExporter.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var _ tracing.SpanExporter = (*Exporter)(nil)

func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "adjutant"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc"
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Exporter{provider: tp, tracer: tp.Tracer("adjutant")}, nil
}

// ExportSpans converts and exports a flushed batch.
func (e *Exporter) ExportSpans(ctx context.Context, spans []tracing.SpanData) {
	if e == nil || len(spans) == 0 {
		return
	}
	for _, s := range spans {
		e.exportSpan(ctx, s)
	}
}

func (e *Exporter) exportSpan(ctx context.Context, s tracing.SpanData) {
	attrs := []attribute.KeyValue{
		attribute.String("adjutant.span_type", s.SpanType),
	}
	if s.JobID != "" {
		attrs = append(attrs, attribute.String("adjutant.job_id", s.JobID))
	}
	if s.RunID != "" {
		attrs = append(attrs, attribute.String("adjutant.run_id", s.RunID))
	}
	if s.AgentID != "" {
		attrs = append(attrs, attribute.String("adjutant.agent_id", s.AgentID))
	}
	if s.Model != "" {
		attrs = append(attrs, attribute.String("gen_ai.request.model", s.Model))
	}
	if s.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", s.InputTokens))
	}
	if s.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", s.OutputTokens))
	}
	if s.OutputPreview != "" {
		attrs = append(attrs, attribute.String("adjutant.output_preview", s.OutputPreview))
	}

	// Correlate with the engine's ids; the SDK generates its own span ids.
	attrs = append(attrs,
		attribute.String("adjutant.trace_id", s.TraceID.String()),
		attribute.String("adjutant.span_id", s.ID.String()),
	)

	kind := trace.SpanKindInternal
	if s.SpanType == tracing.SpanAgentCall {
		kind = trace.SpanKindClient
	}

	_, span := e.tracer.Start(ctx, s.Name,
		trace.WithTimestamp(s.StartTime),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)

	if s.Status == "error" {
		span.SetStatus(codes.Error, s.Error)
		if s.Error != "" {
			span.RecordError(fmt.Errorf("%s", s.Error))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}

	end := s.EndTime
	if end.IsZero() {
		end = s.StartTime
	}
	span.End(trace.WithTimestamp(end))
}

// Shutdown flushes remaining spans.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("otel: exporter shutting down")
	return e.provider.Shutdown(ctx)
}
