// Package telemetry configures OpenTelemetry tracing for generation
// requests. Without an OTLP endpoint spans go to the global no-op provider.
package telemetry

import (
	"context"
	"log"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"mia/internal/config"
)

const defaultServiceName = "miad"

var (
	mu     sync.RWMutex
	tracer trace.Tracer
	zlog   *zerolog.Logger
)

// SetLogger routes telemetry logs through zerolog.
func SetLogger(l zerolog.Logger) { zlog = &l }

func logInfo(msg, endpoint string) {
	if zlog != nil {
		zlog.Info().Str("endpoint", endpoint).Msg(msg)
		return
	}
	log.Printf("%s endpoint=%q", msg, endpoint)
}

// Init installs a batching OTLP/gRPC tracer provider when cfg names an
// endpoint. The returned func flushes and stops the exporter.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	if cfg.OTLPEndpoint == "" {
		UseProvider(otel.GetTracerProvider(), name)
		logInfo("tracing disabled", "")
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	UseProvider(tp, name)
	logInfo("tracing enabled", cfg.OTLPEndpoint)
	return tp.Shutdown, nil
}

// UseProvider makes later spans come from tp.
func UseProvider(tp trace.TracerProvider, name string) {
	mu.Lock()
	tracer = tp.Tracer(name)
	mu.Unlock()
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t == nil {
		return otel.Tracer(defaultServiceName)
	}
	return t
}

// StartSpan starts a span on the active tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// RequestAttributes tags span with the identifiers of one generation.
func RequestAttributes(span trace.Span, requestID, modelID, preset string) {
	span.SetAttributes(
		attribute.String("mia.request_id", requestID),
		attribute.String("mia.model_id", modelID),
		attribute.String("mia.reasoning_preset", preset),
	)
}

// End records the terminal status of a generation and ends span. Any
// status other than "ok" marks the span as failed.
func End(span trace.Span, status, errorType string, err error) {
	span.SetAttributes(attribute.String("mia.status", status))
	if errorType != "" {
		span.SetAttributes(attribute.String("mia.error_type", errorType))
	}
	if err != nil {
		span.RecordError(err)
	}
	if status == "ok" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, errorType)
	}
	span.End()
}

// TraceID returns the hex trace id of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
