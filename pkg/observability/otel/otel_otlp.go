//go:build otelotlp

package otelobs

import (
	"context"
	"log"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"aegisgate/pkg/config"
)

// InitTracer wires an OTLP HTTP exporter for the gateway and installs the
// W3C tracecontext propagator. Tracing stays off unless
// OTEL_EXPORTER_OTLP_ENDPOINT is set; OTEL_TRACE_SAMPLE_RATIO (0..1, default
// 1) controls head sampling. Returns the provider shutdown func.
func InitTracer(serviceName string) func(context.Context) error {
	noop := func(context.Context) error { return nil }

	endpoint := config.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" {
		return noop
	}

	ctx := context.Background()
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		log.Printf("[otel] otlp exporter init: %v", err)
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceNamespace("aegisgate"),
	))
	if err != nil {
		log.Printf("[otel] resource init: %v", err)
	}

	ratio := 1.0
	if v := config.Get("OTEL_TRACE_SAMPLE_RATIO", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			ratio = f
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}
