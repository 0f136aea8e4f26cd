package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const tracingServiceName = "sellerops-backend"

// SetupTracing installs the global tracer provider exporting over OTLP/HTTP.
//
// Env:
// - OTEL_ENDPOINT (host:port; tracing stays a no-op when empty)
// - OTEL_TRACES_PATH (default /v1/traces)
// - OTEL_AUTH_HEADER (optional Authorization header)
// - OTEL_INSECURE=true for plain http
func SetupTracing(ctx context.Context) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	endpoint := strings.TrimSpace(os.Getenv("OTEL_ENDPOINT"))
	if endpoint == "" {
		return noop, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracingServiceName),
			semconv.DeploymentEnvironment(strings.TrimSpace(os.Getenv("GO_ENV"))),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("tracing resource: %w", err)
	}

	path := strings.TrimSpace(os.Getenv("OTEL_TRACES_PATH"))
	if path == "" {
		path = "/v1/traces"
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath(path),
	}
	if auth := strings.TrimSpace(os.Getenv("OTEL_AUTH_HEADER")); auth != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{"Authorization": auth}))
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_INSECURE")), "true") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithExportTimeout(10*time.Second),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}
