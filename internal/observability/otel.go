// Package observability installs the OpenTelemetry tracer provider.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultSampleRatio = 0.1

var (
	initOnce sync.Once
	shutdown = func(context.Context) error { return nil }
)

// InitTracing installs an SDK tracer provider exporting over OTLP/HTTP when
// OTEL_ENABLED is set. Otherwise the global no-op provider stays in place.
// The exporter reads OTEL_EXPORTER_OTLP_* variables itself. The returned
// function flushes pending spans and must run before a Lambda invocation
// returns when tracing is on.
func InitTracing(ctx context.Context, serviceName string) func(context.Context) error {
	initOnce.Do(func() {
		if !Enabled() {
			return
		}
		serviceName = strings.TrimSpace(serviceName)
		if serviceName == "" {
			serviceName = "commerce-agent"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", getEnv("DEPLOY_ENV")),
			attribute.String("faas.name", getEnv("AWS_LAMBDA_FUNCTION_NAME")),
		))
		if err != nil {
			slog.Warn("otel resource init failed (continuing)", "err", err)
		}

		exporter, err := otlptracehttp.New(ctx)
		if err != nil {
			slog.Warn("otel exporter init failed, tracing disabled", "err", err)
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(SampleRatio()))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdown = tp.ForceFlush
		slog.Info("otel tracing initialized", "service", serviceName, "endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	})
	return shutdown
}

func Enabled() bool {
	switch strings.ToLower(getEnv("OTEL_ENABLED")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SampleRatio reads OTEL_SAMPLER_RATIO clamped to [0, 1].
func SampleRatio() float64 {
	v := getEnv("OTEL_SAMPLER_RATIO")
	if v == "" {
		return defaultSampleRatio
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultSampleRatio
	}
	return min(max(f, 0), 1)
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
