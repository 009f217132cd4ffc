// Package tracing wires go.opentelemetry.io/otel the way the teacher's
// internal/observability/otel.go does: an OTLP/HTTP exporter when an
// endpoint is configured, falling back to a stdout exporter for local runs,
// behind a sync.Once so Init is safe to call from both binaries'
// bootstrap paths without double-registering a global tracer provider.
package tracing

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomctl/pipelinecore/internal/platform/logger"
)

// ServiceConfig names the process emitting spans; component distinguishes
// the orchestrator from worker processes in a trace backend.
type ServiceConfig struct {
	ServiceName string
	Component   string
	Endpoint    string // OTEL_EXPORTER_OTLP_ENDPOINT; empty selects the stdout exporter
}

// defaultSampleRatio samples every trace, in local/dev and production
// alike; unlike the teacher there is no
// OTEL_SAMPLER_RATIO knob in this module's env surface (SPEC_FULL.md §1.2),
// so the ratio is fixed rather than configurable.
const defaultSampleRatio = 1.0

var (
	initOnce     sync.Once
	shutdownFunc func(context.Context) error = func(context.Context) error { return nil }
)

// Init builds and installs the global tracer provider. Returns a shutdown
// func that flushes and stops the exporter; callers should defer it. Safe to
// call more than once per process: only the first call takes effect.
func Init(ctx context.Context, log *logger.Logger, cfg ServiceConfig) func(context.Context) error {
	initOnce.Do(func() {
		name := strings.TrimSpace(cfg.ServiceName)
		if name == "" {
			name = "pipelinecore"
		}
		res, err := resource.New(
			ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(name),
				attribute.String("service.component", cfg.Component),
			),
		)
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildExporter(ctx, log, cfg.Endpoint)
		if expErr != nil && log != nil {
			log.Warn("otel exporter init failed (continuing)", "error", expErr)
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSampleRatio))),
			sdktrace.WithResource(res),
		}
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFunc = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", name, "component", cfg.Component, "endpoint", cfg.Endpoint)
		}
	})
	return shutdownFunc
}

func buildExporter(ctx context.Context, log *logger.Logger, endpoint string) (sdktrace.SpanExporter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
	}
	return exp, nil
}

// Tracer returns the named tracer off the global provider Init installed.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
