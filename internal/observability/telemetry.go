// Package observability wires OpenTelemetry tracing for invocations.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/oriys/orbit"

// Config selects where invocation spans go. Exporter "none" keeps spans
// in process, which still gives trace ids to logs and to peers.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, none
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var current atomic.Pointer[provider]

func init() {
	current.Store(disabled())
}

func disabled() *provider {
	return &provider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// Init installs the tracer used by every orbit span. attrs are added to
// the resource, typically the worker id and environment.
func Init(ctx context.Context, cfg Config, attrs ...attribute.KeyValue) error {
	if !cfg.Enabled {
		current.Store(disabled())
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "orbit"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case "none":
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if prev := current.Swap(&provider{tp: tp, tracer: tp.Tracer(instrumentationName), enabled: true}); prev.tp != nil {
		_ = prev.tp.Shutdown(ctx)
	}
	return nil
}

// sampler samples everything at rate 1 or above, and otherwise follows the
// parent decision with a trace-id ratio for root spans.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 || rate < 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes pending spans and reverts to the noop tracer.
func Shutdown(ctx context.Context) error {
	p := current.Swap(disabled())
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Tracer returns the orbit tracer.
func Tracer() trace.Tracer {
	return current.Load().tracer
}

// Enabled reports whether spans are recorded.
func Enabled() bool {
	return current.Load().enabled
}
