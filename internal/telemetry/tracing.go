// Package telemetry installs the process-wide OpenTelemetry tracer used by the
// ingest pipeline and the change-event publisher.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Settings describes the tracer resource and sampling.
type Settings struct {
	ServiceName string
	Environment string
	// SampleRatio is the fraction of root spans kept. Zero or anything above
	// one samples every span.
	SampleRatio float64
}

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

// Setup registers a tracer provider and the W3C trace-context plus baggage
// propagators as globals. Spans stay in process until an exporter is attached
// to the provider.
func Setup(ctx context.Context, s Settings) (*sdktrace.TracerProvider, Shutdown, error) {
	name := strings.TrimSpace(s.ServiceName)
	if name == "" {
		return nil, nil, errors.New("telemetry service name is required")
	}
	if s.SampleRatio < 0 {
		return nil, nil, fmt.Errorf("telemetry sample ratio %v is negative", s.SampleRatio)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if env := strings.TrimSpace(s.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if s.SampleRatio > 0 && s.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, tp.Shutdown, nil
}
