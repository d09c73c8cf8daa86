// Package otel sets up the OpenTelemetry tracer provider that receives
// envelope spans.
package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/tezedge/tezedge-debugger/internal/config"
)

const exportTimeout = 10 * time.Second

// InitProvider creates a tracer provider exporting over OTLP/HTTP. The HTTP
// client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func InitProvider(cfg *config.OTELConfig) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	endpoint := cfg.GetEndpoint()
	logrus.WithFields(logrus.Fields{
		"component": "otel",
		"service":   cfg.ServiceName,
		"endpoint":  endpoint,
	}).Info("exporting envelope spans")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// NewResource describes this process: the service name plus any
// OTEL_RESOURCE_ATTRIBUTES.
func NewResource(ctx context.Context, cfg *config.OTELConfig) (*resource.Resource, error) {
	opts := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if attrs := cfg.ParseResourceAttributes(); len(attrs) > 0 {
		opts = append(opts, resource.WithAttributes(attrs...))
	}
	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// ShutdownProvider flushes remaining spans and stops tp.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
