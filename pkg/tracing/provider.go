package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/tracing/exporters"
)

// Config controls the tracer provider
type Config struct {
	ServiceName string
	Enabled     bool
	// Endpoint of an OTLP/HTTP collector; empty logs spans instead
	Endpoint string
	Insecure bool
}

// Setup installs a tracer provider and returns its shutdown function.
// When tracing is disabled the package-level tracer stays nil and spans are no-ops.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	if cfg.Endpoint == "" {
		exporter = exporters.NewConsoleExporter(logger)
	} else {
		otlpCfg := exporters.DefaultOTLPConfig()
		otlpCfg.Endpoint = cfg.Endpoint
		otlpCfg.Insecure = cfg.Insecure
		exp, err := exporters.NewOTLPExporter(ctx, otlpCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	SetTracer(provider.Tracer(cfg.ServiceName))

	return func(ctx context.Context) error {
		SetTracer(nil)
		return provider.Shutdown(ctx)
	}, nil
}
