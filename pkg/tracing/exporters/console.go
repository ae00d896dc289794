package exporters

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// ConsoleExporter writes finished spans to the logger at debug level
type ConsoleExporter struct {
	logger *zap.Logger
}

func NewConsoleExporter(logger *zap.Logger) *ConsoleExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleExporter{logger: logger.Named("trace")}
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	for _, s := range spans {
		c.logger.Debug("span",
			zap.String("name", s.Name()),
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		)
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	_ = c.logger.Sync()
	return nil
}
