package mcp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

const instrumentationName = "github.com/fyrsmithlabs/fixplan/internal/mcp"

// Metrics records tool calls through the global OTel meter provider.
type Metrics struct {
	meter       metric.Meter
	logger      *logging.Logger
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	active      metric.Int64UpDownCounter
}

func NewMetrics(logger *logging.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *logging.Logger) *Metrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Metrics{meter: meter, logger: logger}
	ctx := context.Background()
	var err error

	m.invocations, err = m.meter.Int64Counter("fixplan.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool invocations"), metric.WithUnit("{invocation}"))
	if err != nil {
		logger.Warn(ctx, "failed to create invocations counter", zap.Error(err))
	}
	m.duration, err = m.meter.Float64Histogram("fixplan.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}
	m.errors, err = m.meter.Int64Counter("fixplan.mcp.tool.errors_total",
		metric.WithDescription("MCP tool errors, by error code"), metric.WithUnit("{error}"))
	if err != nil {
		logger.Warn(ctx, "failed to create errors counter", zap.Error(err))
	}
	m.active, err = m.meter.Int64UpDownCounter("fixplan.mcp.tool.active_requests",
		metric.WithDescription("MCP tool calls in flight"), metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// RecordInvocation records one finished call. Errors are labelled by
// their plan error code.
func (m *Metrics) RecordInvocation(ctx context.Context, tool string, took time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, took.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("code", string(plan.CodeOf(err))),
		))
	}
}

func (m *Metrics) track(ctx context.Context, tool string, delta int64) {
	if m.active != nil {
		m.active.Add(ctx, delta, metric.WithAttributes(attribute.String("tool", tool)))
	}
}
