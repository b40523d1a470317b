package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/fixplan/internal/http"

// HTTPMetrics holds the OTel request instruments.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

func NewHTTPMetrics(logger *logging.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	ctx := context.Background()
	var err error

	m.requestsTotal, err = m.meter.Int64Counter("fixplan.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status."),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn(ctx, "failed to create requests counter", zap.Error(err))
	}
	m.requestDur, err = m.meter.Float64Histogram("fixplan.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0))
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}
	m.responseSize, err = m.meter.Int64Histogram("fixplan.http.response_size_bytes",
		metric.WithDescription("HTTP response body size."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000))
	if err != nil {
		logger.Warn(ctx, "failed to create response size histogram", zap.Error(err))
	}
	m.activeRequests, err = m.meter.Int64UpDownCounter("fixplan.http.active_requests",
		metric.WithDescription("HTTP requests in flight."),
		metric.WithUnit("{request}"))
	if err != nil {
		logger.Warn(ctx, "failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// MetricsMiddleware records every request under its route pattern, so
// /api/v1/plans/:id is one series however many plans exist.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				// Resolve the status now rather than after the outer logger.
				c.Error(err)
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeOf(c)),
				attribute.Int("status", c.Response().Status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return nil
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
