package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InstrumentationPrefix prefixes every tracer name.
const InstrumentationPrefix = "github.com/fyrsmithlabs/fixplan/"

// Telemetry owns the tracer and meter providers. Export failures degrade
// it without failing the daemon.
type Telemetry struct {
	config *Config

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    log.LoggerProvider

	healthy  atomic.Bool
	degraded atomic.Bool
	lastErr  atomic.Value
}

// New builds providers for cfg and installs them globally. A disabled cfg
// yields an instance whose tracers and meters are the global no-ops.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{config: cfg}
	t.healthy.Store(true)
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded(err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		t.setDegraded(err)
	} else {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Tracer returns a tracer, falling back to the global provider.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// LoggerProvider returns the provider for the zap bridge, possibly nil.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logProvider
}

// Shutdown flushes and stops the providers, bounded by the configured
// timeout when ctx has no deadline.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	t.healthy.Store(false)
	return errors.Join(errs...)
}

// HealthStatus is reported on /health. A degraded exporter never fails
// the health check itself.
type HealthStatus struct {
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// Health reports whether the providers started and are still running.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	h := HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
	if msg, ok := t.lastErr.Load().(string); ok {
		h.Error = msg
	}
	return h
}

func (t *Telemetry) setDegraded(err error) {
	t.degraded.Store(true)
	t.lastErr.Store(err.Error())
}

// Start opens a span on the global tracer for component.
func Start(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(InstrumentationPrefix+component).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
