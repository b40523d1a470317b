package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	planCtxKey    struct{}
	workerCtxKey  struct{}
	requestCtxKey struct{}
	actorCtxKey   struct{}
	loggerCtxKey  struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := PlanIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("plan_id", id))
	}
	if id := WorkerIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("worker_id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if a := ActorFromContext(ctx); a != "" {
		fields = append(fields, zap.String("actor", a))
	}
	return fields
}

func withString(ctx context.Context, key any, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func stringFrom(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithPlanID tags ctx with the plan being worked on.
func WithPlanID(ctx context.Context, id string) context.Context {
	return withString(ctx, planCtxKey{}, id)
}

// PlanIDFromContext returns the plan id, or "".
func PlanIDFromContext(ctx context.Context) string { return stringFrom(ctx, planCtxKey{}) }

// WithWorkerID tags ctx with the worker processing it.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return withString(ctx, workerCtxKey{}, id)
}

// WorkerIDFromContext returns the worker id, or "".
func WorkerIDFromContext(ctx context.Context) string { return stringFrom(ctx, workerCtxKey{}) }

// WithRequestID tags ctx with an API request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string { return stringFrom(ctx, requestCtxKey{}) }

// WithActor tags ctx with the authenticated caller.
func WithActor(ctx context.Context, actor string) context.Context {
	return withString(ctx, actorCtxKey{}, actor)
}

// ActorFromContext returns the authenticated caller, or "".
func ActorFromContext(ctx context.Context) string { return stringFrom(ctx, actorCtxKey{}) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
