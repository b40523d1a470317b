// Package logging wraps zap with context-aware methods. Every entry picks up
// correlation fields (trace, plan, worker, request) from the context it is
// logged with, passes through a redacting encoder and can be mirrored to an
// OpenTelemetry log provider.
package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with context-aware methods.
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// NewLogger creates a logger from config. otelProvider may be nil.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cores []zapcore.Core
	if cfg.Stdout {
		enc, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, err
		}
		sink := os.Stdout
		if cfg.Stderr {
			sink = os.Stderr
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(sink), cfg.Level))
	}
	if cfg.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("fixplan", otelzap.WithLoggerProvider(otelProvider)))
	}
	if len(cores) == 0 {
		return nil, errors.New("no log output available")
	}
	core := sampled(zapcore.NewTee(cores...), cfg.Sampling)

	opts := []zap.Option{zap.AddStacktrace(cfg.Stacktrace)}
	if cfg.Caller {
		// Skip Info/Warn/... and log so callers see their own file:line.
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	z := zap.New(core, opts...)
	for k, v := range cfg.Fields {
		z = z.With(zap.String(k, v))
	}
	return &Logger{zap: z, config: cfg}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}

// FromZap adopts an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{zap: z, config: NewDefaultConfig()}
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		if l == TraceLevel {
			enc.AppendString("trace")
			return
		}
		zapcore.LowercaseLevelEncoder(l, enc)
	}
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sampled samples entries below Error; Error and above always pass.
func sampled(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	low := zapcore.NewSamplerWithOptions(&levelRange{Core: core, max: zapcore.WarnLevel},
		cfg.Tick, cfg.Initial, cfg.Thereafter)
	high := &levelRange{Core: core, min: zapcore.ErrorLevel, hasMin: true}
	return zapcore.NewTee(high, low)
}

// levelRange restricts a core to a band of levels.
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
	hasMin   bool
}

func (c *levelRange) Enabled(l zapcore.Level) bool {
	if c.hasMin && l < c.min {
		return false
	}
	if !c.hasMin && l > c.max {
		return false
	}
	return c.Core.Enabled(l)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max, hasMin: c.hasMin}
}

func (l *Logger) log(ctx context.Context, lvl zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.zap.Check(lvl, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), config: l.config}
}

// Named returns a child logger with a name segment appended.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), config: l.config}
}

// Enabled reports whether level is enabled.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Underlying returns the wrapped zap logger for libraries that need one.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries. Sync errors from terminals are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
