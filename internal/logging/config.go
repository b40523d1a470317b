package logging

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/config"
)

// TraceLevel sits below Debug for step-by-step execution detail such as
// every streamed output line of a shell step.
const TraceLevel = zapcore.Level(-2)

// ParseLevel parses a level name, accepting "trace" in addition to zap's
// own names.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "trace") {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// Config holds logging configuration.
type Config struct {
	Level  zapcore.Level
	Format string
	Stdout bool
	// Stderr moves the console output to stderr, leaving stdout to a
	// protocol such as MCP stdio.
	Stderr     bool
	OTEL       bool
	Caller     bool
	Stacktrace zapcore.Level
	Fields     map[string]string
	Sampling   SamplingConfig
	Redaction  RedactionConfig
}

// SamplingConfig thins out repetitive entries below Error. Errors are never
// sampled.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig controls which field names and value patterns are masked
// before entries reach any output.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      zapcore.InfoLevel,
		Format:     "json",
		Stdout:     true,
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "fixpland"},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "bearer", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`gh[pousr]_[A-Za-z0-9]{20,}`,
			},
		},
	}
}

// FromSettings builds a logging config from the daemon's logging section.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := ParseLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.OTEL = s.OTEL
	if s.DisableSampling {
		cfg.Sampling.Enabled = false
	}
	if len(s.RedactFields) > 0 {
		cfg.Redaction.Fields = append(cfg.Redaction.Fields, s.RedactFields...)
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > 200 {
				return fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
