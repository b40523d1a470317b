package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/fixplan/internal/config"
)

func TestNewDisabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, tel.Tracer("x"))
	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults enabled", func(c *Config) { c.Enabled = true }, true},
		{"disabled ignores fields", func(c *Config) { c.Endpoint = "" }, true},
		{"no endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, false},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, false},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, false},
		{"tls remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "https://otel.example.com"
			c.Insecure = false
		}, true},
		{"insecure ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, true},
		{"sample rate", func(c *Config) { c.Enabled = true; c.SampleRate = 1.5 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:        true,
		Endpoint:       "collector:4318",
		Protocol:       "http/protobuf",
		SampleRate:     0.5,
		ExportInterval: config.Duration(time.Minute),
	}, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "fixpland", cfg.ServiceName)
	assert.Equal(t, time.Minute, cfg.ExportInterval)
	assert.Equal(t, 0.5, cfg.SampleRate)
}

func TestResourceCarriesServiceName(t *testing.T) {
	res := newResource(NewDefaultConfig())
	v, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "fixpland", v.AsString())
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "host:4318", stripScheme("https://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("http://host:4318"))
	assert.Equal(t, "host:4318", stripScheme("host:4318"))
}

func TestStartAndEnd(t *testing.T) {
	tt := NewTestTelemetry(t)

	_, span := Start(context.Background(), "engine", "engine.Submit", attribute.String("plan.id", "p1"))
	End(span, nil)
	_, span = Start(context.Background(), "engine", "engine.Cancel")
	End(span, errors.New("boom"))

	tt.AssertSpanExists(t, "engine.Submit")
	tt.AssertSpanAttribute(t, "engine.Submit", "plan.id", "p1")
	failed := tt.SpanByName("engine.Cancel")
	require.NotNil(t, failed)
	assert.Equal(t, codes.Error, failed.Status().Code)
}
