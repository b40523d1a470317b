// Package telemetry sets up OpenTelemetry tracing and metrics export and
// offers small span helpers used across fixplan's services.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/config"
)

// Config holds telemetry settings.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" or "http/protobuf"
	Insecure        bool
	TLSSkipVerify   bool
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns defaults with export disabled.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "fixpland",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromSettings builds a Config from the daemon's telemetry section.
func FromSettings(s config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = s.Enabled
	if s.Endpoint != "" {
		cfg.Endpoint = s.Endpoint
	}
	if s.Protocol != "" {
		cfg.Protocol = s.Protocol
	}
	cfg.Insecure = s.Insecure
	cfg.TLSSkipVerify = s.TLSSkipVerify
	if s.ServiceName != "" {
		cfg.ServiceName = s.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.SampleRate = s.SampleRate
	if s.ExportInterval > 0 {
		cfg.ExportInterval = s.ExportInterval.Duration()
	}
	return cfg
}

// Validate checks config for errors. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure export is only allowed to a local endpoint, got %q", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.ExportInterval <= 0 {
		return fmt.Errorf("export interval must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	switch {
	case strings.HasPrefix(host, "["):
		if i := strings.Index(host, "]"); i > 0 {
			host = host[1:i]
		}
	case strings.Count(host, ":") == 1:
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
