package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Sandbox.Repo = "/srv/repo.git"
	return cfg
}

func TestDefaultsValidateOnceRepoSet(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "sandbox.repo has no default")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "FIXPLAN_EXEC", cfg.Queue.Stream)
	assert.Equal(t, time.Minute, cfg.Workers.LeaseTTL.Duration())
	assert.Equal(t, 3, cfg.Workers.MaxRetries)
	assert.Equal(t, "fixplan/", cfg.Sandbox.BranchPrefix)
	assert.Equal(t, "go-test-json", cfg.Validation.Format)
	assert.Equal(t, "chromem", cfg.Knowledge.Backend)
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.Addr())
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Workers.Count = 8
	cfg.Sandbox.StepTimeout = Duration(time.Second)
	applyDefaults(cfg)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, time.Second, cfg.Sandbox.StepTimeout.Duration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"no workers", func(c *Config) { c.Workers.Count = -1 }, "workers.count"},
		{"short lease", func(c *Config) { c.Workers.LeaseTTL = Duration(time.Millisecond) }, "lease_ttl"},
		{"ack below lease", func(c *Config) { c.Queue.AckWait = Duration(time.Second) }, "ack_wait"},
		{"junit without report", func(c *Config) { c.Validation.Format = "junit" }, "report_path"},
		{"unknown format", func(c *Config) { c.Validation.Format = "tap" }, "validation.format"},
		{"unknown provider", func(c *Config) { c.Analyzer.Provider = "bard" }, "analyzer.provider"},
		{"provider without model", func(c *Config) { c.Analyzer.Provider = "openai" }, "analyzer.model"},
		{"unknown backend", func(c *Config) { c.Knowledge.Backend = "pinecone" }, "knowledge.backend"},
		{"publish without token", func(c *Config) {
			c.Publish = PublishConfig{Enabled: true, Owner: "o", Repo: "r"}
		}, "publish.token"},
		{"short reviewer token", func(c *Config) {
			c.Auth.Reviewers = []Reviewer{{Name: "alice", Token: "short"}}
		}, "at least 16"},
		{"duplicate reviewer token", func(c *Config) {
			c.Auth.Reviewers = []Reviewer{
				{Name: "alice", Token: "0123456789abcdef"},
				{Name: "bob", Token: "0123456789abcdef"},
			}
		}, "duplicate token"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "telemetry.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Knowledge.Backend = "x"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "knowledge.backend")
}

func TestSecretNeverRendered(t *testing.T) {
	s := Secret("ghp_supersecret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "supersecret")
	assert.Equal(t, "ghp_supersecret", s.Value())

	out, err := json.Marshal(PublishConfig{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "supersecret")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestSecretUnmarshal(t *testing.T) {
	var s Secret
	require.NoError(t, json.Unmarshal([]byte(`"abc"`), &s))
	assert.Equal(t, "abc", s.Value())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}
