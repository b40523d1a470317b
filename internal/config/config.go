// Package config loads fixpland's configuration: a YAML file overlaid with
// FIXPLAN_ environment variables, then defaulted and validated.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Store      StoreConfig      `koanf:"store"`
	Queue      QueueConfig      `koanf:"queue"`
	Workers    WorkersConfig    `koanf:"workers"`
	Sandbox    SandboxConfig    `koanf:"sandbox"`
	Validation ValidationConfig `koanf:"validation"`
	Analyzer   AnalyzerConfig   `koanf:"analyzer"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Notify     NotifyConfig     `koanf:"notify"`
	Publish    PublishConfig    `koanf:"publish"`
	Inbox      InboxConfig      `koanf:"inbox"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds the HTTP API listener settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Reviewer maps a bearer token to a reviewer identity.
type Reviewer struct {
	Name  string `koanf:"name"`
	Token Secret `koanf:"token"`
}

type AuthConfig struct {
	Reviewers []Reviewer `koanf:"reviewers"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

// QueueConfig configures the JetStream execution queue. With Embedded set
// the daemon starts its own nats-server and URL is ignored.
type QueueConfig struct {
	URL             string   `koanf:"url"`
	Embedded        bool     `koanf:"embedded"`
	StoreDir        string   `koanf:"store_dir"`
	Stream          string   `koanf:"stream"`
	SubjectPrefix   string   `koanf:"subject_prefix"`
	AckWait         Duration `koanf:"ack_wait"`
	DuplicateWindow Duration `koanf:"duplicate_window"`
	FetchWait       Duration `koanf:"fetch_wait"`
	DispatchBatch   int      `koanf:"dispatch_batch"`
}

type WorkersConfig struct {
	Count      int      `koanf:"count"`
	LeaseTTL   Duration `koanf:"lease_ttl"`
	MaxRetries int      `koanf:"max_retries"`
	IDPrefix   string   `koanf:"id_prefix"`
}

// SandboxConfig configures workspaces and the repository plans run against.
type SandboxConfig struct {
	Root         string   `koanf:"root"`
	Repo         string   `koanf:"repo"`
	Mainline     string   `koanf:"mainline"`
	BranchPrefix string   `koanf:"branch_prefix"`
	StepTimeout  Duration `koanf:"step_timeout"`
	Env          []string `koanf:"env"`
	AuthorName   string   `koanf:"author_name"`
	AuthorEmail  string   `koanf:"author_email"`
	Token        Secret   `koanf:"token"`
	MaxLineBytes int      `koanf:"max_line_bytes"`
}

type ValidationConfig struct {
	Command    []string `koanf:"command"`
	Format     string   `koanf:"format"`
	ReportPath string   `koanf:"report_path"`
	Timeout    Duration `koanf:"timeout"`
	// AllowEmpty accepts a test run that executed no test case.
	AllowEmpty bool `koanf:"allow_empty"`
}

// AnalyzerConfig selects the LLM reviewer. An empty Provider disables the
// model and leaves rule checks, secret scanning and prior art.
type AnalyzerConfig struct {
	Provider       string   `koanf:"provider"`
	Model          string   `koanf:"model"`
	BaseURL        string   `koanf:"base_url"`
	APIKey         Secret   `koanf:"api_key"`
	Timeout        Duration `koanf:"timeout"`
	RatePerMinute  int      `koanf:"rate_per_minute"`
	LargeEditBytes int      `koanf:"large_edit_bytes"`
	PriorArt       int      `koanf:"prior_art"`
}

type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

type KnowledgeConfig struct {
	Backend    string       `koanf:"backend"`
	Path       string       `koanf:"path"`
	Collection string       `koanf:"collection"`
	VectorSize int          `koanf:"vector_size"`
	Compress   bool         `koanf:"compress"`
	LogTail    int          `koanf:"log_tail"`
	Qdrant     QdrantConfig `koanf:"qdrant"`
}

type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

type NotifyConfig struct {
	Enabled       bool     `koanf:"enabled"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Timeout       Duration `koanf:"timeout"`
}

// PublishConfig enables opening a pull request for each succeeded plan.
type PublishConfig struct {
	Enabled bool   `koanf:"enabled"`
	Owner   string `koanf:"owner"`
	Repo    string `koanf:"repo"`
	BaseURL string `koanf:"base_url"`
	Token   Secret `koanf:"token"`
	Draft   bool   `koanf:"draft"`
}

type InboxConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
	Author  string `koanf:"author"`
}

// SchedulerConfig holds cron specs ("@every 30s" or a cron expression).
type SchedulerConfig struct {
	Outbox          string   `koanf:"outbox"`
	Leases          string   `koanf:"leases"`
	Distillation    string   `koanf:"distillation"`
	StaleAnalysis   string   `koanf:"stale_analysis"`
	StaleAfter      Duration `koanf:"stale_after"`
	SweepBatch      int      `koanf:"sweep_batch"`
	ChainCheck      string   `koanf:"chain_check"`
	ChainCheckBatch int      `koanf:"chain_check_batch"`
}

// SecretsConfig controls gitleaks redaction ahead of the model and the
// knowledge store. Allowlist names a TOML file of exempt patterns.
type SecretsConfig struct {
	Disabled  bool   `koanf:"disabled"`
	Allowlist string `koanf:"allowlist"`
}

// LoggingConfig is translated into a logging.Config by the logging package.
type LoggingConfig struct {
	Level           string   `koanf:"level"`
	Format          string   `koanf:"format"`
	OTEL            bool     `koanf:"otel"`
	DisableSampling bool     `koanf:"disable_sampling"`
	RedactFields    []string `koanf:"redact_fields"`
}

// TelemetryConfig is translated into a telemetry.Config by the telemetry
// package.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	TLSSkipVerify  bool     `koanf:"tls_skip_verify"`
	ServiceName    string   `koanf:"service_name"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	def := func(d *Duration, v time.Duration) {
		if *d == 0 {
			*d = Duration(v)
		}
	}
	str := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	num := func(n *int, v int) {
		if *n == 0 {
			*n = v
		}
	}

	str(&cfg.Server.Host, "127.0.0.1")
	num(&cfg.Server.Port, 8420)
	def(&cfg.Server.ShutdownTimeout, 10*time.Second)
	str(&cfg.Server.BodyLimit, "4M")

	str(&cfg.Store.Path, "fixplan.db")

	str(&cfg.Queue.URL, "nats://127.0.0.1:4222")
	str(&cfg.Queue.StoreDir, "jetstream")
	str(&cfg.Queue.Stream, "FIXPLAN_EXEC")
	str(&cfg.Queue.SubjectPrefix, "fixplan.exec")
	def(&cfg.Queue.AckWait, time.Minute)
	def(&cfg.Queue.DuplicateWindow, 10*time.Minute)
	def(&cfg.Queue.FetchWait, 2*time.Second)
	num(&cfg.Queue.DispatchBatch, 100)

	num(&cfg.Workers.Count, 2)
	def(&cfg.Workers.LeaseTTL, time.Minute)
	num(&cfg.Workers.MaxRetries, 3)
	str(&cfg.Workers.IDPrefix, "worker")

	str(&cfg.Sandbox.Root, "sandboxes")
	str(&cfg.Sandbox.Mainline, "main")
	str(&cfg.Sandbox.BranchPrefix, "fixplan/")
	def(&cfg.Sandbox.StepTimeout, 5*time.Minute)
	str(&cfg.Sandbox.AuthorName, "fixplan")
	str(&cfg.Sandbox.AuthorEmail, "fixplan@localhost")
	num(&cfg.Sandbox.MaxLineBytes, 4096)

	if len(cfg.Validation.Command) == 0 {
		cfg.Validation.Command = []string{"go", "test", "-json", "./..."}
	}
	str(&cfg.Validation.Format, "go-test-json")
	def(&cfg.Validation.Timeout, 15*time.Minute)

	def(&cfg.Analyzer.Timeout, time.Minute)
	num(&cfg.Analyzer.RatePerMinute, 30)
	num(&cfg.Analyzer.LargeEditBytes, 64*1024)
	num(&cfg.Analyzer.PriorArt, 3)

	str(&cfg.Embeddings.BaseURL, "http://localhost:8080")
	str(&cfg.Embeddings.Model, "BAAI/bge-small-en-v1.5")

	str(&cfg.Knowledge.Backend, "chromem")
	str(&cfg.Knowledge.Path, "knowledge")
	str(&cfg.Knowledge.Collection, "fixplan_knowledge")
	num(&cfg.Knowledge.VectorSize, 384)
	num(&cfg.Knowledge.LogTail, 20)
	str(&cfg.Knowledge.Qdrant.Host, "localhost")
	num(&cfg.Knowledge.Qdrant.Port, 6334)

	str(&cfg.Notify.SubjectPrefix, "fixplan.events")
	def(&cfg.Notify.Timeout, 5*time.Second)

	str(&cfg.Inbox.Dir, "inbox")
	str(&cfg.Inbox.Author, "inbox")

	str(&cfg.Scheduler.Outbox, "@every 5s")
	str(&cfg.Scheduler.Leases, "@every 15s")
	str(&cfg.Scheduler.Distillation, "@every 1m")
	str(&cfg.Scheduler.StaleAnalysis, "@every 1m")
	def(&cfg.Scheduler.StaleAfter, 5*time.Minute)
	num(&cfg.Scheduler.SweepBatch, 50)
	str(&cfg.Scheduler.ChainCheck, "@every 1h")
	num(&cfg.Scheduler.ChainCheckBatch, 200)

	str(&cfg.Logging.Level, "info")
	str(&cfg.Logging.Format, "json")

	str(&cfg.Telemetry.Endpoint, "localhost:4317")
	str(&cfg.Telemetry.Protocol, "grpc")
	str(&cfg.Telemetry.ServiceName, "fixpland")
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1
	}
	def(&cfg.Telemetry.ExportInterval, 15*time.Second)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	seen := map[string]bool{}
	for i, r := range c.Auth.Reviewers {
		if strings.TrimSpace(r.Name) == "" {
			bad("auth.reviewers[%d]: name required", i)
		}
		if len(r.Token.Value()) < 16 {
			bad("auth.reviewers[%d]: token must be at least 16 characters", i)
		}
		if seen[r.Token.Value()] {
			bad("auth.reviewers[%d]: duplicate token", i)
		}
		seen[r.Token.Value()] = true
	}
	if c.Store.Path == "" {
		bad("store.path required")
	}
	if !c.Queue.Embedded && c.Queue.URL == "" {
		bad("queue.url required unless queue.embedded")
	}
	if c.Workers.Count < 1 {
		bad("workers.count must be positive")
	}
	if c.Workers.LeaseTTL.Duration() < time.Second {
		bad("workers.lease_ttl must be at least 1s")
	}
	if c.Workers.MaxRetries < 0 {
		bad("workers.max_retries must not be negative")
	}
	if c.Queue.AckWait.Duration() < c.Workers.LeaseTTL.Duration() {
		bad("queue.ack_wait must be at least workers.lease_ttl")
	}
	if c.Sandbox.Repo == "" {
		bad("sandbox.repo required")
	}
	if c.Sandbox.StepTimeout <= 0 {
		bad("sandbox.step_timeout must be positive")
	}
	switch c.Validation.Format {
	case "go-test-json":
	case "junit":
		if c.Validation.ReportPath == "" {
			bad("validation.report_path required for junit")
		}
	default:
		bad("validation.format %q must be go-test-json or junit", c.Validation.Format)
	}
	if len(c.Validation.Command) == 0 {
		bad("validation.command required")
	}
	switch c.Analyzer.Provider {
	case "", "openai", "anthropic", "ollama":
	default:
		bad("analyzer.provider %q must be openai, anthropic or ollama", c.Analyzer.Provider)
	}
	if c.Analyzer.Provider != "" && c.Analyzer.Model == "" {
		bad("analyzer.model required when a provider is set")
	}
	switch c.Knowledge.Backend {
	case "chromem", "qdrant":
	default:
		bad("knowledge.backend %q must be chromem or qdrant", c.Knowledge.Backend)
	}
	if c.Knowledge.VectorSize <= 0 {
		bad("knowledge.vector_size must be positive")
	}
	if c.Publish.Enabled {
		if c.Publish.Owner == "" || c.Publish.Repo == "" {
			bad("publish.owner and publish.repo required when publishing")
		}
		if !c.Publish.Token.IsSet() {
			bad("publish.token required when publishing")
		}
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		bad("inbox.dir required when the inbox is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		bad("telemetry.sample_rate must be within [0, 1]")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http/protobuf":
	default:
		bad("telemetry.protocol %q must be grpc or http/protobuf", c.Telemetry.Protocol)
	}
	return errors.Join(errs...)
}
