// Package analyzer scores a plan for safety before human review.
//
// Analysis combines built-in rule checks, a gitleaks secret scan, prior art
// from the knowledge store and, when a model is configured, an LLM review.
// Rules, secrets and prior art never fail the analysis. A model failure does,
// with AnalysisUnavailable, and the caller records degraded feedback.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
	"github.com/fyrsmithlabs/fixplan/pkg/secrets"
)

// Input is the part of a plan the analyzer sees.
type Input struct {
	Title       string
	Description string
	Steps       []plan.Step
}

// InputFromPlan copies the analyzable fields of p.
func InputFromPlan(p *plan.Plan) Input {
	return Input{
		Title:       p.Title,
		Description: p.Description,
		Steps:       append([]plan.Step(nil), p.Steps...),
	}
}

// PriorArt finds knowledge entries similar to a query.
type PriorArt interface {
	Search(ctx context.Context, query string, k int) ([]knowledge.Match, error)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

func WithModel(m llms.Model) Option         { return func(a *Analyzer) { a.model = m } }
func WithScanner(s *secrets.Scanner) Option { return func(a *Analyzer) { a.scanner = s } }
func WithRules(rules ...Rule) Option        { return func(a *Analyzer) { a.rules = rules } }
func WithLimiter(l *rate.Limiter) Option    { return func(a *Analyzer) { a.limiter = l } }
func WithTimeout(d time.Duration) Option    { return func(a *Analyzer) { a.timeout = d } }
func WithRuleOptions(o RuleOptions) Option  { return func(a *Analyzer) { a.ruleOpts = o } }

// WithPriorArt cites up to k similar entries scoring at least minScore.
func WithPriorArt(p PriorArt, k int, minScore float32) Option {
	return func(a *Analyzer) { a.prior, a.priorK, a.minScore = p, k, minScore }
}

func WithLogger(l *logging.Logger) Option {
	return func(a *Analyzer) { a.logger = l.Named("analyzer") }
}

// Analyzer produces plan.Feedback. It holds no per-plan state and is safe for
// concurrent use.
type Analyzer struct {
	rules    []Rule
	ruleOpts RuleOptions
	scanner  *secrets.Scanner
	prior    PriorArt
	priorK   int
	minScore float32
	model    llms.Model
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *logging.Logger
}

// New builds an Analyzer with the default rules.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		rules:    DefaultRules(),
		ruleOpts: RuleOptions{LargeEditBytes: 64 << 10},
		minScore: 0.3,
		timeout:  time.Minute,
		logger:   logging.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// FromConfig wires the model, rate limit and thresholds from cfg.
func FromConfig(cfg config.AnalyzerConfig, opts ...Option) (*Analyzer, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithModel(model),
		WithTimeout(cfg.Timeout.Duration()),
		WithRuleOptions(RuleOptions{LargeEditBytes: cfg.LargeEditBytes}),
	}
	if cfg.RatePerMinute > 0 {
		base = append(base, WithLimiter(rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)))
	}
	return New(append(base, opts...)...), nil
}

// Analyze reviews in. The error, when non-nil, is AnalysisUnavailable and the
// returned feedback holds whatever the local checks found.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (fb plan.Feedback, err error) {
	const op = "analyzer.Analyze"
	start := time.Now()
	ctx, span := telemetry.Start(ctx, "analyzer", "Analyze", attribute.Int("steps", len(in.Steps)))
	defer func() {
		telemetry.End(span, err)
		metrics.Since(metrics.Get().AnalysisDuration.WithLabelValues(metrics.Outcome(err)), start)
	}()

	var c collector
	for i, s := range in.Steps {
		for _, r := range a.rules {
			c.add(r.Check(i+1, s, a.ruleOpts)...)
		}
	}
	c.add(planRules(in.Steps)...)
	c.add(a.scanSecrets(in)...)
	c.add(a.priorArt(ctx, in)...)

	if a.model != nil {
		llmFB, err := a.review(ctx, in)
		if err != nil {
			a.logger.Warn(ctx, "model review unavailable", zap.Error(err))
			return c.feedback(), plan.Wrap(plan.CodeAnalysisUnavailable, op, err)
		}
		c.addFeedback(llmFB)
	}

	fb = c.feedback()
	span.SetAttributes(attribute.Int("risks", len(fb.Risks)), attribute.Int("suggestions", len(fb.Suggestions)))
	a.logger.Debug(ctx, "analysis complete", zap.Int("risks", len(fb.Risks)), zap.Int("suggestions", len(fb.Suggestions)))
	return fb, nil
}

func (a *Analyzer) review(ctx context.Context, in Input) (plan.Feedback, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return plan.Feedback{}, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return a.askModel(ctx, in)
}

func (a *Analyzer) redact(s string) string {
	if a.scanner == nil {
		return s
	}
	return a.scanner.Redact(s).Content
}

func (a *Analyzer) scanSecrets(in Input) []Finding {
	if a.scanner == nil {
		return nil
	}
	var out []Finding
	for _, f := range a.scanner.Detect(in.Description) {
		out = append(out, Finding{RuleID: "secret", Risk: fmt.Sprintf("description contains a possible secret (%s)", f.RuleID)})
	}
	for i, s := range in.Steps {
		for _, f := range a.scanner.Detect(s.Text()) {
			out = append(out, Finding{
				RuleID:     "secret",
				Risk:       fmt.Sprintf("step %d: contains a possible secret (%s) on line %d", i+1, f.RuleID, f.Line),
				Suggestion: fmt.Sprintf("step %d: read the credential from the environment instead of embedding it", i+1),
			})
		}
	}
	return out
}

func (a *Analyzer) priorArt(ctx context.Context, in Input) []Finding {
	if a.prior == nil || a.priorK <= 0 {
		return nil
	}
	matches, err := a.prior.Search(ctx, in.Title+"\n"+in.Description, a.priorK)
	if err != nil {
		a.logger.Warn(ctx, "prior art lookup failed", zap.Error(err))
		return nil
	}
	var out []Finding
	for _, m := range matches {
		if m.Score < a.minScore {
			continue
		}
		out = append(out, Finding{
			RuleID:     "prior-art",
			Suggestion: fmt.Sprintf("similar fix succeeded before: %q (plan %s, similarity %.2f)", m.Title, m.PlanID, m.Score),
		})
	}
	return out
}

// collector keeps findings in order without duplicates.
type collector struct {
	risks, suggestions []string
	seen               map[string]bool
}

func (c *collector) put(list *[]string, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	if c.seen[s] {
		return
	}
	c.seen[s] = true
	*list = append(*list, s)
}

func (c *collector) add(fs ...Finding) {
	for _, f := range fs {
		c.put(&c.risks, f.Risk)
		c.put(&c.suggestions, f.Suggestion)
	}
}

func (c *collector) addFeedback(fb plan.Feedback) {
	for _, r := range fb.Risks {
		c.put(&c.risks, r)
	}
	for _, s := range fb.Suggestions {
		c.put(&c.suggestions, s)
	}
}

func (c *collector) feedback() plan.Feedback {
	return plan.Feedback{
		Risks:       append([]string{}, c.risks...),
		Suggestions: append([]string{}, c.suggestions...),
	}
}
