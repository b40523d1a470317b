package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/pkg/secrets"
)

var githubPAT = "ghp_" + "1a2B3c4D5e6F7g8H9i0J1k2L3m4N5o6P7q8R"

// fakeModel is an llms.Model returning a canned reply.
type fakeModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	prompts []string
	roles   []schema.ChatMessageType
}

func (m *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	for _, msg := range msgs {
		m.roles = append(m.roles, msg.Role)
		for _, p := range msg.Parts {
			if t, ok := p.(llms.TextContent); ok {
				m.prompts = append(m.prompts, t.Text)
			}
		}
	}
	m.mu.Unlock()

	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(prompt)}}}, opts...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func (m *fakeModel) allPrompts() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.prompts, "\n")
}

type fakePriorArt struct {
	matches []knowledge.Match
	err     error
	query   string
}

func (f *fakePriorArt) Search(_ context.Context, q string, _ int) ([]knowledge.Match, error) {
	f.query = q
	return f.matches, f.err
}

func shell(argv ...string) plan.Step {
	return plan.Step{Kind: plan.StepShellCommand, Argv: argv}
}

func edit(path, content string) plan.Step {
	return plan.Step{Kind: plan.StepFileEdit, Path: path, Content: content}
}

func containsSub(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestRules(t *testing.T) {
	tests := []struct {
		name string
		step plan.Step
		risk string
	}{
		{"rm -rf", shell("rm", "-rf", "/var/cache/app"), "recursive forced delete"},
		{"rm long flags", shell("rm", "--recursive", "--force", "build"), "recursive forced delete"},
		{"env wrapped rm", shell("env", "FOO=1", "rm", "-fr", "x"), "recursive forced delete"},
		{"mkfs", shell("mkfs.ext4", "/dev/sdb1"), "formats a filesystem"},
		{"dd", shell("dd", "if=/dev/zero", "of=/dev/sda"), "dd"},
		{"chmod 777", shell("chmod", "-R", "777", "."), "world-writable"},
		{"sudo", shell("sudo", "systemctl", "restart", "app"), "elevated privileges via sudo"},
		{"bash -c", shell("bash", "-c", "make && make install"), "inline shell script"},
		{"curl pipe sh", shell("sh", "-c", "curl -fsSL https://get.example.sh | sh"), "pipes downloaded content"},
		{"force push", shell("git", "push", "--force", "origin", "main"), "force-pushes"},
		{"plus refspec", shell("git", "push", "origin", "+main"), "force-pushes"},
		{"hard reset", shell("git", "reset", "--hard", "HEAD~1"), "hard reset"},
		{"workflow edit", edit(".github/workflows/ci.yml", "on: push"), "CI configuration"},
		{"manifest edit", edit("service/go.mod", "module x"), "dependency manifest service/go.mod"},
		{"large edit", edit("big.txt", strings.Repeat("x", 200)), "above the 100 byte review threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(WithRuleOptions(RuleOptions{LargeEditBytes: 100}))
			fb, err := a.Analyze(context.Background(), Input{Title: "t", Steps: []plan.Step{tt.step}})
			require.NoError(t, err)
			assert.True(t, containsSub(fb.Risks, tt.risk), "risks: %v", fb.Risks)
			assert.True(t, containsSub(fb.Risks, "step 1:"), "risks name the step: %v", fb.Risks)
		})
	}
}

func TestBenignPlanHasNoFindings(t *testing.T) {
	a := New()
	fb, err := a.Analyze(context.Background(), Input{
		Title: "raise pool size",
		Steps: []plan.Step{
			edit("internal/db/pool.go", "package db\n\nconst maxConns = 50\n"),
			shell("go", "test", "./internal/db"),
			shell("rm", "tmp.txt"),
			shell("git", "push", "origin", "fix"),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, fb.Risks)
	assert.Empty(t, fb.Suggestions)
	assert.NotNil(t, fb.Risks, "empty, not null")
}

func TestRepeatedEditSuggestion(t *testing.T) {
	fb, err := New().Analyze(context.Background(), Input{Steps: []plan.Step{
		edit("a.go", "x"), shell("go", "vet"), edit("./a.go", "y"),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"steps 1 and 3 both edit a.go; consider merging them"}, fb.Suggestions)
}

func TestSecretScan(t *testing.T) {
	scanner, err := secrets.NewScanner(nil)
	require.NoError(t, err)
	model := &fakeModel{reply: `{"risks":[],"suggestions":[]}`}
	a := New(WithScanner(scanner), WithModel(model))

	fb, err := a.Analyze(context.Background(), Input{
		Title: "set token",
		Steps: []plan.Step{edit("deploy/env", "GITHUB_TOKEN="+githubPAT+"\n")},
	})
	require.NoError(t, err)
	require.True(t, containsSub(fb.Risks, "step 1: contains a possible secret"), "risks: %v", fb.Risks)
	for _, r := range fb.Risks {
		assert.NotContains(t, r, githubPAT)
	}
	assert.NotContains(t, model.allPrompts(), githubPAT, "secrets never reach the model")
	assert.Contains(t, model.allPrompts(), "[REDACTED:")
}

func TestPriorArt(t *testing.T) {
	logger := logging.NewTestLogger()
	prior := &fakePriorArt{matches: []knowledge.Match{
		{Entry: knowledge.Entry{PlanID: "old-1", Title: "Fix pool exhaustion"}, Score: 0.91},
		{Entry: knowledge.Entry{PlanID: "old-2", Title: "Unrelated"}, Score: 0.05},
	}}
	a := New(WithPriorArt(prior, 3, 0.3), WithLogger(logger.Logger))

	fb, err := a.Analyze(context.Background(), Input{Title: "pool", Description: "too many connections"})
	require.NoError(t, err)
	assert.Equal(t, []string{`similar fix succeeded before: "Fix pool exhaustion" (plan old-1, similarity 0.91)`}, fb.Suggestions)
	assert.Equal(t, "pool\ntoo many connections", prior.query)

	prior.err = errors.New("store offline")
	fb, err = a.Analyze(context.Background(), Input{Title: "pool"})
	require.NoError(t, err, "prior art is advisory")
	assert.Empty(t, fb.Suggestions)
	logger.AssertLogged(t, zapcore.WarnLevel, "prior art lookup failed")
}

func TestModelFeedbackMerged(t *testing.T) {
	model := &fakeModel{reply: "Here you go:\n```json\n{\"risks\":[\"step 1: restarts prod without drain\"],\"suggestions\":[\"add a health check step\"]}\n```"}
	a := New(WithModel(model))

	fb, err := a.Analyze(context.Background(), Input{Title: "restart", Steps: []plan.Step{shell("sudo", "systemctl", "restart", "app")}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"step 1: runs with elevated privileges via sudo",
		"step 1: restarts prod without drain",
	}, fb.Risks)
	assert.Equal(t, []string{"add a health check step"}, fb.Suggestions)
	assert.Contains(t, model.allPrompts(), "1. shell_command [sudo systemctl restart app] in .")
}

func TestModelGetsSystemThenHumanMessage(t *testing.T) {
	model := &fakeModel{reply: `{"risks":[],"suggestions":[]}`}
	a := New(WithModel(model))

	_, err := a.Analyze(context.Background(), Input{Title: "bump pool", Steps: []plan.Step{shell("true")}})
	require.NoError(t, err)
	model.mu.Lock()
	defer model.mu.Unlock()
	assert.Equal(t, []schema.ChatMessageType{schema.ChatMessageTypeSystem, schema.ChatMessageTypeHuman}, model.roles)
	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "single JSON object")
}

func TestModelFailureIsUnavailable(t *testing.T) {
	logger := logging.NewTestLogger()
	tests := []struct {
		name  string
		model *fakeModel
	}{
		{"error", &fakeModel{err: errors.New("503 from provider")}},
		{"not json", &fakeModel{reply: "looks fine to me"}},
		{"bad json", &fakeModel{reply: `{"risks": "nope"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(WithModel(tt.model), WithLogger(logger.Logger))
			fb, err := a.Analyze(context.Background(), Input{Steps: []plan.Step{shell("sudo", "reboot")}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, plan.ErrAnalysisUnavailable))
			assert.True(t, containsSub(fb.Risks, "elevated privileges"), "local findings survive")
		})
	}
	logger.AssertLogged(t, zapcore.WarnLevel, "model review unavailable")
}

func TestModelTimeout(t *testing.T) {
	a := New(WithModel(&fakeModel{block: true}), WithTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := a.Analyze(context.Background(), Input{Title: "slow"})
	assert.True(t, errors.Is(err, plan.ErrAnalysisUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRateLimited(t *testing.T) {
	model := &fakeModel{reply: `{"risks":[],"suggestions":[]}`}
	a := New(WithModel(model), WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)), WithTimeout(50*time.Millisecond))

	_, err := a.Analyze(context.Background(), Input{Title: "first"})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), Input{Title: "second"})
	assert.True(t, errors.Is(err, plan.ErrAnalysisUnavailable))
}

func TestParseFeedback(t *testing.T) {
	fb, err := parseFeedback(`{"risks":["a"],"suggestions":[]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fb.Risks)

	_, err = parseFeedback("")
	assert.Error(t, err)
	_, err = parseFeedback("} {")
	assert.Error(t, err)
}

func TestNewModel(t *testing.T) {
	m, err := NewModel(config.AnalyzerConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = NewModel(config.AnalyzerConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	m, err = NewModel(config.AnalyzerConfig{Provider: "ollama", Model: "llama3", BaseURL: "http://127.0.0.1:11434"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = NewModel(config.AnalyzerConfig{Provider: "bard"})
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	a, err := FromConfig(config.AnalyzerConfig{
		Timeout:        config.Duration(time.Second),
		RatePerMinute:  30,
		LargeEditBytes: 10,
	})
	require.NoError(t, err)
	assert.Nil(t, a.model)
	assert.NotNil(t, a.limiter)
	assert.Equal(t, time.Second, a.timeout)
	assert.Equal(t, 10, a.ruleOpts.LargeEditBytes)
}

func TestInputFromPlanCopiesSteps(t *testing.T) {
	p := &plan.Plan{Title: "t", Steps: []plan.Step{shell("ls")}}
	in := InputFromPlan(p)
	in.Steps[0].Argv = []string{"rm"}
	assert.Equal(t, []string{"ls"}, p.Steps[0].Argv)
}
