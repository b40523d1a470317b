package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

const systemPrompt = `You review remediation plans before they run against a production repository.
Reply with a single JSON object and nothing else:
{"risks": ["..."], "suggestions": ["..."]}
Each risk names a concrete way the plan could cause harm. Each suggestion is an actionable improvement.
Refer to steps by their number. Use empty arrays when there is nothing to report.`

// NewModel builds the chat model named by cfg.Provider. It returns nil
// without error when no provider is configured.
func NewModel(cfg config.AnalyzerConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey.IsSet() {
			opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		return anthropic.New(anthropic.WithModel(cfg.Model), anthropic.WithToken(cfg.APIKey.Value()))
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	}
	return nil, fmt.Errorf("unknown analyzer provider %q", cfg.Provider)
}

// prompt renders the plan for the model. Step text passes through redact
// first so secrets never leave the process.
func prompt(in Input, redact func(string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n\nProblem:\n%s\n\nSteps:\n", redact(in.Title), redact(in.Description))
	for i, s := range in.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, redact(s.Summary()))
		switch {
		case s.Kind == plan.StepFileEdit && s.IsPatch():
			fmt.Fprintf(&b, "```diff\n%s\n```\n", redact(truncate(s.Diff, 4000)))
		case s.Kind == plan.StepFileEdit:
			fmt.Fprintf(&b, "```\n%s\n```\n", redact(truncate(s.Content, 4000)))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func (a *Analyzer) askModel(ctx context.Context, in Input) (plan.Feedback, error) {
	msgs := []llms.MessageContent{
		{Role: schema.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(systemPrompt)}},
		{Role: schema.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(prompt(in, a.redact))}},
	}
	resp, err := a.model.GenerateContent(ctx, msgs, llms.WithTemperature(0), llms.WithMaxTokens(1024))
	if err != nil {
		return plan.Feedback{}, fmt.Errorf("generating review: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return plan.Feedback{}, errors.New("model returned no choices")
	}
	return parseFeedback(resp.Choices[0].Content)
}

// parseFeedback accepts the JSON object anywhere in the reply, tolerating
// code fences and surrounding prose.
func parseFeedback(reply string) (plan.Feedback, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return plan.Feedback{}, fmt.Errorf("model reply has no JSON object: %q", truncate(reply, 200))
	}
	var fb plan.Feedback
	if err := json.Unmarshal([]byte(reply[start:end+1]), &fb); err != nil {
		return plan.Feedback{}, fmt.Errorf("decoding model reply: %w", err)
	}
	return fb, nil
}
