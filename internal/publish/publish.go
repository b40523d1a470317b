// Package publish opens a pull request for a plan branch that passed
// validation.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Publisher turns a pushed branch into a reviewable artifact and returns its
// URL.
type Publisher interface {
	Publish(ctx context.Context, p *plan.Plan, branch, base string) (string, error)
}

// NewClient builds an authenticated GitHub client. A BaseURL selects a
// GitHub Enterprise instance.
func NewClient(ctx context.Context, cfg config.PublishConfig) (*github.Client, error) {
	if !cfg.Token.IsSet() {
		return nil, errors.New("publish: GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		return client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
	}
	return client, nil
}

// GitHub opens pull requests with go-github.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	draft  bool
	retry  Backoff
	logger *logging.Logger
}

func NewGitHub(client *github.Client, owner, repo string, draft bool, logger *logging.Logger) *GitHub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GitHub{
		client: client,
		owner:  owner,
		repo:   repo,
		draft:  draft,
		retry:  DefaultBackoff(),
		logger: logger.Named("publish"),
	}
}

// Publish opens a pull request from branch into base. When one is already
// open for the branch (a redelivered plan) its URL is returned instead.
func (g *GitHub) Publish(ctx context.Context, p *plan.Plan, branch, base string) (string, error) {
	req := &github.NewPullRequest{
		Title: github.String("fixplan: " + p.Title),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(Body(p)),
		Draft: github.Bool(g.draft),
	}
	var pr *github.PullRequest
	resp, err := g.retry.Do(ctx, g.logger, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, req)
		return resp, err
	})
	if err == nil {
		g.logger.Info(ctx, "pull request opened", zap.String("url", pr.GetHTMLURL()))
		return pr.GetHTMLURL(), nil
	}
	if statusCode(resp) != http.StatusUnprocessableEntity {
		return "", fmt.Errorf("open pull request: %w", err)
	}

	existing, _, lerr := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		Head:  g.owner + ":" + branch,
		State: "open",
	})
	if lerr != nil {
		return "", fmt.Errorf("open pull request: %w (listing existing: %v)", err, lerr)
	}
	if len(existing) == 0 {
		return "", fmt.Errorf("open pull request: %w", err)
	}
	return existing[0].GetHTMLURL(), nil
}

// Body renders the pull request description.
func Body(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated remediation for plan `%s`.\n\n", p.ID)
	if d := strings.TrimSpace(p.Description); d != "" {
		b.WriteString(d)
		b.WriteString("\n\n")
	}
	b.WriteString("### Steps\n\n")
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. `%s`\n", i+1, s.Summary())
	}
	if p.ValidationSummary != "" {
		fmt.Fprintf(&b, "\n### Validation\n\n%s\n", p.ValidationSummary)
	}
	return b.String()
}

// Backoff retries GitHub calls that failed with a rate limit or a server
// error.
type Backoff struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{MaxRetries: 3, Initial: time.Second, Max: 30 * time.Second}
}

// Do runs op until it succeeds, fails permanently or runs out of retries.
func (b Backoff) Do(ctx context.Context, logger *logging.Logger, op func() (*github.Response, error)) (*github.Response, error) {
	wait := b.Initial
	for attempt := 0; ; attempt++ {
		resp, err := op()
		if err == nil || !retryable(resp) || attempt >= b.MaxRetries {
			return resp, err
		}
		logger.Info(ctx, "retrying GitHub call", zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode(resp)), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > b.Max {
			wait = b.Max
		}
	}
}

func retryable(resp *github.Response) bool {
	switch statusCode(resp) {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
