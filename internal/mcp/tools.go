package mcp

import (
	"context"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

var timeNow = time.Now

const (
	defaultPending = 20
	defaultMatches = 5
	maxMatches     = 50
)

type stepInput struct {
	Kind       string   `json:"kind" jsonschema:"file_edit or shell_command"`
	Path       string   `json:"path,omitempty" jsonschema:"file_edit: repository-relative path"`
	Content    string   `json:"content,omitempty" jsonschema:"file_edit: full new file content"`
	Diff       string   `json:"diff,omitempty" jsonschema:"file_edit: unified diff to apply instead of content"`
	Argv       []string `json:"argv,omitempty" jsonschema:"shell_command: program and arguments"`
	WorkingDir string   `json:"working_dir,omitempty" jsonschema:"shell_command: repository-relative directory"`
}

type submitInput struct {
	Title       string      `json:"title" jsonschema:"short summary of the fix"`
	Description string      `json:"description" jsonschema:"the failure being remediated"`
	Steps       []stepInput `json:"steps" jsonschema:"ordered remediation steps"`
	Priority    string      `json:"priority,omitempty" jsonschema:"low, normal, high or critical"`
	Author      string      `json:"author,omitempty" jsonschema:"who proposes the plan"`
	Supersedes  string      `json:"supersedes,omitempty" jsonschema:"id of a finished plan this one replaces"`
	Draft       bool        `json:"draft,omitempty" jsonschema:"keep the plan editable instead of sending it to review"`
}

func (in submitInput) submission() *plan.Submission {
	sub := &plan.Submission{
		Title:       in.Title,
		Description: in.Description,
		Priority:    plan.Priority(strings.ToLower(in.Priority)),
		Author:      in.Author,
		Supersedes:  in.Supersedes,
	}
	for _, st := range in.Steps {
		sub.Steps = append(sub.Steps, plan.Step{
			Kind:       plan.StepKind(st.Kind),
			Path:       st.Path,
			Content:    st.Content,
			Diff:       st.Diff,
			Argv:       st.Argv,
			WorkingDir: st.WorkingDir,
		})
	}
	return sub
}

type idInput struct {
	ID string `json:"id" jsonschema:"plan id"`
}

type pendingInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum plans to return (default 20)"`
}

type searchInput struct {
	Query string `json:"query" jsonschema:"symptom or remediation to look for"`
	K     int    `json:"k,omitempty" jsonschema:"number of matches (default 5)"`
}

type feedbackView struct {
	Risks       []string `json:"risks"`
	Suggestions []string `json:"suggestions"`
}

// planView flattens a plan for tool output. Timestamps are RFC 3339 and
// slices are never null.
type planView struct {
	ID                string       `json:"id"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	Status            string       `json:"status"`
	Priority          string       `json:"priority"`
	Author            string       `json:"author"`
	Steps             []string     `json:"steps"`
	Reviewed          bool         `json:"reviewed"`
	Feedback          feedbackView `json:"ai_feedback"`
	ExecutionLog      []string     `json:"execution_log"`
	Retries           int          `json:"retries"`
	Artifact          string       `json:"artifact"`
	FailureReason     string       `json:"failure_reason"`
	ValidationSummary string       `json:"validation_summary"`
	CancelRequested   bool         `json:"cancel_requested"`
	CreatedAt         string       `json:"created_at"`
	UpdatedAt         string       `json:"updated_at"`
}

func viewOf(p *plan.Plan) planView {
	v := planView{
		ID:                p.ID,
		Title:             p.Title,
		Description:       p.Description,
		Status:            string(p.Status),
		Priority:          string(p.Priority),
		Author:            p.Author,
		Steps:             make([]string, 0, len(p.Steps)),
		Feedback:          feedbackView{Risks: []string{}, Suggestions: []string{}},
		ExecutionLog:      append([]string{}, p.ExecutionLog...),
		Retries:           p.Retries,
		Artifact:          p.Artifact,
		FailureReason:     string(p.FailureReason),
		ValidationSummary: p.ValidationSummary,
		CancelRequested:   p.CancelRequested,
		CreatedAt:         p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, st := range p.Steps {
		v.Steps = append(v.Steps, st.Summary())
	}
	if p.Feedback != nil {
		v.Reviewed = true
		v.Feedback.Risks = append(v.Feedback.Risks, p.Feedback.Risks...)
		v.Feedback.Suggestions = append(v.Feedback.Suggestions, p.Feedback.Suggestions...)
	}
	return v
}

type submitOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type pendingOutput struct {
	Plans []planView `json:"plans"`
}

type matchView struct {
	ID           string   `json:"id"`
	SourcePlanID string   `json:"source_plan_id"`
	Title        string   `json:"title"`
	Text         string   `json:"generalized_text"`
	Keywords     []string `json:"keywords"`
	Specificity  float64  `json:"specificity"`
	Score        float64  `json:"score"`
}

type searchOutput struct {
	Matches []matchView `json:"matches"`
}

func matchOf(m knowledge.Match) matchView {
	return matchView{
		ID:           m.ID,
		SourcePlanID: m.PlanID,
		Title:        m.Title,
		Text:         m.Text,
		Keywords:     append([]string{}, m.Keywords...),
		Specificity:  m.Specificity,
		Score:        float64(m.Score),
	}
}

func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name: "submit_plan",
		Description: "Submit a remediation plan for risk analysis and human review. " +
			"Steps are file_edit (path plus content or diff) or shell_command (argv). " +
			"Returns the new plan id; poll get_plan for its status.",
	}, s.submitPlan)

	addTool(s, &mcp.Tool{
		Name:        "get_plan",
		Description: "Fetch a plan's status, AI review feedback and execution log.",
	}, s.getPlan)

	addTool(s, &mcp.Tool{
		Name:        "list_pending_reviews",
		Description: "List plans waiting for a human review decision, oldest first.",
	}, s.listPending)

	addTool(s, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search remediations distilled from past successful plans. Use it before drafting a plan for a familiar failure.",
	}, s.searchKnowledge)
}

func (s *Server) submitPlan(ctx context.Context, in submitInput) (submitOutput, error) {
	p, err := s.svc.Submit(ctx, in.submission(), s.cfg.Author, engine.SubmitOptions{Draft: in.Draft, Source: "mcp"})
	if err != nil {
		return submitOutput{}, err
	}
	return submitOutput{ID: p.ID, Status: string(p.Status)}, nil
}

func (s *Server) getPlan(ctx context.Context, in idInput) (planView, error) {
	if strings.TrimSpace(in.ID) == "" {
		return planView{}, plan.Errorf(plan.CodeValidation, "get_plan", "id is required")
	}
	p, err := s.svc.Get(ctx, in.ID)
	if err != nil {
		return planView{}, err
	}
	return viewOf(p), nil
}

func (s *Server) listPending(ctx context.Context, in pendingInput) (pendingOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultPending
	}
	plans, err := s.svc.Pending(ctx, limit)
	if err != nil {
		return pendingOutput{}, err
	}
	out := pendingOutput{Plans: make([]planView, 0, len(plans))}
	for _, p := range plans {
		out.Plans = append(out.Plans, viewOf(p))
	}
	return out, nil
}

func (s *Server) searchKnowledge(ctx context.Context, in searchInput) (searchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return searchOutput{}, plan.Errorf(plan.CodeValidation, "search_knowledge", "query is required")
	}
	k := in.K
	if k <= 0 {
		k = defaultMatches
	}
	matches, err := s.svc.Search(ctx, in.Query, min(k, maxMatches))
	if err != nil {
		return searchOutput{}, err
	}
	out := searchOutput{Matches: make([]matchView, 0, len(matches))}
	for _, m := range matches {
		out.Matches = append(out.Matches, matchOf(m))
	}
	return out, nil
}
