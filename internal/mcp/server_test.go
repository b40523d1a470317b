package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

type fakeService struct {
	plans   map[string]*plan.Plan
	actor   string
	opts    engine.SubmitOptions
	limit   int
	k       int
	matches []knowledge.Match
}

func newFakeService() *fakeService {
	return &fakeService{plans: map[string]*plan.Plan{}}
}

func (f *fakeService) Submit(_ context.Context, sub *plan.Submission, actor string, opts engine.SubmitOptions) (*plan.Plan, error) {
	if !opts.Draft {
		if err := sub.Validate(); err != nil {
			return nil, err
		}
	}
	f.actor, f.opts = actor, opts
	status := plan.StatusPendingAIReview
	if opts.Draft {
		status = plan.StatusDraft
	}
	p := &plan.Plan{ID: "p1", Title: sub.Title, Steps: sub.Steps, Status: status, Priority: sub.Priority, Author: sub.Author}
	f.plans[p.ID] = p
	return p, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*plan.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, plan.Errorf(plan.CodeNotFound, "get", "plan %s not found", id)
	}
	return p, nil
}

func (f *fakeService) Pending(_ context.Context, limit int) ([]*plan.Plan, error) {
	f.limit = limit
	var out []*plan.Plan
	for _, p := range f.plans {
		if p.Status == plan.StatusPendingHumanReview {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeService) Search(_ context.Context, _ string, k int) ([]knowledge.Match, error) {
	f.k = k
	return f.matches, nil
}

func connect(t *testing.T, svc Service, logger *logging.Logger) *mcp.ClientSession {
	t.Helper()
	s, err := NewServer(Config{Version: "test"}, svc, logger)
	require.NoError(t, err)

	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, tool string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func errorText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil)
	require.Error(t, err)
}

func TestToolsAreListed(t *testing.T) {
	cs := connect(t, newFakeService(), nil)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description, tool.Name)
	}
	assert.ElementsMatch(t, []string{"submit_plan", "get_plan", "list_pending_reviews", "search_knowledge"}, names)
}

func TestSubmitAndGetPlan(t *testing.T) {
	svc := newFakeService()
	cs := connect(t, svc, nil)

	var sub submitOutput
	res := call(t, cs, "submit_plan", map[string]any{
		"title":       "Raise pool size",
		"description": "pool exhausted under load",
		"priority":    "HIGH",
		"steps": []map[string]any{
			{"kind": "file_edit", "path": "app/config.yaml", "content": "pool: 50\n"},
			{"kind": "shell_command", "argv": []string{"make", "check"}},
		},
	}, &sub)
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, "p1", sub.ID)
	assert.Equal(t, string(plan.StatusPendingAIReview), sub.Status)
	assert.Equal(t, "mcp", svc.actor)
	assert.Equal(t, "mcp", svc.opts.Source)
	assert.Equal(t, plan.PriorityHigh, svc.plans["p1"].Priority)

	svc.plans["p1"].Feedback = &plan.Feedback{Risks: []string{"restarts the pool"}}
	svc.plans["p1"].ExecutionLog = []string{"claimed by w1 (attempt 1)"}
	svc.plans["p1"].CreatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var got planView
	res = call(t, cs, "get_plan", map[string]any{"id": "p1"}, &got)
	require.False(t, res.IsError, errorText(res))
	assert.True(t, got.Reviewed)
	assert.Equal(t, []string{"restarts the pool"}, got.Feedback.Risks)
	assert.Empty(t, got.Feedback.Suggestions)
	assert.Equal(t, []string{"claimed by w1 (attempt 1)"}, got.ExecutionLog)
	assert.Equal(t, "2026-03-01T12:00:00Z", got.CreatedAt)
	require.Len(t, got.Steps, 2)
	assert.Contains(t, got.Steps[0], "app/config.yaml")
}

func TestSubmitDraftSkipsValidation(t *testing.T) {
	svc := newFakeService()
	cs := connect(t, svc, nil)

	var sub submitOutput
	res := call(t, cs, "submit_plan", map[string]any{"title": "wip", "description": "tbd", "steps": []any{}, "draft": true}, &sub)
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, string(plan.StatusDraft), sub.Status)
	assert.True(t, svc.opts.Draft)
}

func TestToolErrorsAreReported(t *testing.T) {
	logger := logging.NewTestLogger()
	cs := connect(t, newFakeService(), logger.Logger)

	res := call(t, cs, "submit_plan", map[string]any{"title": "empty", "description": "no steps", "steps": []any{}}, nil)
	require.True(t, res.IsError)
	assert.Contains(t, errorText(res), string(plan.CodeValidation))

	res = call(t, cs, "get_plan", map[string]any{"id": "missing"}, nil)
	require.True(t, res.IsError)
	assert.Contains(t, errorText(res), string(plan.CodeNotFound))

	res = call(t, cs, "get_plan", map[string]any{"id": " "}, nil)
	require.True(t, res.IsError)

	logger.AssertLogged(t, zap.WarnLevel, "tool call failed")
	logger.AssertField(t, "tool call failed", "code", string(plan.CodeNotFound))
}

func TestListPendingReviews(t *testing.T) {
	svc := newFakeService()
	svc.plans["a"] = &plan.Plan{ID: "a", Status: plan.StatusPendingHumanReview, Feedback: &plan.Feedback{}}
	svc.plans["b"] = &plan.Plan{ID: "b", Status: plan.StatusQueued}
	svc.plans["c"] = &plan.Plan{ID: "c", Status: plan.StatusPendingHumanReview, Feedback: &plan.Feedback{}}
	cs := connect(t, svc, nil)

	var out pendingOutput
	res := call(t, cs, "list_pending_reviews", map[string]any{}, &out)
	require.False(t, res.IsError, errorText(res))
	require.Len(t, out.Plans, 2)
	assert.Equal(t, "a", out.Plans[0].ID)
	assert.Equal(t, "c", out.Plans[1].ID)
	assert.Equal(t, defaultPending, svc.limit)
}

func TestSearchKnowledge(t *testing.T) {
	svc := newFakeService()
	svc.matches = []knowledge.Match{{
		Entry: knowledge.Entry{ID: "k1", PlanID: "p9", Title: "Raise pool size", Text: "raise <N> in <PATH>", Keywords: []string{"pool"}},
		Score: 0.8,
	}}
	cs := connect(t, svc, nil)

	var out searchOutput
	res := call(t, cs, "search_knowledge", map[string]any{"query": "pool exhausted", "k": 500}, &out)
	require.False(t, res.IsError, errorText(res))
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "p9", out.Matches[0].SourcePlanID)
	assert.InDelta(t, 0.8, out.Matches[0].Score, 1e-6)
	assert.Equal(t, maxMatches, svc.k)

	res = call(t, cs, "search_knowledge", map[string]any{"query": ""}, nil)
	assert.True(t, res.IsError)
}
