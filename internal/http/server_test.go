package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

const (
	bobToken   = "bob-token-0123456789"
	carolToken = "carol-token-0123456789"
)

type stubDistiller struct{ k int }

func (d *stubDistiller) Distill(context.Context, *plan.Plan) (*knowledge.Entry, bool, error) {
	return nil, false, nil
}

func (d *stubDistiller) Search(_ context.Context, q string, k int) ([]knowledge.Match, error) {
	d.k = k
	return []knowledge.Match{{Entry: knowledge.Entry{ID: "k1", PlanID: "old", Title: q}, Score: 0.9}}, nil
}

type api struct {
	srv     *Server
	eng     *engine.Engine
	store   *store.Store
	distill *stubDistiller
	logger  *logging.TestLogger
	t       *testing.T
}

func newAPI(t *testing.T) *api {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := logging.NewTestLogger()
	d := &stubDistiller{}
	eng := engine.New(st, nil, d, nil, engine.Options{}, logger.Logger)
	srv, err := NewServer(Config{Reviewers: []config.Reviewer{
		{Name: "bob", Token: config.Secret(bobToken)},
		{Name: "carol", Token: config.Secret(carolToken)},
	}}, eng, st, logger.Logger)
	require.NoError(t, err)
	return &api{srv: srv, eng: eng, store: st, distill: d, logger: logger, t: t}
}

func (a *api) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	a.t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorBody](t, rec).Error.Code
}

func validPlan() map[string]any {
	return map[string]any{
		"title":       "Raise pool size",
		"description": "connection pool exhausted under load",
		"priority":    "high",
		"steps": []map[string]any{
			{"kind": "file_edit", "path": "app/config.yaml", "content": "pool: 50\n"},
			{"kind": "shell_command", "argv": []string{"make", "check"}},
		},
	}
}

// submitReviewed submits a plan and runs analysis so it awaits review.
func (a *api) submitReviewed() string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/plans", validPlan(), "")
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[plan.Plan](a.t, rec).ID
	require.NoError(a.t, a.eng.Analyze(context.Background(), id))
	return id
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Store: "ok"}, decode[HealthResponse](t, rec))

	require.NoError(t, a.store.Close())
	rec = a.do(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)
}

type degradedExporter struct{}

func (degradedExporter) Health() telemetry.HealthStatus {
	return telemetry.HealthStatus{Healthy: true, Degraded: true, Error: "otlp endpoint refused"}
}

func TestHealthReportsTelemetry(t *testing.T) {
	a := newAPI(t)
	a.srv.WithTelemetry(degradedExporter{})

	rec := a.do(http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, "exporter trouble does not fail the check")
	got := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", got.Status)
	require.NotNil(t, got.Telemetry)
	assert.True(t, got.Telemetry.Degraded)
	assert.Equal(t, "otlp endpoint refused", got.Telemetry.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSubmitAndGet(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/api/v1/plans", validPlan(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[plan.Plan](t, rec)
	assert.Equal(t, plan.StatusPendingAIReview, created.Status)
	assert.Equal(t, plan.PriorityHigh, created.Priority)
	assert.Equal(t, "/api/v1/plans/"+created.ID, rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	require.NoError(t, a.eng.Analyze(context.Background(), created.ID))

	rec = a.do(http.MethodGet, "/api/v1/plans/"+created.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[plan.Plan](t, rec)
	assert.Equal(t, plan.StatusPendingHumanReview, got.Status)
	require.NotNil(t, got.Feedback)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "make", got.Steps[1].Argv[0])
}

func TestSubmitRejectsBadInput(t *testing.T) {
	a := newAPI(t)

	noSteps := validPlan()
	noSteps["steps"] = []any{}
	rec := a.do(http.MethodPost, "/api/v1/plans", noSteps, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[ErrorBody](t, rec)
	assert.Equal(t, string(plan.CodeValidation), body.Error.Code)
	assert.NotEmpty(t, body.Error.Violations)

	rec = a.do(http.MethodPost, "/api/v1/plans", "{not json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(plan.CodeValidation), errorCode(t, rec))

	escape := validPlan()
	escape["steps"] = []map[string]any{{"kind": "file_edit", "path": "../etc/passwd", "content": "x"}}
	rec = a.do(http.MethodPost, "/api/v1/plans", escape, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDraftEditAndSubmit(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodPost, "/api/v1/plans", map[string]any{"title": "wip", "draft": true}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	draft := decode[plan.Plan](t, rec)
	assert.Equal(t, plan.StatusDraft, draft.Status)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+draft.ID+"/submit", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPut, "/api/v1/plans/"+draft.ID, validPlan(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Raise pool size", decode[plan.Plan](t, rec).Title)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+draft.ID+"/submit", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, plan.StatusPendingAIReview, decode[plan.Plan](t, rec).Status)

	rec = a.do(http.MethodPut, "/api/v1/plans/"+draft.ID, validPlan(), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMissingPlan(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/v1/plans/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(plan.CodeNotFound), errorCode(t, rec))
}

func TestReviewDecisions(t *testing.T) {
	a := newAPI(t)
	first := a.submitReviewed()
	second := a.submitReviewed()

	rec := a.do(http.MethodGet, "/api/v1/reviews/pending", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[PlanList](t, rec)
	require.Len(t, pending.Plans, 2)
	assert.Equal(t, first, pending.Plans[0].ID)

	approve := DecisionRequest{Decision: "approve"}
	rec = a.do(http.MethodPost, "/api/v1/plans/"+first+"/decision", approve, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(plan.CodeUnauthenticated), errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/v1/plans/"+first+"/decision", approve, "wrong-token-0123456789")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+first+"/decision", DecisionRequest{Decision: "maybe"}, bobToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+second+"/decision", DecisionRequest{Decision: "reject"}, bobToken)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(plan.CodeMissingJustification), errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/v1/plans/"+first+"/decision", approve, bobToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[DecisionResponse](t, rec)
	assert.Equal(t, plan.StatusQueued, res.Status)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "bob", res.Entry.Actor)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+first+"/decision", approve, carolToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodeNotPending), errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/v1/plans/"+second+"/decision",
		DecisionRequest{Decision: "Rejected", Justification: "touches prod config directly"}, carolToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, plan.StatusRejected, decode[DecisionResponse](t, rec).Status)

	a.logger.AssertField(t, "review decision recorded", "actor", "carol")
}

func TestCancel(t *testing.T) {
	a := newAPI(t)
	id := a.submitReviewed()

	rec := a.do(http.MethodPost, "/api/v1/plans/"+id+"/cancel", nil, bobToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodeNotCancellable), errorCode(t, rec))

	rec = a.do(http.MethodPost, "/api/v1/plans/"+id+"/decision", DecisionRequest{Decision: "approve"}, bobToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+id+"/cancel", CancelRequest{Reason: "outage resolved"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+id+"/cancel", CancelRequest{Reason: "outage resolved"}, carolToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[plan.Plan](t, rec).CancelRequested)

	rec = a.do(http.MethodPost, "/api/v1/plans/"+id+"/cancel", nil, carolToken)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAuditTrail(t *testing.T) {
	a := newAPI(t)
	id := a.submitReviewed()

	rec := a.do(http.MethodGet, "/api/v1/plans/"+id+"/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[engine.AuditTrail](t, rec)
	assert.True(t, trail.Verified)
	require.NotEmpty(t, trail.Entries)
	last := trail.Entries[len(trail.Entries)-1]
	assert.Equal(t, plan.StatusPendingHumanReview, last.To)

	rec = a.do(http.MethodGet, "/api/v1/plans/missing/audit", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPlans(t *testing.T) {
	a := newAPI(t)
	reviewed := a.submitReviewed()
	rec := a.do(http.MethodPost, "/api/v1/plans", validPlan(), "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/plans?status=pendinghumanreview", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[PlanList](t, rec)
	require.Len(t, list.Plans, 1)
	assert.Equal(t, reviewed, list.Plans[0].ID)

	rec = a.do(http.MethodGet, "/api/v1/plans?limit=1&offset=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[PlanList](t, rec).Plans, 1)

	rec = a.do(http.MethodGet, "/api/v1/plans?status=Executed", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(http.MethodGet, "/api/v1/plans?limit=-3", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/plans?status=Succeeded", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"plans":[]`), rec.Body.String())
}

func TestKnowledgeSearch(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/v1/knowledge/search", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/v1/knowledge/search?q=pool+exhausted&k=500", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SearchResponse](t, rec)
	assert.Equal(t, "pool exhausted", resp.Query)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "old", resp.Matches[0].PlanID)
	assert.Equal(t, maxMatches, a.distill.k)
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/v1/nothing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, errorCode(t, rec))
}

func TestMalformedAuthorization(t *testing.T) {
	a := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reviews/pending", nil)
	req.Header.Set("Authorization", "Basic Ym9iOnNlY3JldA==")
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	a.logger.AssertNotLogged(t, zap.ErrorLevel, "request failed")
}

func TestStats(t *testing.T) {
	a := newAPI(t)
	a.submitReviewed()
	a.submitReviewed()

	rec := a.do(http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.Stats](t, rec)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Counts[plan.StatusPendingHumanReview])
	assert.False(t, st.At.IsZero())
}
