package knowledge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/vectorstore"
	"github.com/fyrsmithlabs/fixplan/pkg/secrets"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDistiller(t *testing.T, opts ...Option) (*Distiller, *logging.TestLogger) {
	t.Helper()
	logger := logging.NewTestLogger()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Collection: "test_knowledge"},
		vectorstore.NewHashEmbedder(64), logger.Logger)
	require.NoError(t, err)
	d, err := NewDistiller(store, logger.Logger, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
	require.NoError(t, err)
	return d, logger
}

func poolPlan() *plan.Plan {
	return &plan.Plan{
		ID:          "p1",
		Title:       "Fix connection pool exhaustion",
		Description: "API at api.acme.io returns 503 because the pool in /srv/app/internal/db/pool.go:88 is too small",
		Status:      plan.StatusSucceeded,
		Steps: []plan.Step{
			{Kind: plan.StepFileEdit, Path: "internal/db/pool.go", Content: "package db\n\nconst maxConns = 50\n"},
			{Kind: plan.StepShellCommand, Argv: []string{"go", "test", "./internal/db"}},
		},
		ExecutionLog: []string{
			"claimed by worker-1",
			"step 1: file_edit internal/db/pool.go",
			"step 2: go test ./internal/db",
			"ok  	github.com/acme/app/internal/db	0.021s",
		},
		ValidationSummary: "pool connection tests: 12 passed",
	}
}

func certPlan() *plan.Plan {
	return &plan.Plan{
		ID:          "p2",
		Title:       "Rotate expired TLS certificate",
		Description: "Ingress TLS certificate expired and clients reject handshake",
		Status:      plan.StatusSucceeded,
		Steps: []plan.Step{
			{Kind: plan.StepShellCommand, Argv: []string{"certbot", "renew"}},
		},
		ExecutionLog: []string{"certificate renewed"},
	}
}

func TestDistillStoresGeneralizedEntry(t *testing.T) {
	ctx := context.Background()
	d, logger := newTestDistiller(t)

	entry, created, err := d.Distill(ctx, poolPlan())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "knowledge-p1", entry.ID)
	assert.Equal(t, "p1", entry.PlanID)

	assert.NotContains(t, entry.Text, "api.acme.io")
	assert.NotContains(t, entry.Text, "/srv/app")
	assert.NotContains(t, entry.Text, "pool.go")
	assert.Contains(t, entry.Text, "<HOST>")
	assert.Contains(t, entry.Text, "<PATH>:<LINE>")
	assert.Contains(t, entry.Keywords, "pool")
	assert.Greater(t, entry.Specificity, 0.0)
	assert.Less(t, entry.Specificity, 1.0)

	logger.AssertLogged(t, zapcore.InfoLevel, "knowledge entry stored")
	logger.AssertField(t, "knowledge entry stored", "plan_id", "p1")

	got, err := d.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, entry.Text, got.Text)
	assert.Equal(t, entry.Title, got.Title)
	assert.Equal(t, entry.Keywords, got.Keywords)
	assert.InDelta(t, entry.Specificity, got.Specificity, 0.001)
	assert.True(t, fixedNow.Equal(got.CreatedAt))
}

func TestDistillIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDistiller(t)

	first, created, err := d.Distill(ctx, poolPlan())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := d.Distill(ctx, poolPlan())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Text, second.Text)

	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDistillRequiresSucceeded(t *testing.T) {
	d, _ := newTestDistiller(t)
	p := poolPlan()
	p.Status = plan.StatusFailed

	_, _, err := d.Distill(context.Background(), p)
	assert.True(t, errors.Is(err, plan.ErrValidation))

	n, err := d.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDistillRedactsSecrets(t *testing.T) {
	scanner, err := secrets.NewScanner(nil)
	require.NoError(t, err)
	d, _ := newTestDistiller(t, WithScanner(scanner))

	token := "ghp_" + "1a2B3c4D5e6F7g8H9i0J1k2L3m4N5o6P7q8R"
	p := poolPlan()
	p.Description += "\nexport GITHUB_TOKEN=" + token

	entry, _, err := d.Distill(context.Background(), p)
	require.NoError(t, err)
	assert.NotContains(t, entry.Text, token)
	assert.Contains(t, entry.Text, "[REDACTED:")
}

type failingStore struct {
	vectorstore.Store
}

func (failingStore) Get(context.Context, string) (*vectorstore.Document, error) {
	return nil, vectorstore.ErrNotFound
}

func (failingStore) AddDocuments(context.Context, []vectorstore.Document) error {
	return fmt.Errorf("%w: embedding endpoint down", vectorstore.ErrEmbedding)
}

func TestDistillFailureIsPending(t *testing.T) {
	logger := logging.NewTestLogger()
	d, err := NewDistiller(failingStore{}, logger.Logger)
	require.NoError(t, err)

	_, created, err := d.Distill(context.Background(), poolPlan())
	assert.False(t, created)
	assert.True(t, errors.Is(err, plan.ErrDistillationPending))
	assert.True(t, errors.Is(err, vectorstore.ErrEmbedding))
	logger.AssertLogged(t, zapcore.WarnLevel, "knowledge entry not stored")
}

func TestSearchFindsPriorArt(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDistiller(t)

	for _, p := range []*plan.Plan{poolPlan(), certPlan()} {
		_, _, err := d.Distill(ctx, p)
		require.NoError(t, err)
	}

	matches, err := d.Search(ctx, "connection pool exhaustion", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].PlanID)

	matches, err = d.Search(ctx, "expired TLS certificate", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "p2", matches[0].PlanID)

	matches, err = d.Search(ctx, "  ", 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEpisodeFromPlanKeepsTail(t *testing.T) {
	p := poolPlan()
	p.ExecutionLog = nil
	for i := 0; i < 30; i++ {
		p.ExecutionLog = append(p.ExecutionLog, fmt.Sprintf("line-%d", i))
	}

	ep := EpisodeFromPlan(p, 5)
	assert.Equal(t, []string{"line-25", "line-26", "line-27", "line-28", "line-29"}, ep.LogTail)
	assert.Equal(t, []string{p.Steps[0].Summary(), p.Steps[1].Summary()}, ep.Steps)

	text := ep.Text()
	assert.Contains(t, text, "## Problem")
	assert.Contains(t, text, "1. file_edit internal/db/pool.go")
	assert.Contains(t, text, "## Validation")
}

func TestNewDistillerRequiresStore(t *testing.T) {
	_, err := NewDistiller(nil, nil)
	assert.Error(t, err)
}
