package review

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func pendingPlan(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	p := &plan.Plan{
		ID:       id,
		Title:    "Restart stuck consumer",
		Priority: plan.PriorityNormal,
		Steps:    []plan.Step{{Kind: plan.StepShellCommand, Argv: []string{"make", "restart"}}},
	}
	require.NoError(t, s.CreatePlan(ctx, p, "alice", true))
	_, err := s.Transition(ctx, store.TransitionRequest{
		PlanID: id, From: plan.StatusPendingAIReview, To: plan.StatusPendingHumanReview,
		Actor: "analyzer", Feedback: &plan.Feedback{},
	})
	require.NoError(t, err)
}

func TestApproveQueuesPlan(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")

	kicks := 0
	logger := logging.NewTestLogger()
	g := NewGate(s, nil, func() { kicks++ }, logger.Logger)

	res, err := g.Decide(ctx, "p1", Approve, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusQueued, res.Status)
	assert.Equal(t, plan.StatusApproved, res.Entry.To)
	assert.Equal(t, 1, kicks)

	got, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusQueued, got.Status)

	items, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, store.QueuedMsgID("p1"), items[0].MsgID)
	assert.Equal(t, plan.PriorityNormal, items[0].Priority)

	logger.AssertLogged(t, zapcore.InfoLevel, "review decision recorded")
	logger.AssertField(t, "review decision recorded", "actor", "bob")
}

func TestRejectRequiresJustification(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")
	n := &recordingNotifier{}
	g := NewGate(s, n, nil, nil)

	_, err := g.Decide(ctx, "p1", Reject, "bob", "   ")
	assert.ErrorIs(t, err, plan.ErrMissingJustification)

	got, err := s.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingHumanReview, got.Status)
	assert.Empty(t, n.events)

	res, err := g.Decide(ctx, "p1", Reject, "bob", "restarts hide the leak")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRejected, res.Status)
	assert.Equal(t, "restarts hide the leak", res.Entry.Detail)

	require.Len(t, n.events, 1)
	assert.Equal(t, plan.StatusRejected, n.events[0].Status)
	assert.Equal(t, "restarts hide the leak", n.events[0].Reason)
}

func TestDecideErrors(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")
	require.NoError(t, s.CreatePlan(ctx, &plan.Plan{
		ID: "draft", Title: "draft", Priority: plan.PriorityLow,
		Steps: []plan.Step{{Kind: plan.StepShellCommand, Argv: []string{"true"}}},
	}, "alice", false))
	g := NewGate(s, nil, nil, nil)

	tests := []struct {
		name     string
		id       string
		decision Decision
		actor    string
		want     error
	}{
		{"no actor", "p1", Approve, "", plan.ErrUnauthenticated},
		{"unknown decision", "p1", Decision("maybe"), "bob", plan.ErrValidation},
		{"missing plan", "nope", Approve, "bob", plan.ErrNotFound},
		{"not pending", "draft", Approve, "bob", plan.ErrNotPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Decide(ctx, tt.id, tt.decision, tt.actor, "because")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSecondDecisionIsNotPending(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")
	g := NewGate(s, nil, nil, nil)

	_, err := g.Decide(ctx, "p1", Approve, "bob", "")
	require.NoError(t, err)
	_, err = g.Decide(ctx, "p1", Reject, "carol", "too late")
	assert.ErrorIs(t, err, plan.ErrNotPending)
}

func TestPendingListsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")
	pendingPlan(t, s, "p2")
	g := NewGate(s, nil, nil, nil)

	got, err := g.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, "p2", got[1].ID)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	pendingPlan(t, s, "p1")
	_, err := s.Transition(ctx, store.TransitionRequest{
		PlanID: "p1", From: plan.StatusPendingHumanReview, To: plan.StatusApproved, Actor: "bob",
	})
	require.NoError(t, err)

	g := NewGate(s, nil, nil, nil)
	first, err := g.Enqueue(ctx, "p1", "sweeper")
	require.NoError(t, err)
	again, err := g.Enqueue(ctx, "p1", "sweeper")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)

	items, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approved ")
	require.NoError(t, err)
	assert.Equal(t, Approve, d)
	d, err = ParseDecision("reject")
	require.NoError(t, err)
	assert.Equal(t, Reject, d)
	_, err = ParseDecision("defer")
	assert.ErrorIs(t, err, plan.ErrValidation)
}
