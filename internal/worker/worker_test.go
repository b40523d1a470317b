package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/sandbox"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/validation"
)

const passingEvents = `{"Action":"run","Package":"example.com/app","Test":"TestPool"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"=== RUN   TestPool\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"--- PASS: TestPool (0.00s)\n"}
{"Action":"pass","Package":"example.com/app","Test":"TestPool","Elapsed":0}
{"Action":"output","Package":"example.com/app","Output":"PASS\n"}
{"Action":"output","Package":"example.com/app","Output":"ok  \texample.com/app\t0.010s\n"}
{"Action":"pass","Package":"example.com/app","Elapsed":0.01}
`

const failingEvents = `{"Action":"run","Package":"example.com/app","Test":"TestPool"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"=== RUN   TestPool\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"    pool_test.go:9: pool size = 10, want 50\n"}
{"Action":"output","Package":"example.com/app","Test":"TestPool","Output":"--- FAIL: TestPool (0.00s)\n"}
{"Action":"fail","Package":"example.com/app","Test":"TestPool","Elapsed":0}
{"Action":"output","Package":"example.com/app","Output":"FAIL\n"}
{"Action":"output","Package":"example.com/app","Output":"FAIL\texample.com/app\t0.010s\n"}
{"Action":"fail","Package":"example.com/app","Elapsed":0.01}
`

var mainRef = plumbing.NewBranchReferenceName("main")

// newRemote creates a bare repository with one commit on main.
func newRemote(t *testing.T) string {
	t.Helper()
	bare := t.TempDir()
	_, err := git.PlainInitWithOptions(bare, &git.PlainInitOptions{
		Bare:        true,
		InitOptions: git.InitOptions{DefaultBranch: mainRef},
	})
	require.NoError(t, err)

	seed := t.TempDir()
	repo, err := git.PlainInitWithOptions(seed, &git.PlainInitOptions{InitOptions: git.InitOptions{DefaultBranch: mainRef}})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(seed, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(seed, "app", "config.yaml"), []byte("pool: 10\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("seed", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.test", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{bare}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/main:refs/heads/main"},
	}))
	return bare
}

func remoteHas(t *testing.T, bare, branch string) bool {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

type fakeRunner struct{ out string }

func (f fakeRunner) Run(context.Context, string, []string, []string) ([]byte, int, error) {
	code := 0
	if strings.Contains(f.out, `"Action":"fail"`) {
		code = 1
	}
	return []byte(f.out), code, nil
}

type fakePublisher struct {
	err   error
	calls int
}

func (f *fakePublisher) Publish(_ context.Context, p *plan.Plan, branch, base string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://github.test/acme/api/pull/" + p.ID, nil
}

type learner struct {
	mu    sync.Mutex
	plans []string
}

func (l *learner) DistillPlan(_ context.Context, p *plan.Plan) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plans = append(l.plans, p.ID)
	return nil
}

func (l *learner) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.plans)
}

type events struct {
	mu  sync.Mutex
	got []notify.Event
}

func (e *events) Notify(_ context.Context, ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
}

func (e *events) last() notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.got) == 0 {
		return notify.Event{}
	}
	return e.got[len(e.got)-1]
}

type harness struct {
	store     *store.Store
	bare      string
	root      string
	sandbox   *sandbox.Executor
	publisher *fakePublisher
	learner   *learner
	events    *events
	logger    *logging.TestLogger
	runner    *fakeRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bare := newRemote(t)
	root := t.TempDir()
	sb, err := sandbox.NewExecutor(sandbox.Config{
		Root:         root,
		BranchPrefix: "fixplan/",
		StepTimeout:  10 * time.Second,
	}, sandbox.NewGitRepo(bare, "main", "", "fixplan", "fixplan@example.test"), nil)
	require.NoError(t, err)

	return &harness{
		store:     s,
		bare:      bare,
		root:      root,
		sandbox:   sb,
		publisher: &fakePublisher{},
		learner:   &learner{},
		events:    &events{},
		logger:    logging.NewTestLogger(),
		runner:    &fakeRunner{out: passingEvents},
	}
}

func (h *harness) worker(t *testing.T, id string, cfg Config) *Worker {
	t.Helper()
	v, err := validation.New(validation.Config{Command: []string{"go", "test", "-json", "./..."}}, h.runner, nil)
	require.NoError(t, err)
	if cfg.Mainline == "" {
		cfg.Mainline = "main"
	}
	return New(id, cfg, Deps{
		Store:     h.store,
		Sandbox:   h.sandbox,
		Validator: v,
		Publisher: h.publisher,
		Learner:   h.learner,
		Notifier:  h.events,
	}, h.logger.Logger)
}

var defaultSteps = []plan.Step{
	{Kind: plan.StepFileEdit, Path: "app/config.yaml", Content: "pool: 50\n"},
	{Kind: plan.StepShellCommand, Argv: []string{"cat", "app/config.yaml"}},
}

// queued stores a plan and drives it to Queued.
func (h *harness) queued(t *testing.T, id string, steps []plan.Step) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreatePlan(ctx, &plan.Plan{
		ID: id, Title: "Raise pool size", Description: "pool exhausted", Steps: steps,
	}, "alice", true))
	for _, req := range []store.TransitionRequest{
		{From: plan.StatusPendingAIReview, To: plan.StatusPendingHumanReview, Actor: "analyzer", Feedback: &plan.Feedback{}},
		{From: plan.StatusPendingHumanReview, To: plan.StatusApproved, Actor: "bob"},
		{From: plan.StatusApproved, To: plan.StatusQueued, Actor: "bob", Enqueue: &store.OutboxItem{MsgID: store.QueuedMsgID(id)}},
	} {
		req.PlanID = id
		_, err := h.store.Transition(ctx, req)
		require.NoError(t, err)
	}
}

func (h *harness) plan(t *testing.T, id string) *plan.Plan {
	t.Helper()
	p, err := h.store.GetPlan(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (h *harness) notes(t *testing.T, id, reason string) int {
	t.Helper()
	entries, err := h.store.Audit(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Kind == plan.EntryNote && e.Reason == reason {
			n++
		}
	}
	return n
}

func indexOrder(t *testing.T, log []string, want ...string) {
	t.Helper()
	joined := strings.Join(log, "\n")
	last := -1
	for _, w := range want {
		i := strings.Index(joined, w)
		require.Greater(t, i, last, "%q out of order in:\n%s", w, joined)
		last = i
	}
}

func TestHandleRunsPlanToSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	w := h.worker(t, "worker-1", Config{})

	assert.True(t, w.Handle(ctx, "p1", func() error { return nil }))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusSucceeded, p.Status)
	assert.Equal(t, "https://github.test/acme/api/pull/p1", p.Artifact)
	assert.Equal(t, "fixplan/plan-p1", p.Branch)
	assert.Equal(t, "1 tests, 0 failed, 0 skipped", p.ValidationSummary)
	assert.Empty(t, p.LeaseOwner)
	indexOrder(t, p.ExecutionLog,
		"claimed by worker-1 (attempt 1)",
		"step 1/2: file_edit app/config.yaml",
		"step 2/2: shell_command",
		"step 2 | pool: 50",
		"all 2 steps applied",
		"validation: running go test -json ./...",
		"validation: passed",
		"succeeded: https://github.test/acme/api/pull/p1",
	)

	assert.True(t, remoteHas(t, h.bare, "fixplan/plan-p1"))
	assert.Equal(t, 1, h.notes(t, "p1", plan.NotePublished))
	assert.Equal(t, 1, h.learner.count())
	assert.Equal(t, plan.StatusSucceeded, h.events.last().Status)
	h.logger.AssertField(t, "plan succeeded", "worker_id", "worker-1")
}

func TestHandleDuplicateDeliveryDoesNotReexecute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	w := h.worker(t, "worker-1", Config{})

	require.True(t, w.Handle(ctx, "p1", nil))
	before := h.plan(t, "p1")

	assert.True(t, w.Handle(ctx, "p1", nil))
	assert.True(t, h.worker(t, "worker-2", Config{}).Handle(ctx, "p1", nil))

	after := h.plan(t, "p1")
	assert.Equal(t, before.ExecutionLog, after.ExecutionLog)
	assert.Equal(t, 1, h.learner.count())
	assert.Equal(t, 1, h.publisher.calls)
}

func TestHandleUnknownPlan(t *testing.T) {
	h := newHarness(t)
	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(context.Background(), "missing", nil))
	h.logger.AssertLogged(t, zapcore.WarnLevel, "delivery for unknown plan dropped")
}

func TestHandleStepFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", []plan.Step{
		{Kind: plan.StepFileEdit, Path: "app/config.yaml", Content: "pool: 50\n"},
		{Kind: plan.StepShellCommand, Argv: []string{"sh", "-c", "echo broken; exit 2"}},
		{Kind: plan.StepShellCommand, Argv: []string{"touch", "never"}},
	})
	w := h.worker(t, "worker-1", Config{})

	assert.True(t, w.Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, plan.CodeStepApplication, p.FailureReason)
	log := strings.Join(p.ExecutionLog, "\n")
	assert.Contains(t, log, "step 2 | broken")
	assert.NotContains(t, log, "step 3/3")
	assert.Contains(t, log, "failed: StepApplicationError")
	assert.False(t, remoteHas(t, h.bare, "fixplan/plan-p1"))
	assert.Zero(t, h.learner.count())
	assert.Zero(t, h.publisher.calls)
	assert.Equal(t, plan.StatusFailed, h.events.last().Status)
}

func TestHandlePathEscapeFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", []plan.Step{
		{Kind: plan.StepShellCommand, Argv: []string{"ln", "-s", "/etc", "app/etc"}},
		{Kind: plan.StepFileEdit, Path: "app/etc/hosts", Content: "owned\n"},
	})

	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(ctx, "p1", nil))
	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, plan.CodePathEscape, p.FailureReason)
}

func TestHandleValidationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.runner.out = failingEvents
	h.queued(t, "p1", defaultSteps)

	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, plan.CodeTestFailure, p.FailureReason)
	assert.Contains(t, strings.Join(p.ExecutionLog, "\n"), "validation: FAIL example.com/app.TestPool: pool_test.go:9: pool size = 10, want 50")
	assert.False(t, remoteHas(t, h.bare, "fixplan/plan-p1"))

	entries, err := h.store.Audit(ctx, "p1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, plan.StatusValidating, last.From)
	assert.Equal(t, plan.StatusFailed, last.To)
}

func TestHandleCancelledQueuedPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	_, err := h.store.RequestCancel(ctx, "p1", "bob", "wrong cluster")
	require.NoError(t, err)

	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, plan.CodeCancelled, p.FailureReason)
	indexOrder(t, p.ExecutionLog, "claimed by worker-1", "cancelled by operator request")
	assert.NotContains(t, strings.Join(p.ExecutionLog, "\n"), "step 1/2")
}

func TestHandleLeavesLiveForeignLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	_, err := h.store.Claim(ctx, "p1", "worker-9", time.Minute)
	require.NoError(t, err)

	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(ctx, "p1", nil))
	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusExecuting, p.Status)
	assert.Equal(t, "worker-9", p.LeaseOwner)
}

func TestHandleResumesAfterExpiredLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h.store.SetClock(clock)
	h.queued(t, "p1", defaultSteps)
	_, err := h.store.Claim(ctx, "p1", "worker-9", time.Minute)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	w := h.worker(t, "worker-1", Config{})
	w.now = clock
	assert.True(t, w.Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusSucceeded, p.Status)
	assert.Equal(t, 1, p.Retries)
	assert.Equal(t, 1, h.notes(t, "p1", plan.NoteRetried))
	indexOrder(t, p.ExecutionLog, "claimed by worker-9", "requeued: lease held by worker-9 expired", "resumed by worker-1 (attempt 2)")
}

func TestHandleInfrastructureFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	broken, err := sandbox.NewExecutor(sandbox.Config{Root: t.TempDir(), BranchPrefix: "fixplan/"},
		sandbox.NewGitRepo(filepath.Join(t.TempDir(), "missing"), "main", "", "fixplan", "fixplan@example.test"), nil)
	require.NoError(t, err)
	h.sandbox = broken
	w := h.worker(t, "worker-1", Config{MaxRetries: 1})

	assert.True(t, w.Handle(ctx, "p1", nil))
	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusExecuting, p.Status)
	assert.Equal(t, 1, p.Retries)
	assert.Empty(t, p.LeaseOwner)
	h.logger.AssertLogged(t, zapcore.WarnLevel, "plan attempt abandoned")

	items, err := h.store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, store.RetryMsgID("p1", 1), items[1].MsgID)

	assert.True(t, w.Handle(ctx, "p1", nil))
	p = h.plan(t, "p1")
	assert.Equal(t, plan.StatusFailed, p.Status)
	assert.Equal(t, plan.CodeMaxRetriesExceeded, p.FailureReason)
	assert.Equal(t, plan.StatusFailed, h.events.last().Status)
}

func TestPublishFailureKeepsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.publisher.err = errors.New("403 Resource not accessible")
	h.queued(t, "p1", defaultSteps)

	assert.True(t, h.worker(t, "worker-1", Config{}).Handle(ctx, "p1", nil))
	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusSucceeded, p.Status)
	assert.True(t, strings.HasPrefix(p.Artifact, "fixplan/plan-p1@"), p.Artifact)
	assert.Zero(t, h.notes(t, "p1", plan.NotePublished))
	h.logger.AssertLogged(t, zapcore.WarnLevel, "pull request not opened")
}

// lossyStore reports the lease as lost on the first renewal.
type lossyStore struct{ *store.Store }

func (lossyStore) Renew(context.Context, *store.Lease, time.Duration) error {
	return &plan.Error{Code: plan.CodeConflict, Op: "renew", Err: store.ErrLeaseLost}
}

func TestLeaseLossStopsWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", []plan.Step{{Kind: plan.StepShellCommand, Argv: []string{"sleep", "30"}}})
	w := h.worker(t, "worker-1", Config{LeaseTTL: 300 * time.Millisecond})
	w.deps.Store = lossyStore{h.store}

	start := time.Now()
	assert.True(t, w.Handle(ctx, "p1", nil))
	assert.Less(t, time.Since(start), 10*time.Second)

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusExecuting, p.Status, "a worker without its lease writes nothing")
	h.logger.AssertLogged(t, zapcore.WarnLevel, "lease lost during execution")

	left, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Empty(t, left, "workspace of the lost attempt is released")
}

// slowLearner outlives several lease TTLs and reports the context it saw.
type slowLearner struct {
	delay time.Duration
	err   error
}

func (l *slowLearner) DistillPlan(ctx context.Context, _ *plan.Plan) error {
	select {
	case <-time.After(l.delay):
	case <-ctx.Done():
	}
	l.err = ctx.Err()
	return l.err
}

func TestDistillationOutlivesLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	w := h.worker(t, "worker-1", Config{LeaseTTL: 30 * time.Millisecond})
	slow := &slowLearner{delay: 80 * time.Millisecond}
	w.deps.Learner = slow

	assert.True(t, w.Handle(ctx, "p1", nil))

	assert.NoError(t, slow.err, "distillation runs after the heartbeat has stopped")
	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusSucceeded, p.Status)
	assert.Equal(t, plan.DistillPending, p.Distillation)

	ids, err := h.store.PendingDistillations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids, "a learner that never records done leaves the plan retryable")
}

// flakyStore fails step log writes with a transient error and optionally
// fails Abandon.
type flakyStore struct {
	*store.Store
	abandonErr error
}

func (s flakyStore) AppendLog(ctx context.Context, lease *store.Lease, lines ...string) error {
	for _, l := range lines {
		if strings.HasPrefix(l, "step ") {
			return errors.New("database is locked")
		}
	}
	return s.Store.AppendLog(ctx, lease, lines...)
}

func (s flakyStore) Abandon(ctx context.Context, lease *store.Lease, maxRetries int, reason string) (store.Outcome, error) {
	if s.abandonErr != nil {
		return store.OutcomeNoop, s.abandonErr
	}
	return s.Store.Abandon(ctx, lease, maxRetries, reason)
}

func TestTransientLogFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.queued(t, "p1", defaultSteps)
	w := h.worker(t, "worker-1", Config{})
	w.deps.Store = flakyStore{Store: h.store}

	assert.True(t, w.Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusExecuting, p.Status, "a store hiccup is not the plan's fault")
	assert.Empty(t, p.FailureReason)
	assert.Equal(t, 1, p.Retries)
	assert.Contains(t, strings.Join(p.ExecutionLog, "\n"), "requeued: append log: database is locked")
	assert.Zero(t, h.learner.count())
}

func TestAbandonReleasesWorkspace(t *testing.T) {
	tests := []struct {
		name string
		err  error
		ack  bool
	}{
		{"lease lost", &plan.Error{Code: plan.CodeConflict, Op: "abandon", Err: store.ErrLeaseLost}, true},
		{"store error", errors.New("disk I/O error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.queued(t, "p1", defaultSteps)
			w := h.worker(t, "worker-1", Config{})
			w.deps.Store = flakyStore{Store: h.store, abandonErr: tt.err}

			assert.Equal(t, tt.ack, w.Handle(context.Background(), "p1", nil))

			left, err := os.ReadDir(h.root)
			require.NoError(t, err)
			assert.Empty(t, left)
		})
	}
}

func TestShutdownAbandonsLease(t *testing.T) {
	h := newHarness(t)
	h.queued(t, "p1", []plan.Step{{Kind: plan.StepShellCommand, Argv: []string{"sleep", "30"}}})
	w := h.worker(t, "worker-1", Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(500*time.Millisecond, cancel)
	assert.True(t, w.Handle(ctx, "p1", nil))

	p := h.plan(t, "p1")
	assert.Equal(t, plan.StatusExecuting, p.Status)
	assert.Empty(t, p.LeaseOwner)
	assert.Equal(t, 1, p.Retries)
	assert.Contains(t, strings.Join(p.ExecutionLog, "\n"), "requeued: worker shutting down")
}

func TestIDs(t *testing.T) {
	ids := IDs("", 3)
	require.Len(t, ids, 3)
	assert.True(t, strings.HasPrefix(ids[0], "worker-"))
	assert.NotEqual(t, ids[0], ids[1])
	assert.True(t, strings.HasSuffix(ids[2], "-3"))
}
