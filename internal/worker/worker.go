// Package worker executes queued plans. Each worker holds at most one plan
// under an exclusive store lease, renews it while the sandbox and the test
// run make progress, and records the outcome through fenced transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/publish"
	"github.com/fyrsmithlabs/fixplan/internal/sandbox"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
	"github.com/fyrsmithlabs/fixplan/internal/validation"
)

// Store is the part of the plan store a worker writes through.
type Store interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	Claim(ctx context.Context, planID, owner string, ttl time.Duration) (*store.Lease, error)
	Renew(ctx context.Context, lease *store.Lease, ttl time.Duration) error
	AppendLog(ctx context.Context, lease *store.Lease, lines ...string) error
	Transition(ctx context.Context, req store.TransitionRequest) (*plan.AuditEntry, error)
	Abandon(ctx context.Context, lease *store.Lease, maxRetries int, reason string) (store.Outcome, error)
	ExpireLease(ctx context.Context, planID string, maxRetries int, actor string) (store.Outcome, error)
	CancelRequested(ctx context.Context, planID string) (bool, error)
}

// Sandbox prepares workspaces and applies steps.
type Sandbox interface {
	Prepare(ctx context.Context, planID string) (*sandbox.Workspace, error)
	Run(ctx context.Context, ws *sandbox.Workspace, steps []plan.Step, hooks sandbox.Hooks) error
	Commit(ctx context.Context, ws *sandbox.Workspace, message string) (string, error)
	Push(ctx context.Context, ws *sandbox.Workspace) error
	Discard(ctx context.Context, planID string) error
	Release(ws *sandbox.Workspace) error
}

// Validator runs the test suite of a workspace.
type Validator interface {
	Validate(ctx context.Context, ws *sandbox.Workspace, hooks sandbox.Hooks) (*validation.Outcome, error)
}

// Learner distills a succeeded plan into knowledge.
type Learner interface {
	DistillPlan(ctx context.Context, p *plan.Plan) error
}

// Config tunes leases and retries of a worker.
type Config struct {
	LeaseTTL   time.Duration
	MaxRetries int
	// Mainline is the base branch pull requests target.
	Mainline string
}

// ConfigFrom builds a worker Config from the loaded configuration.
func ConfigFrom(w config.WorkersConfig, s config.SandboxConfig) Config {
	return Config{LeaseTTL: w.LeaseTTL.Duration(), MaxRetries: w.MaxRetries, Mainline: s.Mainline}
}

// Deps are a worker's collaborators. Publisher, Learner and Notifier are
// optional.
type Deps struct {
	Store     Store
	Sandbox   Sandbox
	Validator Validator
	Publisher publish.Publisher
	Learner   Learner
	Notifier  notify.Notifier
}

// Worker processes one plan at a time.
type Worker struct {
	id     string
	cfg    Config
	deps   Deps
	logger *logging.Logger
	now    func() time.Time
}

// New returns a worker that claims leases under the owner name id.
func New(id string, cfg Config, deps Deps, logger *logging.Logger) *Worker {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{id: id, cfg: cfg, deps: deps, logger: logger.Named("worker"), now: time.Now}
}

// ID returns the lease owner name of the worker.
func (w *Worker) ID() string { return w.id }

// Handle processes one delivery of planID. progress is called on every
// heartbeat to extend the queue-side lease. The result says whether the
// delivery should be acknowledged; false asks for redelivery.
func (w *Worker) Handle(ctx context.Context, planID string, progress func() error) (ack bool) {
	ctx = logging.WithWorkerID(logging.WithPlanID(ctx, planID), w.id)

	p, err := w.deps.Store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			w.logger.Warn(ctx, "delivery for unknown plan dropped")
			return true
		}
		w.logger.Error(ctx, "load plan", zap.Error(err))
		return false
	}

	switch {
	case p.Status.Terminal():
		w.logger.Debug(ctx, "duplicate delivery for finished plan", zap.String("status", string(p.Status)))
		return true
	case p.Status == plan.StatusQueued:
	case p.Status == plan.StatusExecuting || p.Status == plan.StatusValidating:
		if p.LeaseLive(w.now()) {
			w.logger.Debug(ctx, "plan leased elsewhere", zap.String("owner", p.LeaseOwner))
			return true
		}
		if p.LeaseOwner != "" {
			out, err := w.deps.Store.ExpireLease(ctx, planID, w.cfg.MaxRetries, w.id)
			if err != nil {
				w.logger.Error(ctx, "expire lease", zap.Error(err))
				return false
			}
			metrics.Get().LeaseExpiries.WithLabelValues(out.String()).Inc()
			if out == store.OutcomeFailed {
				w.finished(ctx, planID, plan.StatusFailed, string(plan.CodeMaxRetriesExceeded))
				return true
			}
		}
	default:
		w.logger.Warn(ctx, "delivery for plan that is not queued", zap.String("status", string(p.Status)))
		return true
	}

	lease, err := w.deps.Store.Claim(ctx, planID, w.id, w.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, plan.ErrConflict) {
			w.logger.Debug(ctx, "claim lost", zap.Error(err))
			return true
		}
		w.logger.Error(ctx, "claim", zap.Error(err))
		return false
	}
	return w.execute(ctx, p, lease, progress)
}

// execute runs a claimed plan to a terminal state or gives the lease back.
func (w *Worker) execute(ctx context.Context, p *plan.Plan, lease *store.Lease, progress func() error) bool {
	busy := metrics.Get().BusyWorkers
	busy.Inc()
	defer busy.Dec()

	ctx, span := telemetry.Start(ctx, "worker", "Execute",
		attribute.String("plan.id", p.ID), attribute.Int64("lease.epoch", lease.Epoch))
	defer func() { telemetry.End(span, nil) }()
	w.logger.Info(ctx, "plan claimed", zap.Int64("epoch", lease.Epoch), zap.Int("retries", p.Retries))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hb := w.heartbeat(workCtx, cancel, lease, progress)
	r := &run{w: w, p: p, lease: lease, from: plan.StatusExecuting}
	if p.Status == plan.StatusValidating {
		r.from = plan.StatusValidating
	}
	err := r.steps(workCtx)
	cancel()
	hb.wait()

	switch {
	case err == nil:
		// The lease is gone with the terminal transition, so the follow-up
		// work runs on ctx rather than the heartbeat-bound workCtx.
		r.succeeded(ctx)
		return true
	case hb.lost() || errors.Is(err, store.ErrLeaseLost):
		// Someone else owns the plan now; writing anything would be fenced.
		w.logger.Warn(ctx, "lease lost during execution", zap.Error(err))
		r.release(ctx)
		return true
	case ctx.Err() != nil:
		return r.abandon("worker shutting down")
	}

	var ie *infraError
	if errors.As(err, &ie) {
		return r.abandon(ie.Error())
	}
	r.fail(ctx, err)
	return true
}

type heartbeat struct {
	done     chan struct{}
	mu       sync.Mutex
	leaseErr error
}

func (h *heartbeat) wait() { <-h.done }

func (h *heartbeat) lost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaseErr != nil
}

// heartbeat renews the store lease and the queue lease every third of the
// TTL. Losing the store lease cancels the work.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *store.Lease, progress func() error) *heartbeat {
	h := &heartbeat{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		t := time.NewTicker(max(w.cfg.LeaseTTL/3, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			if err := w.deps.Store.Renew(ctx, lease, w.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, store.ErrLeaseLost) {
					h.mu.Lock()
					h.leaseErr = err
					h.mu.Unlock()
					cancel()
					return
				}
				w.logger.Warn(ctx, "lease renewal failed", zap.Error(err))
			}
			if progress != nil {
				if err := progress(); err != nil {
					w.logger.Warn(ctx, "queue progress not signalled", zap.Error(err))
				}
			}
		}
	}()
	return h
}

// infraError marks failures that are not the plan's fault. The lease is
// given back so another attempt can run.
type infraError struct {
	op  string
	err error
}

func (e *infraError) Error() string { return e.op + ": " + e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func infra(op string, err error) error { return &infraError{op: op, err: err} }

// storeFault marks a failed store call as infrastructure unless it means
// the lease is gone, which execute handles on its own.
func storeFault(op string, err error) error {
	if err == nil || errors.Is(err, store.ErrLeaseLost) {
		return err
	}
	return infra(op, err)
}

// run is one attempt at one plan.
type run struct {
	w     *Worker
	p     *plan.Plan
	lease *store.Lease
	from  plan.Status
	ws    *sandbox.Workspace

	artifact string
}

func (r *run) hooks() sandbox.Hooks {
	return sandbox.Hooks{
		Log: func(ctx context.Context, lines ...string) error {
			return storeFault("append log", r.w.deps.Store.AppendLog(ctx, r.lease, lines...))
		},
		Cancelled: func(ctx context.Context) (bool, error) {
			yes, err := r.w.deps.Store.CancelRequested(ctx, r.p.ID)
			return yes, storeFault("read cancel flag", err)
		},
	}
}

func (r *run) steps(ctx context.Context) error {
	w, p := r.w, r.p
	hooks := r.hooks()
	if err := hooks.CheckCancelled(ctx); err != nil {
		return err
	}

	ws, err := w.deps.Sandbox.Prepare(ctx, p.ID)
	if err != nil {
		return infra("prepare workspace", err)
	}
	r.ws = ws
	if err := w.deps.Sandbox.Run(ctx, ws, p.Steps, hooks); err != nil {
		return err
	}
	hash, err := w.deps.Sandbox.Commit(ctx, ws, commitMessage(p))
	if err != nil {
		return infra("commit", err)
	}

	if _, err := w.deps.Store.Transition(ctx, store.TransitionRequest{
		PlanID:   p.ID,
		From:     plan.StatusExecuting,
		To:       plan.StatusValidating,
		Actor:    w.id,
		Fence:    r.lease,
		Branch:   ws.Branch,
		LogLines: []string{fmt.Sprintf("all %d steps applied; commit %s", len(p.Steps), short(hash))},
	}); err != nil {
		return infra("enter validation", err)
	}
	r.from = plan.StatusValidating
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusValidating)).Inc()

	outcome, err := w.deps.Validator.Validate(ctx, ws, hooks)
	if err != nil {
		return err
	}

	if err := w.deps.Sandbox.Push(ctx, ws); err != nil {
		return infra("push branch", err)
	}
	artifact := ws.Branch + "@" + short(hash)
	var notes []store.Note
	if w.deps.Publisher != nil {
		link, err := w.deps.Publisher.Publish(ctx, p, ws.Branch, w.cfg.Mainline)
		if err != nil {
			// The branch is pushed; a missing pull request does not undo a
			// validated change.
			w.logger.Warn(ctx, "pull request not opened", zap.Error(err))
		} else {
			artifact = link
			notes = append(notes, store.Note{Reason: plan.NotePublished, Detail: link})
		}
	}

	req := store.TransitionRequest{
		PlanID:            p.ID,
		From:              plan.StatusValidating,
		To:                plan.StatusSucceeded,
		Actor:             w.id,
		Fence:             r.lease,
		Reason:            "validated",
		Artifact:          artifact,
		ValidationSummary: outcome.String(),
		Notes:             notes,
		LogLines:          []string{"succeeded: " + artifact},
	}
	if w.deps.Learner != nil {
		req.Distillation = plan.DistillPending
	}
	if _, err := w.deps.Store.Transition(ctx, req); err != nil {
		return infra("record success", err)
	}
	r.artifact = artifact
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusSucceeded)).Inc()
	metrics.Get().Executions.WithLabelValues(string(plan.StatusSucceeded), "").Inc()
	return nil
}

// succeeded releases the workspace, distills and notifies once the plan is
// recorded as Succeeded. A distillation that does not finish here stays
// pending for the scheduler's retry.
func (r *run) succeeded(ctx context.Context) {
	w, p := r.w, r.p
	r.release(ctx)
	w.logger.Info(ctx, "plan succeeded", zap.String("artifact", r.artifact))

	done, err := w.deps.Store.GetPlan(ctx, p.ID)
	if err != nil {
		w.logger.Error(ctx, "reload succeeded plan", zap.Error(err))
		return
	}
	if w.deps.Learner != nil {
		if err := w.deps.Learner.DistillPlan(ctx, done); err != nil {
			w.logger.Warn(ctx, "distillation deferred", zap.Error(err))
		}
	}
	w.deps.Notifier.Notify(ctx, notify.EventFor(done, plan.StatusSucceeded, w.id, r.artifact))
}

// release removes this attempt's workspace directory, if one was made.
func (r *run) release(ctx context.Context) {
	if r.ws == nil {
		return
	}
	if err := r.w.deps.Sandbox.Release(r.ws); err != nil {
		r.w.logger.Warn(ctx, "workspace not removed", zap.Error(err))
	}
	r.ws = nil
}

// fail moves the plan to Failed with the error's code as reason and
// discards its branch and workspace.
func (r *run) fail(ctx context.Context, cause error) {
	w, p := r.w, r.p
	code := plan.CodeOf(cause)
	if code == plan.CodeInternal {
		code = plan.CodeStepApplication
	}
	line := fmt.Sprintf("failed: %s: %v", code, cause)
	if code == plan.CodeCancelled {
		line = "cancelled by operator request"
	}
	if _, err := w.deps.Store.Transition(ctx, store.TransitionRequest{
		PlanID:   p.ID,
		From:     r.from,
		To:       plan.StatusFailed,
		Actor:    w.id,
		Fence:    r.lease,
		Reason:   string(code),
		Detail:   cause.Error(),
		LogLines: []string{line},
	}); err != nil {
		w.logger.Error(ctx, "failure not recorded", zap.Error(err), zap.NamedError("cause", cause))
		r.release(ctx)
		return
	}
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusFailed)).Inc()
	metrics.Get().Executions.WithLabelValues(string(plan.StatusFailed), string(code)).Inc()
	w.logger.Info(ctx, "plan failed", zap.String("reason", string(code)), zap.Error(cause))
	if err := w.deps.Sandbox.Discard(ctx, p.ID); err != nil {
		w.logger.Warn(ctx, "sandbox not discarded", zap.Error(err))
	}
	w.finished(ctx, p.ID, plan.StatusFailed, string(code))
}

// abandon gives the lease back after an infrastructure failure or on
// shutdown. It runs detached from the worker context, which may be done.
func (r *run) abandon(reason string) bool {
	w := r.w
	ctx := logging.WithWorkerID(logging.WithPlanID(context.Background(), r.p.ID), w.id)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := w.deps.Store.Abandon(ctx, r.lease, w.cfg.MaxRetries, reason)
	r.release(ctx)
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			return true
		}
		w.logger.Error(ctx, "lease not abandoned", zap.String("reason", reason), zap.Error(err))
		return false
	}
	w.logger.Warn(ctx, "plan attempt abandoned", zap.String("reason", reason), zap.String("outcome", out.String()))
	if out == store.OutcomeFailed {
		metrics.Get().Executions.WithLabelValues(string(plan.StatusFailed), string(plan.CodeMaxRetriesExceeded)).Inc()
		if err := w.deps.Sandbox.Discard(ctx, r.p.ID); err != nil {
			w.logger.Warn(ctx, "sandbox not discarded", zap.Error(err))
		}
		w.finished(ctx, r.p.ID, plan.StatusFailed, string(plan.CodeMaxRetriesExceeded))
	}
	return true
}

func (w *Worker) finished(ctx context.Context, planID string, status plan.Status, reason string) {
	p, err := w.deps.Store.GetPlan(ctx, planID)
	if err != nil {
		w.logger.Warn(ctx, "load plan for notification", zap.Error(err))
		return
	}
	w.deps.Notifier.Notify(ctx, notify.EventFor(p, status, w.id, reason))
}

func commitMessage(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fixplan: %s\n\nPlan: %s\n", p.Title, p.ID)
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "Step %d: %s\n", i+1, s.Summary())
	}
	return b.String()
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// IDs returns n lease owner names unique to this host and process.
func IDs(prefix string, n int) []string {
	if prefix == "" {
		prefix = "worker"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	host, _, _ = strings.Cut(host, ".")
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%s-%d-%d", prefix, host, os.Getpid(), i+1)
	}
	return ids
}
