// Package engine ties the plan store, the analyzer, the review gate and the
// knowledge distiller together. It owns everything that happens to a plan
// outside a worker's lease: submission, analysis, review, cancellation and
// the periodic sweeps that recover work lost to crashes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/fixplan/internal/analyzer"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/review"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Actors the engine records for automatic changes.
const (
	ActorAnalyzer  = "analyzer"
	ActorScheduler = "scheduler"
	ActorDistiller = "distiller"
	ActorAnonymous = "anonymous"
)

// Store is the part of the plan store the engine drives.
type Store interface {
	review.Store
	CreatePlan(ctx context.Context, p *plan.Plan, actor string, submit bool) error
	UpdateDraft(ctx context.Context, p *plan.Plan) error
	Audit(ctx context.Context, planID string) ([]plan.AuditEntry, error)
	VerifyChain(ctx context.Context, planID string) error
	AddNote(ctx context.Context, planID, actor, reason, detail string) (*plan.AuditEntry, error)
	RequestCancel(ctx context.Context, planID, actor, reason string) (*plan.AuditEntry, error)
	StaleInStatus(ctx context.Context, status plan.Status, before time.Time, limit int) ([]string, error)
	CountByStatus(ctx context.Context) (map[plan.Status]int, error)
	ExpiredLeases(ctx context.Context) ([]string, error)
	ExpireLease(ctx context.Context, planID string, maxRetries int, actor string) (store.Outcome, error)
	PendingDistillations(ctx context.Context, limit int) ([]string, error)
	SetDistillation(ctx context.Context, planID string, state plan.DistillState, actor, detail string) error
}

// Analyzer reviews a plan before a human sees it.
type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Input) (plan.Feedback, error)
}

// Distiller records what a succeeded plan taught us.
type Distiller interface {
	Distill(ctx context.Context, p *plan.Plan) (*knowledge.Entry, bool, error)
	Search(ctx context.Context, query string, k int) ([]knowledge.Match, error)
}

// Options tunes the engine. Zero values take defaults.
type Options struct {
	MaxRetries      int
	StaleAfter      time.Duration
	SweepBatch      int
	ChainCheckBatch int
	AnalysisBacklog int
	// Kick wakes the outbox dispatcher after a plan is (re)queued.
	Kick func()
	Now  func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 50
	}
	if o.ChainCheckBatch <= 0 {
		o.ChainCheckBatch = 200
	}
	if o.AnalysisBacklog <= 0 {
		o.AnalysisBacklog = 256
	}
	if o.Kick == nil {
		o.Kick = func() {}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine runs the plan lifecycle up to the execution queue.
type Engine struct {
	store     Store
	analyzer  Analyzer
	distiller Distiller
	notifier  notify.Notifier
	gate      *review.Gate
	opts      Options
	logger    *logging.Logger

	analysis    chan string
	chainOffset int
}

// New builds an Engine. distiller may be nil when no knowledge store is
// configured; search then returns nothing and distillation is skipped.
func New(s Store, a Analyzer, d Distiller, n notify.Notifier, opts Options, logger *logging.Logger) *Engine {
	opts.defaults()
	if n == nil {
		n = notify.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:     s,
		analyzer:  a,
		distiller: d,
		notifier:  n,
		gate:      review.NewGate(s, n, opts.Kick, logger),
		opts:      opts,
		logger:    logger.Named("engine"),
		analysis:  make(chan string, opts.AnalysisBacklog),
	}
}

// Gate exposes the review gate.
func (e *Engine) Gate() *review.Gate { return e.gate }

// SubmitOptions qualifies a submission.
type SubmitOptions struct {
	// Draft keeps the plan editable instead of sending it to analysis.
	Draft bool
	// Source labels the submission metric: api, mcp, inbox or cli.
	Source string
}

// Submit stores a new plan. Unless it is a draft the plan is validated,
// moved to PendingAIReview and handed to the analysts.
func (e *Engine) Submit(ctx context.Context, sub *plan.Submission, actor string, opts SubmitOptions) (p *plan.Plan, err error) {
	const op = "engine.Submit"
	ctx, span := telemetry.Start(ctx, "engine", "Submit", attribute.Bool("draft", opts.Draft))
	defer func() { telemetry.End(span, err) }()

	if sub == nil {
		return nil, plan.Errorf(plan.CodeValidation, op, "empty submission")
	}
	actor = submitter(actor, sub.Author)
	if !opts.Draft {
		if err := sub.Validate(); err != nil {
			return nil, err
		}
	}
	priority, err := plan.ParsePriority(string(sub.Priority))
	if err != nil {
		return nil, plan.Wrap(plan.CodeValidation, op, err)
	}
	if err := e.checkSupersedes(ctx, sub.Supersedes); err != nil {
		return nil, err
	}

	p = &plan.Plan{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(sub.Title),
		Description: sub.Description,
		Steps:       sub.Steps,
		Priority:    priority,
		Author:      actor,
		Supersedes:  sub.Supersedes,
	}
	ctx = logging.WithPlanID(ctx, p.ID)
	if err := e.store.CreatePlan(ctx, p, actor, !opts.Draft); err != nil {
		return nil, fmt.Errorf("store plan: %w", err)
	}

	source := opts.Source
	if source == "" {
		source = "api"
	}
	metrics.Get().Submitted.WithLabelValues(source).Inc()
	e.logger.Info(ctx, "plan submitted",
		zap.String("status", string(p.Status)), zap.Int("steps", len(p.Steps)), zap.String("source", source))

	if !opts.Draft {
		e.scheduleAnalysis(ctx, p.ID)
	}
	return p, nil
}

func submitter(actor, author string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	if a := strings.TrimSpace(author); a != "" {
		return a
	}
	return ActorAnonymous
}

// checkSupersedes requires a referenced plan to exist and be finished.
func (e *Engine) checkSupersedes(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	old, err := e.store.GetPlan(ctx, id)
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			return plan.Errorf(plan.CodeValidation, "engine.Submit", "superseded plan %s does not exist", id)
		}
		return err
	}
	if !old.Status.Terminal() {
		return plan.Errorf(plan.CodeValidation, "engine.Submit",
			"superseded plan %s is %s; only finished plans can be superseded", id, old.Status)
	}
	return nil
}

// UpdateDraft replaces the content of a Draft plan.
func (e *Engine) UpdateDraft(ctx context.Context, id string, sub *plan.Submission, actor string) (*plan.Plan, error) {
	const op = "engine.UpdateDraft"
	if sub == nil {
		return nil, plan.Errorf(plan.CodeValidation, op, "empty submission")
	}
	priority, err := plan.ParsePriority(string(sub.Priority))
	if err != nil {
		return nil, plan.Wrap(plan.CodeValidation, op, err)
	}
	if err := e.checkSupersedes(ctx, sub.Supersedes); err != nil {
		return nil, err
	}
	p := &plan.Plan{
		ID:          id,
		Title:       strings.TrimSpace(sub.Title),
		Description: sub.Description,
		Steps:       sub.Steps,
		Priority:    priority,
		Supersedes:  sub.Supersedes,
	}
	if err := e.store.UpdateDraft(ctx, p); err != nil {
		return nil, err
	}
	e.logger.Info(logging.WithActor(logging.WithPlanID(ctx, id), actor), "draft updated")
	return e.store.GetPlan(ctx, id)
}

// SubmitDraft validates a Draft plan and sends it to analysis.
func (e *Engine) SubmitDraft(ctx context.Context, id, actor string) (*plan.Plan, error) {
	ctx = logging.WithPlanID(ctx, id)
	p, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == plan.StatusDraft {
		sub := plan.Submission{Title: p.Title, Description: p.Description, Steps: p.Steps, Priority: p.Priority}
		if err := sub.Validate(); err != nil {
			return nil, err
		}
	}
	if _, err := e.store.Transition(ctx, store.TransitionRequest{
		PlanID: id,
		From:   plan.StatusDraft,
		To:     plan.StatusPendingAIReview,
		Actor:  submitter(actor, p.Author),
	}); err != nil {
		return nil, err
	}
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusPendingAIReview)).Inc()
	e.scheduleAnalysis(ctx, id)
	return e.store.GetPlan(ctx, id)
}

// Get returns a plan with its execution log.
func (e *Engine) Get(ctx context.Context, id string) (*plan.Plan, error) {
	return e.store.GetPlan(ctx, id)
}

// List returns plans oldest first.
func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx, f)
}

// Stats counts plans by lifecycle status.
type Stats struct {
	Counts map[plan.Status]int `json:"counts"`
	Total  int                 `json:"total"`
	At     time.Time           `json:"at"`
}

// Stats returns a point-in-time count of plans per status.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Counts: counts, At: e.opts.Now()}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// AuditTrail is a plan's audit log with the result of verifying its chain.
type AuditTrail struct {
	Entries  []plan.AuditEntry `json:"entries"`
	Verified bool              `json:"verified"`
	Problem  string            `json:"problem,omitempty"`
}

// Audit returns the audit entries of a plan and checks their hash chain.
func (e *Engine) Audit(ctx context.Context, id string) (*AuditTrail, error) {
	entries, err := e.store.Audit(ctx, id)
	if err != nil {
		return nil, err
	}
	trail := &AuditTrail{Entries: entries, Verified: true}
	if err := e.store.VerifyChain(ctx, id); err != nil {
		if !errors.Is(err, store.ErrChainBroken) {
			return nil, err
		}
		trail.Verified = false
		trail.Problem = err.Error()
	}
	return trail, nil
}

// Decide applies a reviewer's decision. See review.Gate.Decide.
func (e *Engine) Decide(ctx context.Context, id string, d review.Decision, actor, justification string) (*review.Result, error) {
	return e.gate.Decide(ctx, id, d, actor, justification)
}

// Pending lists plans awaiting review, oldest first.
func (e *Engine) Pending(ctx context.Context, limit int) ([]*plan.Plan, error) {
	return e.gate.Pending(ctx, limit)
}

// Cancel asks for a plan to be stopped. Workers notice between steps and
// validation phases; a plan not yet claimed fails as soon as it is.
func (e *Engine) Cancel(ctx context.Context, id, actor, reason string) (*plan.Plan, error) {
	const op = "engine.Cancel"
	ctx = logging.WithActor(logging.WithPlanID(ctx, id), actor)
	if strings.TrimSpace(actor) == "" {
		return nil, plan.Errorf(plan.CodeUnauthenticated, op, "an authenticated operator is required")
	}
	entry, err := e.store.RequestCancel(ctx, id, actor, strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}
	if entry != nil {
		e.logger.Info(ctx, "cancellation requested", zap.String("reason", reason))
	}
	return e.store.GetPlan(ctx, id)
}

// Search looks up knowledge entries similar to query.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]knowledge.Match, error) {
	if e.distiller == nil {
		return nil, nil
	}
	return e.distiller.Search(ctx, query, k)
}

// Analyze runs the analyzer on a PendingAIReview plan and hands it to human
// review. An analyzer failure never blocks review: whatever the local checks
// found is stored with a DegradedAnalysis note. Plans no longer awaiting
// analysis are left alone.
func (e *Engine) Analyze(ctx context.Context, id string) (err error) {
	ctx = logging.WithPlanID(ctx, id)
	ctx, span := telemetry.Start(ctx, "engine", "Analyze", attribute.String("plan.id", id))
	defer func() { telemetry.End(span, err) }()

	p, err := e.store.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != plan.StatusPendingAIReview {
		e.logger.Debug(ctx, "analysis skipped", zap.String("status", string(p.Status)))
		return nil
	}

	fb, aerr := e.analyze(ctx, p)
	req := store.TransitionRequest{
		PlanID:   id,
		From:     plan.StatusPendingAIReview,
		To:       plan.StatusPendingHumanReview,
		Actor:    ActorAnalyzer,
		Feedback: &fb,
	}
	if aerr != nil {
		e.logger.Warn(ctx, "analysis degraded", zap.Error(aerr))
		req.Notes = []store.Note{{Reason: plan.NoteDegradedAnalysis, Detail: aerr.Error()}}
	}
	if _, err := e.store.Transition(ctx, req); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return nil
		}
		return fmt.Errorf("record analysis: %w", err)
	}
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusPendingHumanReview)).Inc()
	e.logger.Info(ctx, "plan awaiting review",
		zap.Int("risks", len(fb.Risks)), zap.Int("suggestions", len(fb.Suggestions)), zap.Bool("degraded", aerr != nil))

	p.Status = plan.StatusPendingHumanReview
	p.Feedback = &fb
	e.notifier.Notify(ctx, notify.EventFor(p, plan.StatusPendingHumanReview, ActorAnalyzer, ""))
	return nil
}

func (e *Engine) analyze(ctx context.Context, p *plan.Plan) (plan.Feedback, error) {
	if e.analyzer == nil {
		return plan.Feedback{}, plan.Errorf(plan.CodeAnalysisUnavailable, "engine.Analyze", "no analyzer configured")
	}
	return e.analyzer.Analyze(ctx, analyzer.InputFromPlan(p))
}

// scheduleAnalysis hands id to the analysts without blocking. A full
// backlog leaves the plan to the stale-analysis sweep.
func (e *Engine) scheduleAnalysis(ctx context.Context, id string) {
	select {
	case e.analysis <- id:
	default:
		e.logger.Warn(ctx, "analysis backlog full; deferring to sweep")
	}
}

// RunAnalysts consumes scheduled analyses with n goroutines until ctx ends.
func (e *Engine) RunAnalysts(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-e.analysis:
					if err := e.Analyze(ctx, id); err != nil && ctx.Err() == nil {
						e.logger.Error(logging.WithPlanID(ctx, id), "analysis failed", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// SweepStaleAnalysis analyzes plans that have waited in PendingAIReview
// longer than StaleAfter, typically because the process restarted.
func (e *Engine) SweepStaleAnalysis(ctx context.Context) (int, error) {
	ids, err := e.store.StaleInStatus(ctx, plan.StatusPendingAIReview, e.opts.Now().Add(-e.opts.StaleAfter), e.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := e.Analyze(ctx, id); err != nil {
			e.logger.Error(logging.WithPlanID(ctx, id), "stale analysis failed", zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// SweepApproved queues Approved plans whose enqueue did not happen.
func (e *Engine) SweepApproved(ctx context.Context) (int, error) {
	ids, err := e.store.StaleInStatus(ctx, plan.StatusApproved, e.opts.Now(), e.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if _, err := e.gate.Enqueue(ctx, id, ActorScheduler); err != nil {
			e.logger.Warn(logging.WithPlanID(ctx, id), "approved plan still not queued", zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// SweepLeases expires lapsed worker leases. Each plan is requeued for
// another attempt or, past MaxRetries, failed.
func (e *Engine) SweepLeases(ctx context.Context) (int, error) {
	ids, err := e.store.ExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	requeued := false
	for _, id := range ids {
		pctx := logging.WithPlanID(ctx, id)
		out, err := e.store.ExpireLease(ctx, id, e.opts.MaxRetries, ActorScheduler)
		if err != nil {
			e.logger.Error(pctx, "lease expiry failed", zap.Error(err))
			continue
		}
		if out == store.OutcomeNoop {
			continue
		}
		n++
		metrics.Get().LeaseExpiries.WithLabelValues(out.String()).Inc()
		e.logger.Warn(pctx, "worker lease expired", zap.String("outcome", out.String()))
		switch out {
		case store.OutcomeRequeued:
			requeued = true
		case store.OutcomeFailed:
			metrics.Get().Executions.WithLabelValues(string(plan.StatusFailed), string(plan.CodeMaxRetriesExceeded)).Inc()
			if p, err := e.store.GetPlan(ctx, id); err == nil {
				e.notifier.Notify(pctx, notify.EventFor(p, plan.StatusFailed, ActorScheduler, string(plan.CodeMaxRetriesExceeded)))
			}
		}
	}
	if requeued {
		e.opts.Kick()
	}
	return n, nil
}

// DistillPlan stores the knowledge entry of a succeeded plan and records
// the result. A failure leaves the plan marked pending for
// RetryDistillations and is returned as DistillationPending.
func (e *Engine) DistillPlan(ctx context.Context, p *plan.Plan) error {
	ctx = logging.WithPlanID(ctx, p.ID)
	if e.distiller == nil {
		return nil
	}
	entry, _, err := e.distiller.Distill(ctx, p)
	if err != nil {
		if serr := e.store.SetDistillation(ctx, p.ID, plan.DistillPending, ActorDistiller, err.Error()); serr != nil {
			e.logger.Error(ctx, "distillation state not recorded", zap.Error(serr))
		}
		return plan.Wrap(plan.CodeDistillationPending, "engine.DistillPlan", err)
	}
	if err := e.store.SetDistillation(ctx, p.ID, plan.DistillDone, ActorDistiller, entry.ID); err != nil {
		return fmt.Errorf("record distillation: %w", err)
	}
	return nil
}

// RetryDistillations retries plans whose distillation failed earlier. The
// plans are not executed again.
func (e *Engine) RetryDistillations(ctx context.Context) (int, error) {
	if e.distiller == nil {
		return 0, nil
	}
	ids, err := e.store.PendingDistillations(ctx, e.opts.SweepBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		pctx := logging.WithPlanID(ctx, id)
		p, err := e.store.GetPlan(ctx, id)
		if err != nil {
			e.logger.Error(pctx, "load plan for distillation", zap.Error(err))
			continue
		}
		if err := e.DistillPlan(ctx, p); err != nil {
			e.logger.Warn(pctx, "distillation still pending", zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// VerifyChains checks the audit chains of the next ChainCheckBatch plans,
// wrapping around after the newest. It returns the ids of broken chains.
func (e *Engine) VerifyChains(ctx context.Context) ([]string, error) {
	plans, err := e.store.ListPlans(ctx, store.ListFilter{Limit: e.opts.ChainCheckBatch, Offset: e.chainOffset})
	if err != nil {
		return nil, err
	}
	if len(plans) < e.opts.ChainCheckBatch {
		e.chainOffset = 0
	} else {
		e.chainOffset += len(plans)
	}
	var broken []string
	for _, p := range plans {
		if err := e.store.VerifyChain(ctx, p.ID); err != nil {
			e.logger.Error(logging.WithPlanID(ctx, p.ID), "audit chain verification failed", zap.Error(err))
			broken = append(broken, p.ID)
		}
	}
	return broken, nil
}
