// Package review is the human checkpoint between analysis and execution.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/notify"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/store"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// Decision is a reviewer's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision accepts approve/approved and reject/rejected in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return Approve, nil
	case "reject", "rejected":
		return Reject, nil
	}
	return "", plan.Errorf(plan.CodeValidation, "review.ParseDecision", "unknown decision %q", s)
}

// Store is the part of the plan store the gate uses.
type Store interface {
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
	ListPlans(ctx context.Context, f store.ListFilter) ([]*plan.Plan, error)
	Transition(ctx context.Context, req store.TransitionRequest) (*plan.AuditEntry, error)
}

// Gate applies review decisions.
type Gate struct {
	store    Store
	notifier notify.Notifier
	kick     func()
	logger   *logging.Logger
}

// NewGate builds a Gate. kick, when non-nil, is called after a plan is
// queued so the dispatcher publishes without waiting for its next sweep.
func NewGate(s Store, n notify.Notifier, kick func(), logger *logging.Logger) *Gate {
	if n == nil {
		n = notify.Nop{}
	}
	if kick == nil {
		kick = func() {}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{store: s, notifier: n, kick: kick, logger: logger.Named("review")}
}

// Result reports the outcome of a decision.
type Result struct {
	Plan   *plan.Plan       `json:"plan"`
	Status plan.Status      `json:"status"`
	Entry  *plan.AuditEntry `json:"entry"`
}

// Decide records actor's decision on a plan awaiting human review.
//
// Approval moves the plan to Approved and then straight to Queued with an
// outbox row. Rejection requires a justification and notifies.
func (g *Gate) Decide(ctx context.Context, planID string, d Decision, actor, justification string) (res *Result, err error) {
	const op = "review.Decide"
	ctx = logging.WithActor(logging.WithPlanID(ctx, planID), actor)
	ctx, span := telemetry.Start(ctx, "review", "Decide",
		attribute.String("plan.id", planID), attribute.String("decision", string(d)))
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(actor) == "" {
		return nil, plan.Errorf(plan.CodeUnauthenticated, op, "an authenticated reviewer is required")
	}
	if d != Approve && d != Reject {
		return nil, plan.Errorf(plan.CodeValidation, op, "unknown decision %q", d)
	}
	justification = strings.TrimSpace(justification)

	p, err := g.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusPendingHumanReview {
		return nil, notPending(op, p)
	}
	if d == Reject && justification == "" {
		return nil, plan.Errorf(plan.CodeMissingJustification, op, "rejecting plan %s requires a justification", planID)
	}

	to := plan.StatusApproved
	if d == Reject {
		to = plan.StatusRejected
	}
	entry, err := g.store.Transition(ctx, store.TransitionRequest{
		PlanID: planID,
		From:   plan.StatusPendingHumanReview,
		To:     to,
		Actor:  actor,
		Reason: string(d),
		Detail: justification,
	})
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// Another reviewer got there first.
			return nil, &plan.Error{Code: plan.CodeNotPending, Op: op, Err: err}
		}
		return nil, err
	}
	metrics.Get().Transitions.WithLabelValues(string(to)).Inc()
	g.logger.Info(ctx, "review decision recorded", zap.String("decision", string(d)))

	if d == Reject {
		p.Status = plan.StatusRejected
		g.notifier.Notify(ctx, notify.EventFor(p, plan.StatusRejected, actor, justification))
		return &Result{Plan: p, Status: plan.StatusRejected, Entry: entry}, nil
	}

	status := plan.StatusApproved
	if _, err := g.Enqueue(ctx, planID, actor); err != nil {
		// The approval stands; the stale sweep queues it later.
		g.logger.Warn(ctx, "approved plan not queued", zap.Error(err))
	} else {
		status = plan.StatusQueued
	}
	p.Status = status
	return &Result{Plan: p, Status: status, Entry: entry}, nil
}

// Enqueue moves an Approved plan to Queued with an outbox row and wakes the
// dispatcher. It is idempotent for plans already queued.
func (g *Gate) Enqueue(ctx context.Context, planID, actor string) (*plan.AuditEntry, error) {
	entry, err := g.store.Transition(ctx, store.TransitionRequest{
		PlanID:  planID,
		From:    plan.StatusApproved,
		To:      plan.StatusQueued,
		Actor:   actor,
		Enqueue: &store.OutboxItem{MsgID: store.QueuedMsgID(planID)},
	})
	if err != nil {
		return nil, fmt.Errorf("queue plan %s: %w", planID, err)
	}
	metrics.Get().Transitions.WithLabelValues(string(plan.StatusQueued)).Inc()
	g.kick()
	return entry, nil
}

// Pending lists plans awaiting a human decision, oldest first.
func (g *Gate) Pending(ctx context.Context, limit int) ([]*plan.Plan, error) {
	return g.store.ListPlans(ctx, store.ListFilter{Status: plan.StatusPendingHumanReview, Limit: limit})
}

func notPending(op string, p *plan.Plan) error {
	return plan.Errorf(plan.CodeNotPending, op, "plan %s is %s, not %s", p.ID, p.Status, plan.StatusPendingHumanReview)
}
