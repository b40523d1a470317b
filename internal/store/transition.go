package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Note is an audit annotation written alongside a transition.
type Note struct {
	Reason string
	Detail string
}

// TransitionRequest describes one status change and the side effects that
// must commit with it.
type TransitionRequest struct {
	PlanID string
	From   plan.Status
	To     plan.Status
	Actor  string
	Reason string
	Detail string

	// Feedback is required when entering PendingHumanReview.
	Feedback *plan.Feedback
	// Notes are appended after the transition entry.
	Notes []Note
	// LogLines are appended to the execution log.
	LogLines []string
	// Fence, when set, requires the caller to still hold this lease.
	Fence *Lease
	// ClearLease drops the lease. Terminal transitions always drop it.
	ClearLease bool
	// Enqueue writes an outbox row for the dispatcher.
	Enqueue *OutboxItem

	// Distillation sets the knowledge distillation state in the same
	// transaction, so a crash after Succeeded still leaves a retryable row.
	Distillation plan.DistillState

	Branch            string
	Artifact          string
	ValidationSummary string
}

// planState is the subset of a plan row transitions reason about.
type planState struct {
	status    plan.Status
	priority  plan.Priority
	owner     string
	epoch     int64
	expiresAt int64
	retries   int
	cancel    bool
}

func loadState(ctx context.Context, tx *sql.Tx, id string) (*planState, error) {
	var (
		st               planState
		status, priority string
		cancel           int
	)
	err := tx.QueryRowContext(ctx, `SELECT status, priority, lease_owner, lease_epoch, lease_expires_at, retries, cancel_requested
FROM plans WHERE plan_id = ?`, id).Scan(&status, &priority, &st.owner, &st.epoch, &st.expiresAt, &st.retries, &cancel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("load plan state: %w", err)
	}
	st.status = plan.Status(status)
	st.priority = plan.Priority(priority)
	st.cancel = cancel != 0
	return &st, nil
}

func statusConflict(op, id string, have, want plan.Status) error {
	return &plan.Error{Code: plan.CodeConflict, Op: op, Err: ErrStatusConflict,
		Message: fmt.Sprintf("plan %s is %s, expected %s", id, have, want)}
}

func checkFenceState(st *planState, lease *Lease) error {
	if st.owner != lease.Owner || st.epoch != lease.Epoch {
		return &plan.Error{Code: plan.CodeConflict, Op: "fence", Err: ErrLeaseLost,
			Message: fmt.Sprintf("plan %s lease (owner %q epoch %d) superseded", lease.PlanID, lease.Owner, lease.Epoch)}
	}
	return nil
}

func checkFence(ctx context.Context, tx *sql.Tx, lease *Lease) error {
	st, err := loadState(ctx, tx, lease.PlanID)
	if err != nil {
		return err
	}
	return checkFenceState(st, lease)
}

// Transition applies req atomically. It fails with a Conflict wrapping
// ErrStatusConflict when the plan is not in req.From, and with ErrLeaseLost
// when req.Fence no longer owns the plan.
//
// Replaying a transition that already happened (the plan is in req.To and
// the matching entry exists) returns the recorded entry and changes nothing,
// so redelivered work can re-issue its transitions safely.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (*plan.AuditEntry, error) {
	if req.Actor == "" {
		return nil, plan.Errorf(plan.CodeValidation, "transition", "actor is required")
	}
	if req.To == plan.StatusExecuting {
		return nil, plan.Errorf(plan.CodeConflict, "transition", "Executing is entered by claiming a lease")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if req.Fence != nil {
		if err := checkFenceState(st, req.Fence); err != nil {
			return nil, err
		}
	}
	if st.status == req.To {
		e, err := transitionEntry(ctx, tx, req.PlanID, req.To)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read transition entry: %w", err)
		}
	}
	if st.status != req.From {
		return nil, statusConflict("transition", req.PlanID, st.status, req.From)
	}
	if err := plan.CheckTransition(req.From, req.To); err != nil {
		return nil, err
	}
	if req.To == plan.StatusPendingHumanReview && req.Feedback == nil {
		return nil, plan.Errorf(plan.CodeValidation, "transition", "feedback is required to enter %s", req.To)
	}

	now := s.now()
	entry, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: req.PlanID, Kind: plan.EntryTransition, From: req.From, To: req.To,
		Actor: req.Actor, Reason: req.Reason, Detail: req.Detail, At: now,
	})
	if err != nil {
		return nil, err
	}
	for _, n := range req.Notes {
		if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
			PlanID: req.PlanID, Kind: plan.EntryNote, From: req.To, To: req.To,
			Actor: req.Actor, Reason: n.Reason, Detail: n.Detail, At: now,
		}); err != nil {
			return nil, err
		}
	}
	if err := insertLog(ctx, tx, req.PlanID, now, req.LogLines...); err != nil {
		return nil, err
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(req.To), now.UnixNano()}
	if req.Feedback != nil {
		fb, err := json.Marshal(normalizeFeedback(*req.Feedback))
		if err != nil {
			return nil, fmt.Errorf("encode feedback: %w", err)
		}
		sets = append(sets, "feedback_json = ?")
		args = append(args, string(fb))
	}
	if req.Branch != "" {
		sets = append(sets, "branch = ?")
		args = append(args, req.Branch)
	}
	if req.Artifact != "" {
		sets = append(sets, "artifact = ?")
		args = append(args, req.Artifact)
	}
	if req.ValidationSummary != "" {
		sets = append(sets, "validation_summary = ?")
		args = append(args, req.ValidationSummary)
	}
	if req.Distillation != plan.DistillNone {
		sets = append(sets, "distillation = ?")
		args = append(args, string(req.Distillation))
	}
	if req.To == plan.StatusFailed {
		sets = append(sets, "failure_reason = ?")
		args = append(args, req.Reason)
	}
	if req.ClearLease || req.To.Terminal() {
		sets = append(sets, "lease_owner = ''", "lease_expires_at = 0")
	}
	args = append(args, req.PlanID)
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET `+strings.Join(sets, ", ")+` WHERE plan_id = ?`, args...); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}

	if req.Enqueue != nil {
		item := *req.Enqueue
		item.PlanID = req.PlanID
		if item.Priority == "" {
			item.Priority = st.priority
		}
		if err := insertOutbox(ctx, tx, item, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

func normalizeFeedback(f plan.Feedback) plan.Feedback {
	if f.Risks == nil {
		f.Risks = []string{}
	}
	if f.Suggestions == nil {
		f.Suggestions = []string{}
	}
	return f
}

// AddNote appends a note entry stamped with the plan's current status.
func (s *Store) AddNote(ctx context.Context, planID, actor, reason, detail string) (*plan.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	e, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: planID, Kind: plan.EntryNote, From: st.status, To: st.status,
		Actor: actor, Reason: reason, Detail: detail, At: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// RequestCancel flags a plan for cooperative cancellation. Repeated requests
// are no-ops and return a nil entry.
func (s *Store) RequestCancel(ctx context.Context, planID, actor, reason string) (*plan.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if !st.status.Cancellable() {
		return nil, plan.Errorf(plan.CodeNotCancellable, "cancel", "plan %s is %s", planID, st.status)
	}
	if st.cancel {
		return nil, nil
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET cancel_requested = 1, updated_at = ? WHERE plan_id = ?`,
		now.UnixNano(), planID); err != nil {
		return nil, fmt.Errorf("flag cancel: %w", err)
	}
	e, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: planID, Kind: plan.EntryNote, From: st.status, To: st.status,
		Actor: actor, Reason: plan.NoteCancelRequested, Detail: reason, At: now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// CancelRequested reports whether cancellation has been requested.
func (s *Store) CancelRequested(ctx context.Context, planID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM plans WHERE plan_id = ?`, planID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, notFound(planID)
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// SetDistillation records the knowledge distillation state of a succeeded
// plan with a matching note.
func (s *Store) SetDistillation(ctx context.Context, planID string, state plan.DistillState, actor, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, planID)
	if err != nil {
		return err
	}
	if st.status != plan.StatusSucceeded {
		return statusConflict("distillation", planID, st.status, plan.StatusSucceeded)
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET distillation = ?, updated_at = ? WHERE plan_id = ?`,
		string(state), now.UnixNano(), planID); err != nil {
		return fmt.Errorf("update distillation: %w", err)
	}
	reason := plan.NoteDistilled
	if state == plan.DistillPending {
		reason = plan.NoteDistillationPending
	}
	if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: planID, Kind: plan.EntryNote, From: st.status, To: st.status,
		Actor: actor, Reason: reason, Detail: detail, At: now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// PendingDistillations returns succeeded plans whose distillation must be
// retried.
func (s *Store) PendingDistillations(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id FROM plans WHERE status = ? AND distillation = ? ORDER BY updated_at LIMIT ?`,
		string(plan.StatusSucceeded), string(plan.DistillPending), limit)
	if err != nil {
		return nil, fmt.Errorf("pending distillations: %w", err)
	}
	return collectIDs(rows)
}

// unixNano converts a stored timestamp. Zero stays the zero time.
func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
