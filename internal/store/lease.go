package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Lease grants one worker exclusive ownership of a plan until ExpiresAt.
// Epoch increases on every claim so a worker whose lease was taken over can
// never write again, even if it still believes it holds the plan.
type Lease struct {
	PlanID    string
	Owner     string
	Epoch     int64
	ExpiresAt time.Time
}

// Outcome reports what happened to a plan whose lease was given up.
type Outcome int

const (
	// OutcomeNoop means there was no expired lease to act on.
	OutcomeNoop Outcome = iota
	// OutcomeRequeued means the plan was handed back to the queue.
	OutcomeRequeued
	// OutcomeFailed means the retry budget ran out and the plan failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRequeued:
		return "requeued"
	case OutcomeFailed:
		return "failed"
	}
	return "noop"
}

// Claim takes the lease on a plan for owner.
//
// A Queued plan moves to Executing and receives its first log line in the
// same transaction. An Executing or Validating plan whose lease was released
// (after expiry or abandonment) is resumed without a status change. A plan
// with a lease still recorded yields ErrLeaseHeld; any other status yields
// ErrNotClaimable.
func (s *Store) Claim(ctx context.Context, planID, owner string, ttl time.Duration) (*Lease, error) {
	if owner == "" {
		return nil, plan.Errorf(plan.CodeValidation, "claim", "owner is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	lease := &Lease{PlanID: planID, Owner: owner, Epoch: st.epoch + 1, ExpiresAt: now.Add(ttl)}
	attempt := st.retries + 1

	switch st.status {
	case plan.StatusQueued:
		if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
			PlanID: planID, Kind: plan.EntryTransition, From: plan.StatusQueued, To: plan.StatusExecuting,
			Actor: owner, Detail: fmt.Sprintf("lease epoch %d", lease.Epoch), At: now,
		}); err != nil {
			return nil, err
		}
		if err := insertLog(ctx, tx, planID, now, fmt.Sprintf("claimed by %s (attempt %d)", owner, attempt)); err != nil {
			return nil, err
		}
	case plan.StatusExecuting, plan.StatusValidating:
		if st.owner != "" {
			return nil, &plan.Error{Code: plan.CodeConflict, Op: "claim", Err: ErrLeaseHeld,
				Message: fmt.Sprintf("plan %s leased by %s until %s", planID, st.owner, unixNano(st.expiresAt).Format(time.RFC3339))}
		}
		if err := insertLog(ctx, tx, planID, now, fmt.Sprintf("resumed by %s (attempt %d)", owner, attempt)); err != nil {
			return nil, err
		}
	default:
		return nil, &plan.Error{Code: plan.CodeConflict, Op: "claim", Err: ErrNotClaimable,
			Message: fmt.Sprintf("plan %s is %s", planID, st.status)}
	}

	const q = `UPDATE plans SET status = ?, lease_owner = ?, lease_epoch = ?, lease_expires_at = ?, updated_at = ?
WHERE plan_id = ?`
	status := st.status
	if status == plan.StatusQueued {
		status = plan.StatusExecuting
	}
	if _, err := tx.ExecContext(ctx, q, string(status), owner, lease.Epoch, lease.ExpiresAt.UnixNano(),
		now.UnixNano(), planID); err != nil {
		return nil, fmt.Errorf("take lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return lease, nil
}

// Renew extends lease by ttl from now.
func (s *Store) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	exp := s.now().Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET lease_expires_at = ? WHERE plan_id = ? AND lease_owner = ? AND lease_epoch = ?`,
		exp.UnixNano(), lease.PlanID, lease.Owner, lease.Epoch)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return &plan.Error{Code: plan.CodeConflict, Op: "renew", Err: ErrLeaseLost,
			Message: fmt.Sprintf("plan %s no longer leased by %s", lease.PlanID, lease.Owner)}
	}
	lease.ExpiresAt = exp
	return nil
}

// ExpiredLeases lists Executing or Validating plans whose lease has lapsed.
func (s *Store) ExpiredLeases(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id FROM plans
WHERE status IN (?, ?) AND lease_owner != '' AND lease_expires_at <= ? ORDER BY lease_expires_at`,
		string(plan.StatusExecuting), string(plan.StatusValidating), s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("expired leases: %w", err)
	}
	return collectIDs(rows)
}

// ExpireLease gives up a lapsed lease on behalf of a dead worker. The plan
// keeps its status; a Retried note is written, the retry counter increases
// and an outbox row requeues it. Once retries exceed maxRetries the plan
// fails with MaxRetriesExceeded instead. A live or absent lease is a no-op.
func (s *Store) ExpireLease(ctx context.Context, planID string, maxRetries int, actor string) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, planID)
	if err != nil {
		return OutcomeNoop, err
	}
	now := s.now()
	if (st.status != plan.StatusExecuting && st.status != plan.StatusValidating) ||
		st.owner == "" || st.expiresAt > now.UnixNano() {
		return OutcomeNoop, nil
	}
	reason := fmt.Sprintf("lease held by %s expired", st.owner)
	out, err := s.requeue(ctx, tx, planID, st, actor, reason, maxRetries, now)
	if err != nil {
		return OutcomeNoop, err
	}
	return out, tx.Commit()
}

// Abandon gives up a lease its holder can no longer honour, for example on
// shutdown or an infrastructure failure. It follows the same retry policy as
// ExpireLease.
func (s *Store) Abandon(ctx context.Context, lease *Lease, maxRetries int, reason string) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err := loadState(ctx, tx, lease.PlanID)
	if err != nil {
		return OutcomeNoop, err
	}
	if err := checkFenceState(st, lease); err != nil {
		return OutcomeNoop, err
	}
	out, err := s.requeue(ctx, tx, lease.PlanID, st, lease.Owner, reason, maxRetries, s.now())
	if err != nil {
		return OutcomeNoop, err
	}
	return out, tx.Commit()
}

func (s *Store) requeue(ctx context.Context, tx *sql.Tx, planID string, st *planState, actor, reason string, maxRetries int, now time.Time) (Outcome, error) {
	retries := st.retries + 1
	if retries > maxRetries {
		if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
			PlanID: planID, Kind: plan.EntryTransition, From: st.status, To: plan.StatusFailed,
			Actor: actor, Reason: string(plan.CodeMaxRetriesExceeded),
			Detail: fmt.Sprintf("%s after %d attempts", reason, retries), At: now,
		}); err != nil {
			return OutcomeNoop, err
		}
		if err := insertLog(ctx, tx, planID, now,
			fmt.Sprintf("giving up: %s; %d attempts exhausted", reason, retries)); err != nil {
			return OutcomeNoop, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, retries = ?, failure_reason = ?,
lease_owner = '', lease_expires_at = 0, updated_at = ? WHERE plan_id = ?`,
			string(plan.StatusFailed), retries, string(plan.CodeMaxRetriesExceeded), now.UnixNano(), planID); err != nil {
			return OutcomeNoop, fmt.Errorf("fail plan: %w", err)
		}
		return OutcomeFailed, nil
	}

	if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: planID, Kind: plan.EntryNote, From: st.status, To: st.status,
		Actor: actor, Reason: plan.NoteRetried,
		Detail: fmt.Sprintf("%s; retry %d of %d", reason, retries, maxRetries), At: now,
	}); err != nil {
		return OutcomeNoop, err
	}
	if err := insertLog(ctx, tx, planID, now, fmt.Sprintf("requeued: %s (retry %d)", reason, retries)); err != nil {
		return OutcomeNoop, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE plans SET retries = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?
WHERE plan_id = ?`, retries, now.UnixNano(), planID); err != nil {
		return OutcomeNoop, fmt.Errorf("release lease: %w", err)
	}
	item := OutboxItem{PlanID: planID, Priority: st.priority, MsgID: RetryMsgID(planID, retries)}
	if err := insertOutbox(ctx, tx, item, now); err != nil {
		return OutcomeNoop, err
	}
	return OutcomeRequeued, nil
}
