package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Sentinel errors. Each is wrapped in a coded plan.Error before it reaches
// callers so API layers can map it without knowing about the store.
var (
	ErrStatusConflict = errors.New("plan status conflict")
	ErrLeaseHeld      = errors.New("lease held by another worker")
	ErrLeaseLost      = errors.New("lease lost")
	ErrNotClaimable   = errors.New("plan not claimable")
	ErrChainBroken    = errors.New("audit chain broken")
)

// Store persists plans and everything recorded about them.
//
// All mutations run in a single SQLite transaction so that a status change,
// its audit entry and any side effects (feedback, log lines, queue outbox
// rows, lease changes) commit or roll back together.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database. Use NewDB to open and migrate one.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// SetClock overrides the time source. Tests use it to drive lease expiry.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const planColumns = `plan_id, title, description, steps_json, status, priority, author, supersedes,
	feedback_json, retries, branch, artifact, failure_reason, validation_summary, distillation,
	cancel_requested, lease_owner, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(r rowScanner) (*plan.Plan, error) {
	var (
		p                                 plan.Plan
		stepsJSON                         string
		status, priority, reason, distill string
		feedback                          sql.NullString
		cancel                            int
		leaseExp, created, updated        int64
	)
	err := r.Scan(&p.ID, &p.Title, &p.Description, &stepsJSON, &status, &priority, &p.Author, &p.Supersedes,
		&feedback, &p.Retries, &p.Branch, &p.Artifact, &reason, &p.ValidationSummary, &distill,
		&cancel, &p.LeaseOwner, &leaseExp, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for plan %s: %w", p.ID, err)
	}
	if feedback.Valid {
		p.Feedback = &plan.Feedback{}
		if err := json.Unmarshal([]byte(feedback.String), p.Feedback); err != nil {
			return nil, fmt.Errorf("decode feedback for plan %s: %w", p.ID, err)
		}
	}
	p.Status = plan.Status(status)
	p.Priority = plan.Priority(priority)
	p.FailureReason = plan.Code(reason)
	p.Distillation = plan.DistillState(distill)
	p.CancelRequested = cancel != 0
	if leaseExp > 0 {
		p.LeaseExpiresAt = time.Unix(0, leaseExp).UTC()
	}
	p.CreatedAt = time.Unix(0, created).UTC()
	p.UpdatedAt = time.Unix(0, updated).UTC()
	return &p, nil
}

func notFound(id string) error {
	return plan.Errorf(plan.CodeNotFound, "store", "plan %s not found", id)
}

// CreatePlan inserts p as a Draft and records the creation entry. When
// submit is true the plan moves straight on to PendingAIReview in the same
// transaction. p.ID must be set by the caller.
func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan, actor string, submit bool) error {
	if p.ID == "" {
		return plan.Errorf(plan.CodeValidation, "create plan", "plan id is required")
	}
	if p.Priority == "" {
		p.Priority = plan.PriorityNormal
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO plans (plan_id, title, description, steps_json, status, priority, author, supersedes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, p.ID, p.Title, p.Description, string(steps), string(plan.StatusDraft),
		string(p.Priority), p.Author, p.Supersedes, now.UnixNano(), now.UnixNano()); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
		PlanID: p.ID, Kind: plan.EntryTransition, From: "", To: plan.StatusDraft, Actor: actor, At: now,
	}); err != nil {
		return err
	}
	status := plan.StatusDraft
	if submit {
		if _, err := appendAudit(ctx, tx, &plan.AuditEntry{
			PlanID: p.ID, Kind: plan.EntryTransition, From: plan.StatusDraft, To: plan.StatusPendingAIReview, Actor: actor, At: now,
		}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE plans SET status = ? WHERE plan_id = ?`,
			string(plan.StatusPendingAIReview), p.ID); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		status = plan.StatusPendingAIReview
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	p.Status = status
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// UpdateDraft replaces the author-controlled fields of a Draft plan.
func (s *Store) UpdateDraft(ctx context.Context, p *plan.Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	if p.Priority == "" {
		p.Priority = plan.PriorityNormal
	}
	now := s.now()
	const q = `UPDATE plans SET title = ?, description = ?, steps_json = ?, priority = ?, supersedes = ?, updated_at = ?
WHERE plan_id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, p.Title, p.Description, string(steps), string(p.Priority), p.Supersedes,
		now.UnixNano(), p.ID, string(plan.StatusDraft))
	if err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		cur, err := s.GetPlan(ctx, p.ID)
		if err != nil {
			return err
		}
		return &plan.Error{Code: plan.CodeConflict, Op: "update draft", Err: ErrStatusConflict,
			Message: fmt.Sprintf("plan %s is %s; only drafts can be edited", p.ID, cur.Status)}
	}
	p.UpdatedAt = now
	return nil
}

// GetPlan loads a plan with its execution log.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = ?`, id)
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.ExecutionLog, err = s.Log(ctx, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListFilter narrows ListPlans. A zero Status matches every plan.
type ListFilter struct {
	Status plan.Status
	Limit  int
	Offset int
}

// ListPlans returns plans oldest first, without execution logs.
func (s *Store) ListPlans(ctx context.Context, f ListFilter) ([]*plan.Plan, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + planColumns + ` FROM plans`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at, plan_id LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountByStatus returns how many plans sit in each status. Statuses with
// no plans are absent.
func (s *Store) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM plans GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count plans: %w", err)
	}
	defer rows.Close()
	out := make(map[plan.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[plan.Status(status)] = n
	}
	return out, rows.Err()
}

// StaleInStatus returns ids of plans that have sat in status since before
// the cutoff. Sweepers use it to recover work lost to crashes.
func (s *Store) StaleInStatus(ctx context.Context, status plan.Status, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id FROM plans WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?`,
		string(status), before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("stale plans: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Log returns a plan's execution log in order.
func (s *Store) Log(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line FROM execution_log WHERE plan_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer rows.Close()
	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func insertLog(ctx context.Context, tx *sql.Tx, id string, at time.Time, lines ...string) error {
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_log (plan_id, line, created_at) VALUES (?, ?, ?)`,
			id, line, at.UnixNano()); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
	}
	return nil
}

// AppendLog appends lines to the execution log, provided lease still owns
// the plan. Stale workers get ErrLeaseLost and write nothing.
func (s *Store) AppendLog(ctx context.Context, lease *Lease, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkFence(ctx, tx, lease); err != nil {
		return err
	}
	if err := insertLog(ctx, tx, lease.PlanID, s.now(), lines...); err != nil {
		return err
	}
	return tx.Commit()
}
