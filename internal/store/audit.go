package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// entryHash chains an entry to its predecessor for the same plan.
func entryHash(prev string, e *plan.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%s\n%s\n%s\n%s\n%d",
		prev, e.PlanID, e.Kind, e.From, e.To, e.Actor, e.Reason, e.Detail, e.At.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

func appendAudit(ctx context.Context, tx *sql.Tx, e *plan.AuditEntry) (*plan.AuditEntry, error) {
	if e.Actor == "" {
		return nil, plan.Errorf(plan.CodeValidation, "audit", "actor is required")
	}
	var prev string
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_entries WHERE plan_id = ? ORDER BY seq DESC LIMIT 1`, e.PlanID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	e.Hash = entryHash(prev, e)

	const q = `INSERT INTO audit_entries (plan_id, kind, from_status, to_status, actor, reason, detail, created_at, hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, e.PlanID, string(e.Kind), string(e.From), string(e.To),
		e.Actor, e.Reason, e.Detail, e.At.UnixNano(), e.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("audit seq: %w", err)
	}
	return e, nil
}

const auditColumns = `seq, plan_id, kind, from_status, to_status, actor, reason, detail, created_at, hash`

func scanAudit(r rowScanner) (*plan.AuditEntry, error) {
	var (
		e              plan.AuditEntry
		kind, from, to string
		at             int64
	)
	if err := r.Scan(&e.Seq, &e.PlanID, &kind, &from, &to, &e.Actor, &e.Reason, &e.Detail, &at, &e.Hash); err != nil {
		return nil, err
	}
	e.Kind = plan.EntryKind(kind)
	e.From = plan.Status(from)
	e.To = plan.Status(to)
	e.At = time.Unix(0, at).UTC()
	return &e, nil
}

func transitionEntry(ctx context.Context, tx *sql.Tx, planID string, to plan.Status) (*plan.AuditEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries
WHERE plan_id = ? AND to_status = ? AND kind = ?`, planID, string(to), string(plan.EntryTransition))
	return scanAudit(row)
}

// Audit returns every entry recorded for a plan, oldest first.
func (s *Store) Audit(ctx context.Context, planID string) ([]plan.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE plan_id = ? ORDER BY seq`, planID)
	if err != nil {
		return nil, fmt.Errorf("read audit: %w", err)
	}
	defer rows.Close()

	entries := []plan.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE plan_id = ?`, planID).Scan(&n); err != nil {
			return nil, fmt.Errorf("check plan: %w", err)
		}
		if n == 0 {
			return nil, notFound(planID)
		}
	}
	return entries, nil
}

// VerifyChain recomputes the hash chain for a plan. It returns an error
// wrapping ErrChainBroken at the first entry whose hash does not match.
func (s *Store) VerifyChain(ctx context.Context, planID string) error {
	entries, err := s.Audit(ctx, planID)
	if err != nil {
		return err
	}
	prev := ""
	for i := range entries {
		e := &entries[i]
		if want := entryHash(prev, e); want != e.Hash {
			return fmt.Errorf("%w: plan %s entry %d", ErrChainBroken, planID, e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
