package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// OutboxItem is a pending request to publish a plan onto the execution
// queue. Rows are written in the same transaction as the state change that
// requires them; the dispatcher publishes and marks them sent.
type OutboxItem struct {
	ID        int64
	PlanID    string
	Priority  plan.Priority
	MsgID     string
	CreatedAt time.Time
}

// QueuedMsgID is the deduplication id for a plan's first enqueue.
func QueuedMsgID(planID string) string { return planID + "/queued" }

// RetryMsgID is the deduplication id for the n-th requeue of a plan.
func RetryMsgID(planID string, n int) string { return fmt.Sprintf("%s/retry-%d", planID, n) }

func insertOutbox(ctx context.Context, tx *sql.Tx, item OutboxItem, now time.Time) error {
	if item.MsgID == "" {
		item.MsgID = QueuedMsgID(item.PlanID)
	}
	if item.Priority == "" {
		item.Priority = plan.PriorityNormal
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO outbox (plan_id, priority, msg_id, created_at) VALUES (?, ?, ?, ?)`,
		item.PlanID, string(item.Priority), item.MsgID, now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns unsent outbox rows, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, priority, msg_id, created_at FROM outbox WHERE sent_at = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var (
			it       OutboxItem
			priority string
			created  int64
		)
		if err := rows.Scan(&it.ID, &it.PlanID, &priority, &it.MsgID, &created); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		it.Priority = plan.Priority(priority)
		it.CreatedAt = unixNano(created)
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkOutboxSent records that an outbox row reached the queue.
func (s *Store) MarkOutboxSent(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ?`, s.now().UnixNano(), id); err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}
