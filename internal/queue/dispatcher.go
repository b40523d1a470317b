package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/store"
)

// Outbox is the store side of the dispatcher.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]store.OutboxItem, error)
	MarkOutboxSent(ctx context.Context, id int64) error
}

// Publisher is satisfied by *Queue.
type Publisher interface {
	Publish(ctx context.Context, planID string, p plan.Priority, msgID string) (bool, error)
}

// Dispatcher moves outbox rows onto the queue. A row is marked sent only
// after the stream acknowledged it, so a crash in between republishes the
// same message id and the stream drops the duplicate.
type Dispatcher struct {
	outbox Outbox
	pub    Publisher
	batch  int
	kick   chan struct{}
	logger *logging.Logger
}

// NewDispatcher flushes up to batch outbox rows per pass.
func NewDispatcher(o Outbox, p Publisher, batch int, logger *logging.Logger) *Dispatcher {
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{outbox: o, pub: p, batch: batch, kick: make(chan struct{}, 1), logger: logger.Named("dispatcher")}
}

// Kick asks Run to flush now. It never blocks.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Flush publishes pending outbox rows and returns how many were sent. It
// stops at the first publish failure; the rest wait for the next flush.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	items, err := d.outbox.PendingOutbox(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, it := range items {
		pctx := logging.WithPlanID(ctx, it.PlanID)
		dup, err := d.pub.Publish(pctx, it.PlanID, it.Priority, it.MsgID)
		if err != nil {
			d.logger.Warn(pctx, "outbox publish failed", zap.String("msg_id", it.MsgID), zap.Error(err))
			return sent, err
		}
		if err := d.outbox.MarkOutboxSent(ctx, it.ID); err != nil {
			return sent, err
		}
		sent++
		d.logger.Debug(pctx, "plan dispatched", zap.String("msg_id", it.MsgID),
			zap.String("priority", string(it.Priority)), zap.Bool("duplicate", dup))
	}
	return sent, nil
}

// Run flushes on every Kick and every interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
		case <-t.C:
		}
		if _, err := d.Flush(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn(ctx, "outbox flush failed", zap.Error(err))
		}
	}
}
