package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/queue"
)

// Source yields queue deliveries.
type Source interface {
	Fetch(ctx context.Context, wait time.Duration) (*queue.Delivery, error)
}

// Pool runs a fixed set of workers against one queue.
type Pool struct {
	source    Source
	workers   []*Worker
	fetchWait time.Duration
	logger    *logging.Logger
}

// NewPool builds one worker per id.
func NewPool(src Source, ids []string, cfg Config, deps Deps, fetchWait time.Duration, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	if fetchWait <= 0 {
		fetchWait = 2 * time.Second
	}
	p := &Pool{source: src, fetchWait: fetchWait, logger: logger.Named("pool")}
	for _, id := range ids {
		p.workers = append(p.workers, New(id, cfg, deps, logger))
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Run processes deliveries until ctx is done or the queue is closed. A
// plan in progress at shutdown is handed back for another worker.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return p.loop(ctx, w) })
	}
	p.logger.Info(ctx, "worker pool started", zap.Int("workers", len(p.workers)))
	err := g.Wait()
	p.logger.Info(context.Background(), "worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, w *Worker) error {
	ctx = logging.WithWorkerID(ctx, w.ID())
	backoff := 100 * time.Millisecond
	for {
		d, err := p.source.Fetch(ctx, p.fetchWait)
		switch {
		case errors.Is(err, queue.ErrClosed) || ctx.Err() != nil:
			return nil
		case err != nil:
			p.logger.Warn(ctx, "fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		case d == nil:
			continue
		}
		backoff = 100 * time.Millisecond

		dctx := logging.WithPlanID(ctx, d.PlanID)
		if w.Handle(ctx, d.PlanID, d.InProgress) {
			err = d.Ack()
		} else {
			err = d.Nak()
		}
		if err != nil {
			p.logger.Warn(dctx, "delivery not settled", zap.String("msg_id", d.MsgID), zap.Error(err))
		}
	}
}
