// Package queue is the execution queue: a NATS JetStream work-queue stream
// with one subject and one durable pull consumer per priority.
//
// Messages carry only a plan id. The message id (plan_id/queued,
// plan_id/retry-N) lets the stream drop duplicate publishes inside its
// duplicate window, so replaying the outbox never enqueues a plan twice for
// the same transition.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("queue closed")

// pollWait bounds each per-priority fetch so a high priority message that
// arrives while lower subjects are being polled waits at most one round.
const pollWait = 100 * time.Millisecond

// Config names the JetStream stream and its delivery limits.
type Config struct {
	Stream          string
	SubjectPrefix   string
	AckWait         time.Duration
	DuplicateWindow time.Duration
}

// ConfigFrom maps the queue section of the daemon configuration.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		Stream:          c.Stream,
		SubjectPrefix:   c.SubjectPrefix,
		AckWait:         c.AckWait.Duration(),
		DuplicateWindow: c.DuplicateWindow.Duration(),
	}
}

// Queue publishes and fetches plan ids.
type Queue struct {
	js     nats.JetStreamContext
	cfg    Config
	subs   map[plan.Priority]*nats.Subscription
	logger *logging.Logger
	closed chan struct{}
}

// New ensures the stream and consumers exist and binds a pull subscription
// for each priority.
func New(nc *nats.Conn, cfg Config, logger *logging.Logger) (*Queue, error) {
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("queue: stream and subject prefix are required")
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = time.Minute
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	q := &Queue{
		js:     js,
		cfg:    cfg,
		subs:   make(map[plan.Priority]*nats.Subscription, len(plan.Priorities)),
		logger: logger.Named("queue"),
		closed: make(chan struct{}),
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	for _, p := range plan.Priorities {
		durable := q.durable(p)
		if err := q.ensureConsumer(durable, q.Subject(p)); err != nil {
			return nil, err
		}
		sub, err := js.PullSubscribe(q.Subject(p), durable, nats.Bind(cfg.Stream, durable))
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", durable, err)
		}
		q.subs[p] = sub
	}
	return q, nil
}

func (q *Queue) ensureStream() error {
	sc := &nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.SubjectPrefix + ".*"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Duplicates: q.cfg.DuplicateWindow,
	}
	_, err := q.js.StreamInfo(sc.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = q.js.AddStream(sc)
	case err == nil:
		_, err = q.js.UpdateStream(sc)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
	}
	return nil
}

func (q *Queue) ensureConsumer(durable, subject string) error {
	cc := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    -1,
	}
	_, err := q.js.ConsumerInfo(q.cfg.Stream, durable)
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		_, err = q.js.AddConsumer(q.cfg.Stream, cc)
	case err == nil:
		_, err = q.js.UpdateConsumer(q.cfg.Stream, cc)
	}
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", durable, err)
	}
	return nil
}

// Subject returns the subject for priority p.
func (q *Queue) Subject(p plan.Priority) string {
	return q.cfg.SubjectPrefix + "." + string(p)
}

func (q *Queue) durable(p plan.Priority) string {
	return strings.ToLower(q.cfg.Stream) + "_" + string(p)
}

// Publish enqueues planID. duplicate reports that the stream had already
// accepted msgID inside its duplicate window.
func (q *Queue) Publish(ctx context.Context, planID string, p plan.Priority, msgID string) (duplicate bool, err error) {
	ctx, span := telemetry.Start(ctx, "queue", "Publish",
		attribute.String("plan.id", planID), attribute.String("priority", string(p)))
	defer func() { telemetry.End(span, err) }()

	if p == "" {
		p = plan.PriorityNormal
	}
	ack, err := q.js.Publish(q.Subject(p), []byte(planID), nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", msgID, err)
	}
	if !ack.Duplicate {
		metrics.Get().Dispatched.WithLabelValues(string(p)).Inc()
	}
	return ack.Duplicate, nil
}

// Fetch returns the next delivery, trying high, then normal, then low
// priority, until wait elapses. It returns nil, nil when nothing arrived.
func (q *Queue) Fetch(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		for _, p := range plan.Priorities {
			select {
			case <-q.closed:
				return nil, ErrClosed
			default:
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			msgs, err := q.subs[p].Fetch(1, nats.MaxWait(pollWait))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
					return nil, ErrClosed
				}
				return nil, fmt.Errorf("fetch %s: %w", p, err)
			}
			if len(msgs) == 0 {
				continue
			}
			d := newDelivery(msgs[0], p)
			q.logger.Debug(logging.WithPlanID(ctx, d.PlanID), "delivery fetched",
				zap.String("msg_id", d.MsgID), zap.Uint64("attempt", d.Attempt))
			return d, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// Close stops fetching. Durable consumers survive.
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// Depth reports the number of messages waiting across all priorities.
func (q *Queue) Depth() (uint64, error) {
	info, err := q.js.StreamInfo(q.cfg.Stream)
	if err != nil {
		return 0, err
	}
	return info.State.Msgs, nil
}

// Delivery is one fetched queue message.
type Delivery struct {
	PlanID   string
	MsgID    string
	Priority plan.Priority
	// Attempt is the JetStream delivery count, starting at 1.
	Attempt uint64

	msg *nats.Msg
}

func newDelivery(m *nats.Msg, p plan.Priority) *Delivery {
	d := &Delivery{PlanID: string(m.Data), Priority: p, msg: m, Attempt: 1}
	if m.Header != nil {
		d.MsgID = m.Header.Get(nats.MsgIdHdr)
	}
	if md, err := m.Metadata(); err == nil {
		d.Attempt = md.NumDelivered
	}
	return d
}

// Ack removes the message from the work queue.
func (d *Delivery) Ack() error { return d.msg.Ack() }

// Nak asks for immediate redelivery.
func (d *Delivery) Nak() error { return d.msg.Nak() }

// InProgress resets the ack timer.
func (d *Delivery) InProgress() error { return d.msg.InProgress() }
