// Package notify announces terminal plan transitions. Delivery is
// fire-and-forget: failures are logged and counted, never returned.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/metrics"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// Event is published when a plan reaches Succeeded, Failed or Rejected.
type Event struct {
	PlanID   string      `json:"plan_id"`
	Title    string      `json:"title"`
	Status   plan.Status `json:"status"`
	Reason   string      `json:"reason,omitempty"`
	Artifact string      `json:"artifact,omitempty"`
	Actor    string      `json:"actor,omitempty"`
	At       time.Time   `json:"at"`
}

// EventFor builds the event for p entering status.
func EventFor(p *plan.Plan, status plan.Status, actor, reason string) Event {
	return Event{
		PlanID:   p.ID,
		Title:    p.Title,
		Status:   status,
		Reason:   reason,
		Artifact: p.Artifact,
		Actor:    actor,
		At:       time.Now().UTC(),
	}
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// NATSNotifier publishes events as JSON on <prefix>.<status>, for example
// fixplan.events.succeeded.
type NATSNotifier struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *logging.Logger
}

// NewNATS publishes on nc. A zero timeout means five seconds.
func NewNATS(nc *nats.Conn, prefix string, timeout time.Duration, logger *logging.Logger) *NATSNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSNotifier{nc: nc, prefix: prefix, timeout: timeout, logger: logger.Named("notify")}
}

// Subject returns the subject an event with status is published on.
func (n *NATSNotifier) Subject(status plan.Status) string {
	return n.prefix + "." + strings.ToLower(string(status))
}

// Notify publishes ev and flushes, bounded by the notifier timeout. The
// caller's cancellation does not abort delivery.
func (n *NATSNotifier) Notify(ctx context.Context, ev Event) {
	ctx = logging.WithPlanID(ctx, ev.PlanID)
	err := n.publish(ev)
	metrics.Get().Notifications.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		n.logger.Warn(ctx, "notification not delivered", zap.String("status", string(ev.Status)), zap.Error(err))
		return
	}
	n.logger.Debug(ctx, "notification published", zap.String("subject", n.Subject(ev.Status)))
}

func (n *NATSNotifier) publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(ev.Status), data); err != nil {
		return err
	}
	return n.nc.FlushTimeout(n.timeout)
}
