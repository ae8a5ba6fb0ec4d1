// Package delivery decides, for one recipient and one message, whether the
// message is written locally, hopped to another node, or parked offline.
package delivery

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgate/internal/relay"
	"go.uber.org/zap"
)

const defaultGateTimeout = 5 * time.Second

// Outcome is the result of a single delivery attempt.
type Outcome int

const (
	// Failed means the message was neither delivered nor queued.
	Failed Outcome = iota
	// Delivered means a live write was confirmed.
	Delivered
	// Queued means the message is waiting in the offline queue.
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "failed"
	}
}

// LocalDeliverer writes to connections bound on this node.
type LocalDeliverer interface {
	DeliverLocal(ctx context.Context, userID string, msg messages.Message) bool
}

// Locator reports the node a user was last bound on.
type Locator interface {
	CurrentNode(ctx context.Context, userID string) (string, bool, error)
}

// Enqueuer parks messages for unreachable recipients.
type Enqueuer interface {
	Enqueue(ctx context.Context, recipientID string, msg messages.Message) error
}

// Redeliverer replays parked messages to a user whose session on this node
// is already taking live traffic.
type Redeliverer interface {
	Redeliver(ctx context.Context, userID string)
}

// Config describes the dependencies of a Dispatcher.
type Config struct {
	NodeID      string
	Local       LocalDeliverer
	Locator     Locator
	Relay       relay.Relay
	Queue       Enqueuer
	Redeliver   Redeliverer
	GateTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher routes a message to one recipient.
type Dispatcher struct {
	nodeID      string
	local       LocalDeliverer
	locator     Locator
	relay       relay.Relay
	queue       Enqueuer
	redeliver   Redeliverer
	gateTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	gateTimeout := cfg.GateTimeout
	if gateTimeout <= 0 {
		gateTimeout = defaultGateTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		nodeID:      cfg.NodeID,
		local:       cfg.Local,
		locator:     cfg.Locator,
		relay:       cfg.Relay,
		queue:       cfg.Queue,
		redeliver:   cfg.Redeliver,
		gateTimeout: gateTimeout,
		logger:      logger,
		metrics:     metrics.OrNop(cfg.Metrics),
	}
}

// Deliver tries the local registry, then the recipient's recorded node, and
// falls back to the offline queue. A message is never dropped silently: an
// enqueue failure is logged and reported as Failed.
func (d *Dispatcher) Deliver(ctx context.Context, recipientID string, msg messages.Message) Outcome {
	if d.deliverLocal(ctx, recipientID, msg) {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeLocal).Inc()
		return Delivered
	}

	nodeID, online, err := d.locator.CurrentNode(ctx, recipientID)
	switch {
	case err != nil:
		d.logger.Warn("recipient location lookup failed",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return d.enqueue(ctx, recipientID, msg)
	case !online || nodeID == "":
		return d.enqueue(ctx, recipientID, msg)
	case nodeID == d.nodeID:
		// recorded here but not bound here: stale presence
		d.logger.Debug("stale presence record for local node",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.MessageID))
		return d.enqueue(ctx, recipientID, msg)
	}

	delivered, err := d.relay.Forward(ctx, nodeID, recipientID, msg)
	if err != nil {
		d.logger.Warn("cross-node delivery failed",
			zap.String("recipient_id", recipientID),
			zap.String("node_id", nodeID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return d.enqueue(ctx, recipientID, msg)
	}
	if !delivered {
		return d.enqueue(ctx, recipientID, msg)
	}
	d.metrics.Deliveries.WithLabelValues(metrics.OutcomeRemote).Inc()
	return Delivered
}

// HandleRemote serves a hop from another node. It only attempts a local
// write; on a negative answer the sending node enqueues, so exactly one
// offline entry results. The readiness wait ends with ctx, since the sender
// stops listening for an answer once its hop deadline passes.
func (d *Dispatcher) HandleRemote(ctx context.Context, recipientID string, msg messages.Message) bool {
	gateCtx, cancel := context.WithTimeout(ctx, d.gateTimeout)
	defer cancel()
	delivered := d.local.DeliverLocal(gateCtx, recipientID, msg)
	if delivered {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeLocal).Inc()
	}
	return delivered
}

func (d *Dispatcher) deliverLocal(ctx context.Context, recipientID string, msg messages.Message) bool {
	gateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.gateTimeout)
	defer cancel()
	return d.local.DeliverLocal(gateCtx, recipientID, msg)
}

func (d *Dispatcher) enqueue(ctx context.Context, recipientID string, msg messages.Message) Outcome {
	if err := d.queue.Enqueue(context.WithoutCancel(ctx), recipientID, msg); err != nil {
		d.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		d.logger.Error("offline enqueue failed, message not delivered",
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return Failed
	}
	d.metrics.Deliveries.WithLabelValues(metrics.OutcomeQueued).Inc()
	// the recipient may have finished its login replay while this entry was
	// being written
	if d.redeliver != nil {
		d.redeliver.Redeliver(context.WithoutCancel(ctx), recipientID)
	}
	return Queued
}
