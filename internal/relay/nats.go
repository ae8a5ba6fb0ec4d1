package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultTimeout = 2 * time.Second

// Connect dials the NATS server used for inter-node hops.
func Connect(url, nodeID string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return nats.Connect(url,
		nats.Name("imgate-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	)
}

// Subject is the request subject a node listens on.
func Subject(prefix, nodeID string) string {
	return prefix + ".node." + nodeID + ".deliver"
}

// NATSConfig describes a NATS-backed relay.
type NATSConfig struct {
	Conn          *nats.Conn
	NodeID        string
	SubjectPrefix string
	Timeout       time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// NATSRelay performs hops as NATS request/reply exchanges.
type NATSRelay struct {
	conn    *nats.Conn
	nodeID  string
	prefix  string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	sub    *nats.Subscription
}

// NewNATSRelay constructs a relay over an established connection.
func NewNATSRelay(cfg NATSConfig) *NATSRelay {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATSRelay{
		conn:    cfg.Conn,
		nodeID:  cfg.NodeID,
		prefix:  cfg.SubjectPrefix,
		timeout: timeout,
		logger:  logger,
		metrics: metrics.OrNop(cfg.Metrics),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *NATSRelay) Forward(ctx context.Context, nodeID, recipientID string, msg messages.Message) (bool, error) {
	payload, err := json.Marshal(deliverRequest{
		RecipientID: recipientID,
		Message:     messages.Project(msg, messages.ViewInternal),
	})
	if err != nil {
		return false, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	response, err := r.conn.RequestWithContext(requestCtx, Subject(r.prefix, nodeID), payload)
	if err != nil {
		r.metrics.RelayRequests.WithLabelValues(resultError).Inc()
		return false, fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, nodeID, err)
	}

	var reply deliverReply
	if err := json.Unmarshal(response.Data, &reply); err != nil {
		r.metrics.RelayRequests.WithLabelValues(resultError).Inc()
		return false, fmt.Errorf("%w: %s: malformed reply: %v", ErrNodeUnreachable, nodeID, err)
	}
	if reply.Delivered {
		r.metrics.RelayRequests.WithLabelValues(resultDelivered).Inc()
	} else {
		r.metrics.RelayRequests.WithLabelValues(resultNack).Inc()
	}
	return reply.Delivered, nil
}

// Listen subscribes to this node's subject. Each request is handled on its
// own goroutine so a slow recipient does not hold up the others.
func (r *NATSRelay) Listen(handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return errors.New("relay: already listening")
	}
	subject := Subject(r.prefix, r.nodeID)
	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serve(msg, handler)
		}()
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", subject, err)
	}
	// make sure the server knows about the subscription before peers send to it
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("relay: flush subscription: %w", err)
	}
	r.sub = sub
	r.logger.Info("relay listening", zap.String("subject", subject))
	return nil
}

func (r *NATSRelay) serve(msg *nats.Msg, handler Handler) {
	var request deliverRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		r.logger.Warn("malformed relay request", zap.Error(err))
		r.respond(msg, false)
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	delivered := handler(ctx, request.RecipientID, request.Message.Message())
	r.respond(msg, delivered)
}

func (r *NATSRelay) respond(msg *nats.Msg, delivered bool) {
	data, err := json.Marshal(deliverReply{Delivered: delivered})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("relay reply failed", zap.Error(err))
	}
}

// Close stops listening and waits for in-flight requests.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	r.cancel()
	r.wg.Wait()
	return err
}
