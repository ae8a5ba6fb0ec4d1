package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval = 5 * time.Second
	defaultMaxAttempts   = 5
)

// StatusWriter is the part of the user directory the publisher writes to.
type StatusWriter interface {
	SetOnlineStatus(ctx context.Context, userID string, online bool, nodeID string) error
}

// PublisherConfig describes the dependencies of a Publisher.
type PublisherConfig struct {
	Directory     StatusWriter
	NodeID        string
	RetryInterval time.Duration
	MaxAttempts   int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type pendingStatus struct {
	online   bool
	attempts int
}

// Publisher propagates presence changes to the user directory off the
// connection path. Pending changes are coalesced per user, latest wins.
type Publisher struct {
	directory     StatusWriter
	nodeID        string
	retryInterval time.Duration
	maxAttempts   int
	logger        *zap.Logger
	metrics       *metrics.Metrics

	online  atomic.Int64
	notify  chan struct{}
	flushMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingStatus
}

// NewPublisher constructs a Publisher. Run must be started for events to flow.
func NewPublisher(cfg PublisherConfig) *Publisher {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		directory:     cfg.Directory,
		nodeID:        cfg.NodeID,
		retryInterval: retry,
		maxAttempts:   attempts,
		logger:        logger,
		metrics:       metrics.OrNop(cfg.Metrics),
		notify:        make(chan struct{}, 1),
		pending:       make(map[string]pendingStatus),
	}
}

// Online records that userID bound a session on this node.
func (p *Publisher) Online(userID string) {
	p.online.Add(1)
	p.enqueue(userID, true)
}

// Offline records that userID's session on this node ended.
func (p *Publisher) Offline(userID string) {
	p.online.Add(-1)
	p.enqueue(userID, false)
}

// OnlineCount is the number of users this node currently reports online.
func (p *Publisher) OnlineCount() int {
	return int(p.online.Load())
}

// Pending returns the number of users with an unpublished change.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) enqueue(userID string, online bool) {
	p.mu.Lock()
	p.pending[userID] = pendingStatus{online: online}
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run flushes pending changes as they arrive and retries failures every
// retry interval. Remaining changes get a final flush when ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Flush(context.WithoutCancel(ctx))
			return
		case <-p.notify:
			p.Flush(ctx)
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush publishes every pending change once. Concurrent flushes run one at a
// time so a user's changes reach the directory in order.
func (p *Publisher) Flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]pendingStatus, len(batch))
	p.mu.Unlock()

	for userID, status := range batch {
		err := p.directory.SetOnlineStatus(ctx, userID, status.online, p.nodeID)
		if err == nil {
			continue
		}
		p.metrics.PresenceFailures.Inc()
		status.attempts++
		if status.attempts >= p.maxAttempts {
			p.logger.Error("presence update abandoned",
				zap.String("user_id", userID),
				zap.Bool("online", status.online),
				zap.Int("attempts", status.attempts),
				zap.Error(err))
			continue
		}
		p.logger.Warn("presence update failed",
			zap.String("user_id", userID),
			zap.Bool("online", status.online),
			zap.Int("attempts", status.attempts),
			zap.Error(err))
		p.mu.Lock()
		if _, newer := p.pending[userID]; !newer {
			p.pending[userID] = status
		}
		p.mu.Unlock()
	}
}
