package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRegisterAttempts  = 3
	defaultInitialBackoff    = time.Second
	defaultMissedTicksAlarm  = 3
)

// MembershipConfig describes the dependencies of a Membership client.
type MembershipConfig struct {
	Directory         Directory
	NodeID            string
	Address           string
	Load              func() int
	HeartbeatInterval time.Duration
	RegisterAttempts  int
	InitialBackoff    time.Duration
	MissedTicksAlarm  int
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Membership keeps this node registered and its load published.
type Membership struct {
	directory        Directory
	nodeID           string
	address          string
	load             func() int
	interval         time.Duration
	attempts         int
	initialBackoff   time.Duration
	missedTicksAlarm int
	clock            func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Metrics

	alarm  atomic.Bool
	mu     sync.Mutex
	missed int
}

// NewMembership validates cfg and constructs a Membership client.
func NewMembership(cfg MembershipConfig) (*Membership, error) {
	if cfg.Directory == nil {
		return nil, errors.New("cluster: directory backend is required")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("cluster: node id is required")
	}
	load := cfg.Load
	if load == nil {
		load = func() int { return 0 }
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	attempts := cfg.RegisterAttempts
	if attempts <= 0 {
		attempts = defaultRegisterAttempts
	}
	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	missed := cfg.MissedTicksAlarm
	if missed <= 0 {
		missed = defaultMissedTicksAlarm
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Membership{
		directory:        cfg.Directory,
		nodeID:           cfg.NodeID,
		address:          cfg.Address,
		load:             load,
		interval:         interval,
		attempts:         attempts,
		initialBackoff:   initialBackoff,
		missedTicksAlarm: missed,
		clock:            clock,
		logger:           logger,
		metrics:          metrics.OrNop(cfg.Metrics),
	}, nil
}

// NodeID returns this node's id.
func (m *Membership) NodeID() string {
	return m.nodeID
}

func (m *Membership) record(count int) GatewayNode {
	return GatewayNode{
		NodeID:          m.nodeID,
		Address:         m.address,
		OnlineCount:     count,
		LastHeartbeatAt: m.clock().UTC(),
	}
}

// Register writes this node's record, retrying with exponential backoff.
// Exhausting the attempts or cancelling ctx returns ErrDirectoryUnavailable.
func (m *Membership) Register(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.attempts-1)), ctx)

	attempt := 0
	register := func() error {
		attempt++
		return m.directory.Register(ctx, m.record(m.load()))
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("node registration failed",
			zap.String("node_id", m.nodeID),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(register, retries, notify)
	if err == nil {
		m.logger.Info("node registered", zap.String("node_id", m.nodeID), zap.Int("attempt", attempt))
		return nil
	}
	m.logger.Error("node registration abandoned",
		zap.String("node_id", m.nodeID),
		zap.Int("attempts", attempt),
		zap.Error(err))
	if errors.Is(err, ErrDirectoryUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
}

// PublishLoad writes the current online count. Failures are for the caller to log.
func (m *Membership) PublishLoad(ctx context.Context, count int) error {
	return m.directory.Publish(ctx, m.record(count))
}

// ListNodes returns the registered nodes. Records may be up to one heartbeat stale.
func (m *Membership) ListNodes(ctx context.Context) ([]GatewayNode, error) {
	return m.directory.List(ctx)
}

// SelectNode picks the least loaded registered node.
func (m *Membership) SelectNode(ctx context.Context) (string, error) {
	nodes, err := m.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	return SelectNode(nodes)
}

// Accepting reports whether this node should take new connections.
func (m *Membership) Accepting() bool {
	return !m.alarm.Load()
}

// Tick performs one heartbeat and updates the missed-heartbeat alarm.
func (m *Membership) Tick(ctx context.Context) {
	err := m.PublishLoad(ctx, m.load())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		if m.alarm.Swap(false) {
			m.logger.Info("directory heartbeat recovered", zap.String("node_id", m.nodeID))
		}
		m.missed = 0
		m.metrics.DirectoryAlarm.Set(0)
		return
	}

	m.missed++
	m.metrics.HeartbeatFailures.Inc()
	m.logger.Warn("directory heartbeat failed",
		zap.String("node_id", m.nodeID),
		zap.Int("missed", m.missed),
		zap.Error(err))
	if m.missed >= m.missedTicksAlarm && !m.alarm.Swap(true) {
		m.metrics.DirectoryAlarm.Set(1)
		m.logger.Error("directory heartbeat alarm raised, refusing new connections",
			zap.String("node_id", m.nodeID),
			zap.Int("missed", m.missed))
	}
}

// Run heartbeats every interval until ctx is done.
func (m *Membership) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Deregister removes this node's record.
func (m *Membership) Deregister(ctx context.Context) error {
	if err := m.directory.Deregister(ctx); err != nil {
		m.logger.Warn("node deregistration failed", zap.String("node_id", m.nodeID), zap.Error(err))
		return err
	}
	m.logger.Info("node deregistered", zap.String("node_id", m.nodeID))
	return nil
}
