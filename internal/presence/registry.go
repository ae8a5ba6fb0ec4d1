// Package presence tracks which users hold a live connection on this node and
// propagates online/offline changes to the user directory.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"go.uber.org/zap"
)

// Conn is a live client connection handle.
type Conn interface {
	// Send writes one frame. A nil error means the frame reached the socket.
	Send(frame messages.Frame) error
	Close() error
	Open() bool
}

// Sink receives effective bind and unbind events.
type Sink interface {
	Online(userID string)
	Offline(userID string)
}

// Session is a user's binding to a connection on this node.
type Session struct {
	UserID      string
	NodeID      string
	ConnectedAt time.Time

	id        uint64
	conn      Conn
	ready     chan struct{}
	readyOnce sync.Once
}

// Conn returns the session's connection handle.
func (s *Session) Conn() Conn {
	return s.conn
}

// MarkReady opens the session for live deliveries. It is called once offline
// replay has finished so replayed messages precede live ones.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once the session accepts live deliveries.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Send writes directly to the connection, bypassing the readiness gate.
func (s *Session) Send(frame messages.Frame) error {
	return s.conn.Send(frame)
}

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	UserID      string    `json:"userId"`
	NodeID      string    `json:"nodeId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	NodeID  string
	Sink    Sink
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Registry maps user ids to their live session on this node.
type Registry struct {
	nodeID   string
	sink     Sink
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
	nextID   atomic.Uint64
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		nodeID:   cfg.NodeID,
		sink:     cfg.Sink,
		clock:    clock,
		logger:   logger,
		metrics:  metrics.OrNop(cfg.Metrics),
		sessions: make(map[string]*Session),
	}
}

// Bind installs a new session for userID. An existing session for the same
// user is closed before the new one becomes visible. The returned session is
// gated until MarkReady is called.
func (r *Registry) Bind(userID string, conn Conn) *Session {
	session := &Session{
		UserID:      userID,
		NodeID:      r.nodeID,
		ConnectedAt: r.clock().UTC(),
		id:          r.nextID.Add(1),
		conn:        conn,
		ready:       make(chan struct{}),
	}

	r.mu.Lock()
	previous, replaced := r.sessions[userID]
	if replaced {
		if err := previous.conn.Close(); err != nil {
			r.logger.Debug("closing replaced connection failed", zap.String("user_id", userID), zap.Error(err))
		}
		previous.MarkReady()
	}
	r.sessions[userID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.Sessions.Set(float64(count))
	if replaced {
		r.logger.Info("session replaced", zap.String("user_id", userID))
		return session
	}
	r.logger.Info("session bound", zap.String("user_id", userID))
	if r.sink != nil {
		r.sink.Online(userID)
	}
	return session
}

// Unbind closes and removes the user's session. It reports whether a session was removed.
func (r *Registry) Unbind(userID string) bool {
	r.mu.Lock()
	session, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = session.conn.Close()
	session.MarkReady()
	r.unbound(userID, count)
	return true
}

// Release removes session only if it is still the user's current session.
func (r *Registry) Release(session *Session) bool {
	if session == nil {
		return false
	}
	r.mu.Lock()
	current, ok := r.sessions[session.UserID]
	if ok && current.id == session.id {
		delete(r.sessions, session.UserID)
	} else {
		ok = false
	}
	count := len(r.sessions)
	r.mu.Unlock()

	session.MarkReady()
	if !ok {
		return false
	}
	r.unbound(session.UserID, count)
	return true
}

func (r *Registry) unbound(userID string, count int) {
	r.metrics.Sessions.Set(float64(count))
	r.logger.Info("session released", zap.String("user_id", userID))
	if r.sink != nil {
		r.sink.Offline(userID)
	}
}

// Lookup returns the user's session when it is bound here and its connection is open.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	session, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok || !session.conn.Open() {
		return nil, false
	}
	return session, true
}

// DeliverLocal writes msg to the user's session once it is ready. It returns
// false when the user is not bound here, the gate did not open before ctx was
// done, or the write failed; a failed write closes the connection.
func (r *Registry) DeliverLocal(ctx context.Context, userID string, msg messages.Message) bool {
	session, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	select {
	case <-session.ready:
	case <-ctx.Done():
		r.logger.Warn("session not ready for delivery",
			zap.String("user_id", userID),
			zap.String("message_id", msg.MessageID))
		return false
	}
	if !session.conn.Open() {
		return false
	}
	if err := session.conn.Send(messages.Project(msg, messages.ViewRecipient)); err != nil {
		r.logger.Warn("local delivery failed",
			zap.String("user_id", userID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		_ = session.conn.Close()
		return false
	}
	return true
}

// Count returns the number of bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists bound sessions ordered by user id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		infos = append(infos, SessionInfo{
			UserID:      session.UserID,
			NodeID:      session.NodeID,
			ConnectedAt: session.ConnectedAt,
		})
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// CloseAll closes and unbinds every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	userIDs := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		userIDs = append(userIDs, userID)
	}
	r.mu.RUnlock()
	for _, userID := range userIDs {
		r.Unbind(userID)
	}
}
