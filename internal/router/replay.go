package router

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"go.uber.org/zap"
)

// ReplayerConfig describes the dependencies of a Replayer.
type ReplayerConfig struct {
	Registry *presence.Registry
	Offline  OfflineSource
	Logger   *zap.Logger
}

// Replayer writes a user's parked messages to their session on this node.
// Drains for one user never overlap, so an entry is written at most once.
type Replayer struct {
	registry *presence.Registry
	offline  OfflineSource
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

// NewReplayer constructs a Replayer.
func NewReplayer(cfg ReplayerConfig) *Replayer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{
		registry: cfg.Registry,
		offline:  cfg.Offline,
		logger:   logger,
		locks:    make(map[string]*userLock),
	}
}

// Login replays parked messages into a freshly bound session and then opens
// it for live traffic. A second pass after the gate opens collects entries
// that were queued while the first pass was finishing.
func (r *Replayer) Login(ctx context.Context, session *presence.Session) {
	unlock := r.lock(session.UserID)
	defer unlock()

	replayed := r.drain(ctx, session)
	session.MarkReady()
	replayed += r.drain(ctx, session)
	if replayed > 0 {
		r.logger.Info("offline messages replayed", zap.String("user_id", session.UserID), zap.Int("count", replayed))
	}
}

// Redeliver drains parked messages to userID when the user holds a ready
// session on this node. Sessions still replaying are left to Login.
func (r *Replayer) Redeliver(ctx context.Context, userID string) {
	session, ok := r.readySession(userID)
	if !ok {
		return
	}
	unlock := r.lock(userID)
	defer unlock()

	// the session may have been replaced while waiting for the lock
	if current, ok := r.readySession(userID); !ok || current != session {
		return
	}
	if replayed := r.drain(ctx, session); replayed > 0 {
		r.logger.Info("late offline messages replayed", zap.String("user_id", userID), zap.Int("count", replayed))
	}
}

func (r *Replayer) readySession(userID string) (*presence.Session, bool) {
	session, ok := r.registry.Lookup(userID)
	if !ok {
		return nil, false
	}
	select {
	case <-session.Ready():
		return session, true
	default:
		return nil, false
	}
}

func (r *Replayer) drain(ctx context.Context, session *presence.Session) int {
	replayed := 0
	for msg, err := range r.offline.Drain(ctx, session.UserID) {
		if err != nil {
			r.logger.Warn("offline replay interrupted", zap.String("user_id", session.UserID), zap.Error(err))
			return replayed
		}
		if err := session.Send(messages.Project(msg, messages.ViewRecipient)); err != nil {
			r.logger.Info("offline replay stopped by write failure",
				zap.String("user_id", session.UserID),
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
			return replayed
		}
		replayed++
	}
	return replayed
}

func (r *Replayer) lock(userID string) func() {
	r.mu.Lock()
	entry, ok := r.locks[userID]
	if !ok {
		entry = &userLock{}
		r.locks[userID] = entry
	}
	entry.refs++
	r.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		r.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, userID)
		}
		r.mu.Unlock()
	}
}
