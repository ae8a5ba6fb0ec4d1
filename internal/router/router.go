// Package router runs the per-connection protocol: authentication, offline
// replay, frame classification, dispatch and sender acknowledgements.
package router

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"github.com/MarcoPoloResearchLab/imgate/internal/fanout"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"go.uber.org/zap"
)

// Reasons carried on system frames and failed acknowledgements.
const (
	ReasonConnected            = "connected"
	ReasonAuthRequired         = "auth_required"
	ReasonAuthFailed           = "auth_failed"
	ReasonAlreadyAuthenticated = "already_authenticated"
	ReasonInvalidFrame         = "invalid_frame"
	ReasonUnsupportedType      = "unsupported_type"
	ReasonBlocked              = "blocked"
	ReasonBlacklistUnavailable = "blacklist_unavailable"
	ReasonDeliveryFailed       = "delivery_failed"
	ReasonGroupTooLarge        = "group_too_large"
	ReasonGroupUnavailable     = "group_unavailable"
	ReasonNotGroupMember       = "not_group_member"
	ReasonInternal             = "internal_error"
)

// Connection is the transport side of a client connection.
type Connection interface {
	presence.Conn
	// Read blocks for the next inbound frame. It fails when the connection
	// closes or stays idle past its read deadline.
	Read(ctx context.Context) ([]byte, error)
}

// Authenticator validates the token carried by an auth frame.
type Authenticator interface {
	Authenticate(senderID, token string) error
}

// Blacklist answers whether messages from ownerID to otherID are barred.
type Blacklist interface {
	IsBlocked(ctx context.Context, ownerID, otherID string) (bool, error)
}

// Dispatcher delivers a message to one recipient.
type Dispatcher interface {
	Deliver(ctx context.Context, recipientID string, msg messages.Message) delivery.Outcome
}

// GroupFanout delivers a message to a group.
type GroupFanout interface {
	Fanout(ctx context.Context, senderID, groupID string, msg messages.Message) (fanout.Result, error)
}

// OfflineSource yields a recipient's parked messages in order.
type OfflineSource interface {
	Drain(ctx context.Context, recipientID string) iter.Seq2[messages.Message, error]
}

// PresenceFlusher publishes pending presence changes synchronously.
type PresenceFlusher interface {
	Flush(ctx context.Context)
}

// Config describes the dependencies of a Router. Replayer is built from
// Registry and Offline when nil; it must be shared with the Dispatcher for
// late entries to reach ready sessions.
type Config struct {
	Registry      *presence.Registry
	Dispatcher    Dispatcher
	Fanout        GroupFanout
	Offline       OfflineSource
	Replayer      *Replayer
	Presence      PresenceFlusher
	Blacklist     Blacklist
	Store         directory.MessageStore
	Authenticator Authenticator
	IDs           messages.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Router serves client connections. One Router is shared by all connections on a node.
type Router struct {
	registry      *presence.Registry
	dispatcher    Dispatcher
	fanout        GroupFanout
	replayer      *Replayer
	presence      PresenceFlusher
	blacklist     Blacklist
	store         directory.MessageStore
	authenticator Authenticator
	ids           messages.IDProvider
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// New constructs a Router.
func New(cfg Config) *Router {
	ids := cfg.IDs
	if ids == nil {
		ids = messages.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	replayer := cfg.Replayer
	if replayer == nil {
		replayer = NewReplayer(ReplayerConfig{Registry: cfg.Registry, Offline: cfg.Offline, Logger: logger})
	}
	return &Router{
		registry:      cfg.Registry,
		dispatcher:    cfg.Dispatcher,
		fanout:        cfg.Fanout,
		replayer:      replayer,
		presence:      cfg.Presence,
		blacklist:     cfg.Blacklist,
		store:         cfg.Store,
		authenticator: cfg.Authenticator,
		ids:           ids,
		clock:         clock,
		logger:        logger,
		metrics:       metrics.OrNop(cfg.Metrics),
	}
}

// Serve runs the connection until it closes, goes idle or violates the
// protocol. The session, if any, is always released on return.
func (r *Router) Serve(ctx context.Context, conn Connection) {
	var session *presence.Session
	defer func() {
		if session != nil {
			r.registry.Release(session)
		}
		_ = conn.Close()
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			fields := []zap.Field{zap.Error(err)}
			if session != nil {
				fields = append(fields, zap.String("user_id", session.UserID))
			}
			r.logger.Debug("connection read ended", fields...)
			return
		}

		inbound, decodeErr := messages.Decode(data)
		if session == nil {
			authFrame, ok := inbound.(messages.AuthFrame)
			if decodeErr != nil || !ok {
				r.metrics.FramesReceived.WithLabelValues("unauthenticated").Inc()
				_ = conn.Send(messages.SystemFrame(ReasonAuthRequired, "first frame must authenticate"))
				return
			}
			r.metrics.FramesReceived.WithLabelValues("auth").Inc()
			session = r.authenticate(ctx, conn, authFrame)
			if session == nil {
				return
			}
			continue
		}

		if decodeErr != nil {
			r.metrics.FramesReceived.WithLabelValues("invalid").Inc()
			r.reply(session, messages.SystemFrame(ReasonInvalidFrame, decodeErr.Error()))
			continue
		}
		r.handle(ctx, session, inbound)
	}
}

func (r *Router) authenticate(ctx context.Context, conn Connection, frame messages.AuthFrame) *presence.Session {
	if r.authenticator != nil {
		if err := r.authenticator.Authenticate(frame.SenderID, frame.Token); err != nil {
			r.logger.Info("authentication rejected", zap.String("user_id", frame.SenderID), zap.Error(err))
			_ = conn.Send(messages.SystemFrame(ReasonAuthFailed, "authentication failed"))
			return nil
		}
	}

	session := r.registry.Bind(frame.SenderID, conn)
	defer session.MarkReady()

	if err := session.Send(messages.SystemFrame(ReasonConnected, "connection success")); err != nil {
		return session
	}
	// publish the new location before draining so senders stop queueing
	if r.presence != nil {
		r.presence.Flush(ctx)
	}
	r.replayer.Login(ctx, session)
	return session
}

func (r *Router) handle(ctx context.Context, session *presence.Session, inbound messages.Inbound) {
	switch frame := inbound.(type) {
	case messages.AuthFrame:
		r.metrics.FramesReceived.WithLabelValues("auth").Inc()
		r.reply(session, messages.SystemFrame(ReasonAlreadyAuthenticated, "connection is already authenticated"))
	case messages.KeepaliveRequest:
		r.metrics.FramesReceived.WithLabelValues("keepalive").Inc()
		r.reply(session, messages.KeepaliveFrame())
	case messages.DirectFrame:
		r.metrics.FramesReceived.WithLabelValues("direct").Inc()
		r.handleDirect(ctx, session, frame.Message)
	case messages.GroupFrame:
		r.metrics.FramesReceived.WithLabelValues("group").Inc()
		r.handleGroup(ctx, session, frame.Message)
	case messages.ReadReceiptFrame:
		r.metrics.FramesReceived.WithLabelValues("read_receipt").Inc()
		r.handleReadReceipt(ctx, session, frame)
	case messages.UnsupportedFrame:
		r.metrics.FramesReceived.WithLabelValues("unsupported").Inc()
		r.reply(session, messages.SystemFrame(ReasonUnsupportedType, "frame type is not accepted from clients"))
	}
}

// stamp assigns the server-owned fields of an accepted message.
func (r *Router) stamp(session *presence.Session, msg messages.Message) (messages.Message, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return msg, err
	}
	msg.MessageID = id
	msg.SenderID = session.UserID
	msg.SentAt = r.clock().UTC()
	msg.Status = messages.StatusSending
	return msg, nil
}

func (r *Router) handleDirect(ctx context.Context, session *presence.Session, msg messages.Message) {
	msg, err := r.stamp(session, msg)
	if err != nil {
		r.logger.Error("message id generation failed", zap.String("user_id", session.UserID), zap.Error(err))
		r.reply(session, messages.SystemFrame(ReasonInternal, "message could not be accepted"))
		return
	}

	blocked, err := r.blacklist.IsBlocked(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		r.logger.Warn("blacklist lookup failed",
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
			zap.Error(err))
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, msg.ReceiverID, ReasonBlacklistUnavailable))
		return
	}
	if blocked {
		msg.IsBlocked = true
		msg.Status = messages.StatusFailed
		msg.Reason = ReasonBlocked
		r.reply(session, messages.Project(msg, messages.ViewSender))
		return
	}

	r.record(ctx, msg)
	switch r.dispatcher.Deliver(ctx, msg.ReceiverID, msg) {
	case delivery.Delivered:
		r.reply(session, messages.StatusUpdate(msg, messages.StatusSent, msg.ReceiverID, ""))
		r.reply(session, messages.StatusUpdate(msg, messages.StatusDelivered, msg.ReceiverID, ""))
	case delivery.Queued:
		r.reply(session, messages.StatusUpdate(msg, messages.StatusSent, msg.ReceiverID, ""))
	default:
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, msg.ReceiverID, ReasonDeliveryFailed))
	}
}

func (r *Router) handleGroup(ctx context.Context, session *presence.Session, msg messages.Message) {
	msg, err := r.stamp(session, msg)
	if err != nil {
		r.logger.Error("message id generation failed", zap.String("user_id", session.UserID), zap.Error(err))
		r.reply(session, messages.SystemFrame(ReasonInternal, "message could not be accepted"))
		return
	}

	r.record(ctx, msg)
	result, err := r.fanout.Fanout(ctx, msg.SenderID, msg.GroupID, msg)
	switch {
	case errors.Is(err, fanout.ErrGroupTooLargeForRealtimeFanout):
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, "", ReasonGroupTooLarge))
		return
	case errors.Is(err, fanout.ErrSenderNotMember):
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, "", ReasonNotGroupMember))
		return
	case errors.Is(err, fanout.ErrGroupUnavailable) && result.Deferred:
		r.reply(session, messages.StatusUpdate(msg, messages.StatusSent, "", ""))
		return
	case errors.Is(err, fanout.ErrGroupUnavailable):
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, "", ReasonGroupUnavailable))
		return
	case err != nil:
		r.logger.Error("group fanout failed",
			zap.String("group_id", msg.GroupID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, "", ReasonDeliveryFailed))
		return
	}

	r.reply(session, messages.StatusUpdate(msg, messages.StatusSent, "", ""))
	for _, member := range result.Delivered {
		r.reply(session, messages.StatusUpdate(msg, messages.StatusDelivered, member, ""))
	}
	for _, member := range result.Failed {
		r.reply(session, messages.StatusUpdate(msg, messages.StatusFailed, member, ReasonDeliveryFailed))
	}
}

func (r *Router) handleReadReceipt(ctx context.Context, session *presence.Session, frame messages.ReadReceiptFrame) {
	if err := r.store.MarkRead(ctx, frame.MessageID); err != nil {
		r.logger.Warn("read receipt not recorded", zap.String("message_id", frame.MessageID), zap.Error(err))
	}
	receipt := messages.Message{
		MessageID:  frame.MessageID,
		SenderID:   session.UserID,
		ReceiverID: frame.SenderID,
		Type:       messages.FrameTypeReadReceipt,
		Status:     messages.StatusRead,
		SentAt:     r.clock().UTC(),
	}
	if outcome := r.dispatcher.Deliver(ctx, frame.SenderID, receipt); outcome == delivery.Failed {
		r.logger.Warn("read receipt not delivered",
			zap.String("message_id", frame.MessageID),
			zap.String("sender_id", frame.SenderID))
	}
}

func (r *Router) record(ctx context.Context, msg messages.Message) {
	if err := r.store.Append(ctx, msg); err != nil {
		r.logger.Warn("message history write failed", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

func (r *Router) reply(session *presence.Session, frame messages.Frame) {
	if err := session.Send(frame); err != nil {
		r.logger.Debug("reply to sender failed",
			zap.String("user_id", session.UserID),
			zap.Int("type", int(frame.Type)),
			zap.Error(err))
	}
}
