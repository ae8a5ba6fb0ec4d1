// Package fanout expands a group message into per-member deliveries.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgate/internal/directory"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"github.com/MarcoPoloResearchLab/imgate/internal/offline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxMembers     = 500
	defaultWorkers        = 32
	defaultReconcileBatch = 100
	rejectTooLarge        = "too_large"
	rejectUnavailable     = "unavailable"
	rejectNotMember       = "not_member"
)

var (
	// ErrGroupUnavailable indicates the member list could not be resolved.
	ErrGroupUnavailable = errors.New("fanout: group directory unavailable")
	// ErrGroupTooLargeForRealtimeFanout indicates the group exceeds the realtime member cap.
	ErrGroupTooLargeForRealtimeFanout = errors.New("fanout: group too large for realtime fanout")
	// ErrSenderNotMember indicates the sender does not belong to the group.
	ErrSenderNotMember = errors.New("fanout: sender is not a group member")
)

// Deliverer delivers to one recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipientID string, msg messages.Message) delivery.Outcome
}

// GroupQueue stores group messages whose members could not be resolved.
type GroupQueue interface {
	EnqueueGroup(ctx context.Context, groupID string, msg messages.Message) error
	PendingGroups(ctx context.Context, limit int) ([]offline.GroupEntry, error)
	Remove(ctx context.Context, seq int64) error
}

// Config describes the dependencies of an Engine.
type Config struct {
	Groups     directory.GroupDirectory
	Dispatcher Deliverer
	Queue      GroupQueue
	MaxMembers int
	Workers    int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Result lists recipients by outcome, each sorted.
type Result struct {
	Delivered []string
	Queued    []string
	Failed    []string
	// Deferred is set when the whole message was parked for reconciliation.
	Deferred bool
}

// Engine runs group fanouts on a node-wide bounded pool.
type Engine struct {
	groups     directory.GroupDirectory
	dispatcher Deliverer
	queue      GroupQueue
	maxMembers int
	pool       *semaphore.Weighted
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) *Engine {
	maxMembers := cfg.MaxMembers
	if maxMembers <= 0 {
		maxMembers = defaultMaxMembers
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		groups:     cfg.Groups,
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		maxMembers: maxMembers,
		pool:       semaphore.NewWeighted(int64(workers)),
		logger:     logger,
		metrics:    metrics.OrNop(cfg.Metrics),
	}
}

// Fanout delivers msg to every member of groupID except senderID, who must
// be a member. When the member list cannot be resolved the message is parked
// once for the group and ErrGroupUnavailable is returned with Result.Deferred
// set.
func (e *Engine) Fanout(ctx context.Context, senderID, groupID string, msg messages.Message) (Result, error) {
	result, err := e.fanout(ctx, senderID, groupID, msg)
	if !errors.Is(err, ErrGroupUnavailable) {
		return result, err
	}
	if enqueueErr := e.queue.EnqueueGroup(context.WithoutCancel(ctx), groupID, msg); enqueueErr != nil {
		e.logger.Error("group message could not be parked, message not delivered",
			zap.String("group_id", groupID),
			zap.String("message_id", msg.MessageID),
			zap.Error(enqueueErr))
		return result, errors.Join(err, enqueueErr)
	}
	result.Deferred = true
	return result, err
}

func (e *Engine) fanout(ctx context.Context, senderID, groupID string, msg messages.Message) (Result, error) {
	members, err := e.groups.Members(ctx, groupID)
	if err != nil {
		e.metrics.FanoutRejected.WithLabelValues(rejectUnavailable).Inc()
		e.logger.Warn("group member lookup failed",
			zap.String("group_id", groupID),
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
		return Result{}, fmt.Errorf("%w: %s: %v", ErrGroupUnavailable, groupID, err)
	}

	unique := dedupe(members)
	if !slices.Contains(unique, senderID) {
		e.metrics.FanoutRejected.WithLabelValues(rejectNotMember).Inc()
		return Result{}, fmt.Errorf("%w: %s in %s", ErrSenderNotMember, senderID, groupID)
	}
	if len(unique) > e.maxMembers {
		e.metrics.FanoutRejected.WithLabelValues(rejectTooLarge).Inc()
		return Result{}, fmt.Errorf("%w: %s has %d members, limit %d",
			ErrGroupTooLargeForRealtimeFanout, groupID, len(unique), e.maxMembers)
	}

	recipients := make([]string, 0, len(unique))
	for _, member := range unique {
		if member != senderID {
			recipients = append(recipients, member)
		}
	}
	e.metrics.FanoutMembers.Observe(float64(len(recipients)))

	// deliveries outlive the sender's connection
	deliveryCtx := context.WithoutCancel(ctx)
	var (
		mu     sync.Mutex
		result Result
		group  errgroup.Group
	)
	for _, member := range recipients {
		if err := e.pool.Acquire(deliveryCtx, 1); err != nil {
			return result, err
		}
		group.Go(func() error {
			defer e.pool.Release(1)
			outcome := e.dispatcher.Deliver(deliveryCtx, member, msg)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case delivery.Delivered:
				result.Delivered = append(result.Delivered, member)
			case delivery.Queued:
				result.Queued = append(result.Queued, member)
			default:
				result.Failed = append(result.Failed, member)
			}
			return nil
		})
	}
	_ = group.Wait()

	sort.Strings(result.Delivered)
	sort.Strings(result.Queued)
	sort.Strings(result.Failed)
	return result, nil
}

// Reconcile retries parked group messages, oldest first, and reports how many
// were resolved. A pass stops at the first group that is still unavailable.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	entries, err := e.queue.PendingGroups(ctx, defaultReconcileBatch)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, entry := range entries {
		result, err := e.fanout(ctx, entry.Message.SenderID, entry.GroupID, entry.Message)
		switch {
		case errors.Is(err, ErrGroupUnavailable):
			return resolved, nil
		case errors.Is(err, ErrGroupTooLargeForRealtimeFanout), errors.Is(err, ErrSenderNotMember):
			e.logger.Error("dropping parked group message",
				zap.String("group_id", entry.GroupID),
				zap.String("message_id", entry.Message.MessageID),
				zap.Error(err))
		case err != nil:
			return resolved, err
		default:
			e.logger.Info("parked group message fanned out",
				zap.String("group_id", entry.GroupID),
				zap.String("message_id", entry.Message.MessageID),
				zap.Int("delivered", len(result.Delivered)),
				zap.Int("queued", len(result.Queued)),
				zap.Int("failed", len(result.Failed)))
		}
		if err := e.queue.Remove(ctx, entry.Seq); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (e *Engine) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				e.logger.Warn("group reconciliation failed", zap.Error(err))
			}
		}
	}
}

func dedupe(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	unique := make([]string, 0, len(members))
	for _, member := range members {
		if member == "" {
			continue
		}
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		unique = append(unique, member)
	}
	return unique
}
