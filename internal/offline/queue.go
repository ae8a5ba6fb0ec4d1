package offline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opQueueNew        = "offline.queue.new"
	opEnqueue         = "offline.enqueue"
	opEnqueueGroup    = "offline.enqueue_group"
	opDrain           = "offline.drain"
	opPending         = "offline.pending"
	opPendingGroups   = "offline.pending_groups"
	opRemove          = "offline.remove"
	opPurgeExpired    = "offline.purge_expired"
	querySeq          = "seq = ?"
	queryKindNext     = "kind = ? AND recipient_id = ? AND seq > ?"
	queryKindOwner    = "kind = ? AND recipient_id = ?"
	queryKind         = "kind = ?"
	queryExpired      = "enqueued_at_s < ?"
	orderSeqAsc       = "seq ASC"
	reasonMissingDB   = "missing_database"
	reasonInvalidTTL  = "invalid_ttl"
	reasonEncode      = "encode_failed"
	reasonInsert      = "insert_failed"
	reasonQuery       = "query_failed"
	reasonDelete      = "delete_failed"
	reasonDecode      = "decode_failed"
	reasonMissingUser = "missing_recipient"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errInvalidTTL       = errors.New("retention ttl must be positive")
	errMissingRecipient = errors.New("recipient identifier is required")
)

// QueueError carries a stable operation.reason code alongside the cause.
type QueueError struct {
	code string
	err  error
}

func (e *QueueError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *QueueError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *QueueError) Code() string {
	return e.code
}

func newQueueError(operation, reason string, cause error) error {
	return &QueueError{code: operation + "." + reason, err: cause}
}

// QueueConfig describes the dependencies of the offline queue.
type QueueConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Queue is the durable per-recipient FIFO for unreachable recipients.
type Queue struct {
	db      *gorm.DB
	ttl     time.Duration
	clock   func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewQueue constructs a Queue over an already migrated database.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newQueueError(opQueueNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.TTL <= 0 {
		return nil, newQueueError(opQueueNew, reasonInvalidTTL, errInvalidTTL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:      cfg.Database,
		ttl:     cfg.TTL,
		clock:   clock,
		logger:  logger,
		metrics: metrics.OrNop(cfg.Metrics),
	}, nil
}

// Enqueue appends msg to the recipient's queue.
func (q *Queue) Enqueue(ctx context.Context, recipientID string, msg messages.Message) error {
	return q.insert(ctx, opEnqueue, EntryKindUser, recipientID, msg)
}

// EnqueueGroup records a group message whose member list could not be resolved.
func (q *Queue) EnqueueGroup(ctx context.Context, groupID string, msg messages.Message) error {
	return q.insert(ctx, opEnqueueGroup, EntryKindGroup, groupID, msg)
}

func (q *Queue) insert(ctx context.Context, operation string, kind EntryKind, recipientID string, msg messages.Message) error {
	if recipientID == "" {
		return newQueueError(operation, reasonMissingUser, errMissingRecipient)
	}
	entry, err := newEntry(kind, recipientID, msg, q.clock().UTC().Unix())
	if err != nil {
		q.logError(operation, reasonEncode, err, zap.String("recipient_id", recipientID))
		return newQueueError(operation, reasonEncode, err)
	}
	if err := q.db.WithContext(ctx).Create(&entry).Error; err != nil {
		q.logError(operation, reasonInsert, err,
			zap.String("recipient_id", recipientID),
			zap.String("message_id", msg.MessageID))
		return newQueueError(operation, reasonInsert, err)
	}
	q.metrics.OfflineEnqueued.WithLabelValues(string(kind)).Inc()
	q.logger.Debug("offline entry queued",
		zap.String("kind", string(kind)),
		zap.String("recipient_id", recipientID),
		zap.String("message_id", msg.MessageID),
		zap.Int64("seq", entry.Seq))
	return nil
}

// Drain lazily yields the recipient's pending messages in enqueue order.
// An entry is removed only after the consumer accepted it, i.e. the yield
// call returned true; breaking out of the loop leaves the entry queued.
// Entries enqueued while draining are picked up by the same pass.
func (q *Queue) Drain(ctx context.Context, recipientID string) iter.Seq2[messages.Message, error] {
	return func(yield func(messages.Message, error) bool) {
		var lastSeq int64
		for {
			if err := ctx.Err(); err != nil {
				yield(messages.Message{}, err)
				return
			}

			var entry Entry
			result := q.db.WithContext(ctx).
				Where(queryKindNext, EntryKindUser, recipientID, lastSeq).
				Order(orderSeqAsc).
				Limit(1).
				Find(&entry)
			if result.Error != nil {
				q.logError(opDrain, reasonQuery, result.Error, zap.String("recipient_id", recipientID))
				yield(messages.Message{}, newQueueError(opDrain, reasonQuery, result.Error))
				return
			}
			if result.RowsAffected == 0 {
				return
			}
			lastSeq = entry.Seq

			if q.expired(entry) {
				if err := q.deleteEntry(ctx, entry.Seq); err != nil {
					q.logError(opDrain, reasonDelete, err, zap.Int64("seq", entry.Seq))
				} else {
					q.metrics.OfflineExpired.Inc()
				}
				continue
			}

			msg, err := entry.message()
			if err != nil {
				// left in place for the reaper; replaying it would only fail again
				q.logError(opDrain, reasonDecode, err,
					zap.String("recipient_id", recipientID),
					zap.Int64("seq", entry.Seq))
				continue
			}
			msg.IsOffline = true

			if !yield(msg, nil) {
				return
			}
			q.metrics.OfflineReplayed.Inc()

			if err := q.deleteEntry(ctx, entry.Seq); err != nil {
				q.logError(opDrain, reasonDelete, err,
					zap.String("recipient_id", recipientID),
					zap.Int64("seq", entry.Seq))
				yield(messages.Message{}, newQueueError(opDrain, reasonDelete, err))
				return
			}
		}
	}
}

// Pending counts live (non-expired) entries for a recipient.
func (q *Queue) Pending(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&Entry{}).
		Where(queryKindOwner, EntryKindUser, recipientID).
		Where("enqueued_at_s >= ?", q.cutoff()).
		Count(&count).Error
	if err != nil {
		q.logError(opPending, reasonQuery, err, zap.String("recipient_id", recipientID))
		return 0, newQueueError(opPending, reasonQuery, err)
	}
	return count, nil
}

// PendingGroups returns up to limit queued group messages, oldest first.
func (q *Queue) PendingGroups(ctx context.Context, limit int) ([]GroupEntry, error) {
	var entries []Entry
	query := q.db.WithContext(ctx).
		Where(queryKind, EntryKindGroup).
		Where("enqueued_at_s >= ?", q.cutoff()).
		Order(orderSeqAsc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		q.logError(opPendingGroups, reasonQuery, err)
		return nil, newQueueError(opPendingGroups, reasonQuery, err)
	}

	result := make([]GroupEntry, 0, len(entries))
	for _, entry := range entries {
		msg, err := entry.message()
		if err != nil {
			q.logError(opPendingGroups, reasonDecode, err, zap.Int64("seq", entry.Seq))
			continue
		}
		result = append(result, GroupEntry{Seq: entry.Seq, GroupID: entry.RecipientID, Message: msg})
	}
	return result, nil
}

// Remove deletes a single entry, typically after group reconciliation.
func (q *Queue) Remove(ctx context.Context, seq int64) error {
	if err := q.deleteEntry(ctx, seq); err != nil {
		q.logError(opRemove, reasonDelete, err, zap.Int64("seq", seq))
		return newQueueError(opRemove, reasonDelete, err)
	}
	return nil
}

// PurgeExpired deletes every entry older than the retention TTL.
func (q *Queue) PurgeExpired(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Where(queryExpired, q.cutoff()).Delete(&Entry{})
	if result.Error != nil {
		q.logError(opPurgeExpired, reasonDelete, result.Error)
		return 0, newQueueError(opPurgeExpired, reasonDelete, result.Error)
	}
	if result.RowsAffected > 0 {
		q.metrics.OfflineExpired.Add(float64(result.RowsAffected))
		q.logger.Info("expired offline entries purged", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// RunReaper purges expired entries every interval until ctx is done.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = q.PurgeExpired(ctx)
		}
	}
}

func (q *Queue) deleteEntry(ctx context.Context, seq int64) error {
	return q.db.WithContext(ctx).Where(querySeq, seq).Delete(&Entry{}).Error
}

func (q *Queue) cutoff() int64 {
	return q.clock().UTC().Add(-q.ttl).Unix()
}

func (q *Queue) expired(entry Entry) bool {
	return entry.EnqueuedAtSeconds < q.cutoff()
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("offline queue error", attrs...)
}
