package directory

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"go.uber.org/zap"
)

const defaultAsyncBuffer = 1024

type storeOp struct {
	msg       messages.Message
	messageID string
}

// AsyncMessageStore queues history writes for a background worker so callers
// on the delivery path never wait on storage. When the buffer is full the
// write is dropped and logged.
type AsyncMessageStore struct {
	next   MessageStore
	logger *zap.Logger
	queue  chan storeOp
	done   chan struct{}
	once   sync.Once
}

// NewAsyncMessageStore wraps next with a buffered queue of the given size.
func NewAsyncMessageStore(next MessageStore, buffer int, logger *zap.Logger) *AsyncMessageStore {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncMessageStore{
		next:   next,
		logger: logger,
		queue:  make(chan storeOp, buffer),
		done:   make(chan struct{}),
	}
}

// Append enqueues a history write.
func (s *AsyncMessageStore) Append(_ context.Context, msg messages.Message) error {
	s.submit(storeOp{msg: msg})
	return nil
}

// MarkRead enqueues a read stamp.
func (s *AsyncMessageStore) MarkRead(_ context.Context, messageID string) error {
	s.submit(storeOp{messageID: messageID})
	return nil
}

func (s *AsyncMessageStore) submit(op storeOp) {
	select {
	case <-s.done:
		s.logger.Warn("message store closed, write dropped", zap.String(fieldMessageID, op.id()))
	case s.queue <- op:
	default:
		s.logger.Error("message store backlog full, write dropped", zap.String(fieldMessageID, op.id()))
	}
}

// Run applies queued writes until ctx is done, then flushes what is left.
func (s *AsyncMessageStore) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case op := <-s.queue:
			s.apply(writeCtx, op)
		case <-ctx.Done():
			s.flush(writeCtx)
			return
		}
	}
}

func (s *AsyncMessageStore) flush(ctx context.Context) {
	for {
		select {
		case op := <-s.queue:
			s.apply(ctx, op)
		default:
			return
		}
	}
}

func (s *AsyncMessageStore) apply(ctx context.Context, op storeOp) {
	var err error
	if op.messageID != "" {
		err = s.next.MarkRead(ctx, op.messageID)
	} else {
		err = s.next.Append(ctx, op.msg)
	}
	if err != nil {
		s.logger.Warn("message store write failed", zap.String(fieldMessageID, op.id()), zap.Error(err))
	}
}

func (op storeOp) id() string {
	if op.messageID != "" {
		return op.messageID
	}
	return op.msg.MessageID
}
