package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/auth"
	"github.com/MarcoPoloResearchLab/imgate/internal/delivery"
	"github.com/MarcoPoloResearchLab/imgate/internal/fanout"
	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"github.com/MarcoPoloResearchLab/imgate/internal/offline"
	"github.com/MarcoPoloResearchLab/imgate/internal/presence"
	"github.com/MarcoPoloResearchLab/imgate/internal/relay"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const waitFor = 2 * time.Second

type pipeConn struct {
	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	frames    []messages.Frame
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Send(frame messages.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *pipeConn) write(t *testing.T, frame messages.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *pipeConn) received() []messages.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messages.Frame(nil), c.frames...)
}

func (c *pipeConn) matching(match func(messages.Frame) bool) []messages.Frame {
	var out []messages.Frame
	for _, frame := range c.received() {
		if match(frame) {
			out = append(out, frame)
		}
	}
	return out
}

func (c *pipeConn) waitCount(t *testing.T, want int, match func(messages.Frame) bool) []messages.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.matching(match)) >= want }, waitFor, 5*time.Millisecond)
	return c.matching(match)
}

func ofType(frameType messages.FrameType) func(messages.Frame) bool {
	return func(frame messages.Frame) bool { return frame.Type == frameType }
}

func withReason(reason string) func(messages.Frame) bool {
	return func(frame messages.Frame) bool {
		return frame.Type == messages.FrameTypeSystem && frame.Reason == reason
	}
}

func withStatus(status messages.Status) func(messages.Frame) bool {
	return func(frame messages.Frame) bool { return frame.Status == status }
}

type setBlacklist struct {
	mu    sync.Mutex
	edges map[[2]string]bool
	err   error
}

func (b *setBlacklist) IsBlocked(_ context.Context, ownerID, otherID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return false, b.err
	}
	return b.edges[[2]string{ownerID, otherID}], nil
}

type recordingStore struct {
	mu       sync.Mutex
	appended []string
	read     []string
}

func (s *recordingStore) Append(_ context.Context, msg messages.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, msg.MessageID)
	return nil
}

func (s *recordingStore) MarkRead(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, messageID)
	return nil
}

func (s *recordingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended), len(s.read)
}

type staticGroups map[string][]string

func (g staticGroups) Members(_ context.Context, groupID string) ([]string, error) {
	members, ok := g[groupID]
	if !ok {
		return nil, errors.New("unknown group")
	}
	return members, nil
}

type nowhereLocator struct{}

func (nowhereLocator) CurrentNode(context.Context, string) (string, bool, error) {
	return "", false, nil
}

type harness struct {
	registry  *presence.Registry
	queue     *offline.Queue
	replayer  *Replayer
	blacklist *setBlacklist
	store     *recordingStore
	router    *Router
}

type harnessOptions struct {
	authenticator Authenticator
	maxMembers    int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(&offline.Entry{}))
	queue, err := offline.NewQueue(offline.QueueConfig{Database: database, TTL: time.Hour})
	require.NoError(t, err)

	registry := presence.NewRegistry(presence.RegistryConfig{NodeID: "n1"})
	replayer := NewReplayer(ReplayerConfig{Registry: registry, Offline: queue})
	dispatcher := delivery.NewDispatcher(delivery.Config{
		NodeID:      "n1",
		Local:       registry,
		Locator:     nowhereLocator{},
		Relay:       relay.NewLocalNetwork().Relay("n1", time.Second),
		Queue:       queue,
		Redeliver:   replayer,
		GateTimeout: time.Second,
	})
	engine := fanout.NewEngine(fanout.Config{
		Groups:     staticGroups{"g-1": {"alice", "bob", "carol"}},
		Dispatcher: dispatcher,
		Queue:      queue,
		MaxMembers: opts.maxMembers,
	})
	h := &harness{
		registry:  registry,
		queue:     queue,
		replayer:  replayer,
		blacklist: &setBlacklist{edges: map[[2]string]bool{}},
		store:     &recordingStore{},
	}
	h.router = New(Config{
		Registry:      registry,
		Dispatcher:    dispatcher,
		Fanout:        engine,
		Offline:       queue,
		Replayer:      replayer,
		Blacklist:     h.blacklist,
		Store:         h.store,
		Authenticator: opts.authenticator,
	})
	return h
}

// serve starts a connection and returns a channel closed when Serve returns.
func (h *harness) serve(t *testing.T) (*pipeConn, <-chan struct{}) {
	t.Helper()
	conn := newPipeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.router.Serve(context.Background(), conn)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return conn, done
}

// connect authenticates userID and waits until the session takes live traffic.
func (h *harness) connect(t *testing.T, userID string) *pipeConn {
	t.Helper()
	conn, _ := h.serve(t)
	conn.write(t, messages.Frame{Type: messages.FrameTypeAuth, SenderID: userID})
	conn.waitCount(t, 1, withReason(ReasonConnected))
	require.Eventually(t, func() bool {
		session, ok := h.registry.Lookup(userID)
		if !ok {
			return false
		}
		select {
		case <-session.Ready():
			return true
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)
	return conn
}

func textTo(receiverID, content string) messages.Frame {
	return messages.Frame{Type: messages.FrameTypeText, ReceiverID: receiverID, Content: content}
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("connection was not closed")
	}
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	conn, done := h.serve(t)

	conn.write(t, textTo("bob", "hi"))

	waitClosed(t, done)
	assert.Len(t, conn.matching(withReason(ReasonAuthRequired)), 1)
	assert.False(t, conn.Open())
	assert.Zero(t, h.registry.Count())
}

func TestAuthenticatorRejectsForeignToken(t *testing.T) {
	issuer, err := auth.NewTokenIssuer(auth.IssuerConfig{SigningSecret: []byte("secret"), Issuer: "imgate"})
	require.NoError(t, err)
	validator, err := auth.NewTokenValidator(auth.ValidatorConfig{SigningSecret: []byte("secret"), Issuer: "imgate"})
	require.NoError(t, err)
	h := newHarness(t, harnessOptions{authenticator: validator})

	token, _, err := issuer.Issue("mallory")
	require.NoError(t, err)
	conn, done := h.serve(t)
	conn.write(t, messages.Frame{Type: messages.FrameTypeAuth, SenderID: "alice", Token: token})

	waitClosed(t, done)
	assert.Len(t, conn.matching(withReason(ReasonAuthFailed)), 1)
	_, bound := h.registry.Lookup("alice")
	assert.False(t, bound)

	token, _, err = issuer.Issue("alice")
	require.NoError(t, err)
	conn, _ = h.serve(t)
	conn.write(t, messages.Frame{Type: messages.FrameTypeAuth, SenderID: "alice", Token: token})
	conn.waitCount(t, 1, withReason(ReasonConnected))
}

func TestDirectMessageDeliveredAndAcknowledged(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, messages.Frame{Type: messages.FrameTypeText, SenderID: "spoofed", ReceiverID: "bob", Content: "hello"})

	delivered := bob.waitCount(t, 1, ofType(messages.FrameTypeText))
	assert.Equal(t, "alice", delivered[0].SenderID, "sender comes from the session")
	assert.Equal(t, "hello", delivered[0].Content)
	assert.NotEmpty(t, delivered[0].MessageID)
	assert.NotZero(t, delivered[0].SentAt)
	assert.Equal(t, messages.StatusUnknown, delivered[0].Status)

	acks := alice.waitCount(t, 2, ofType(messages.FrameTypeText))
	assert.Equal(t, messages.StatusSent, acks[0].Status)
	assert.Equal(t, messages.StatusDelivered, acks[1].Status)
	assert.Equal(t, delivered[0].MessageID, acks[1].MessageID)
	assert.Empty(t, acks[1].Content)

	appended, _ := h.store.counts()
	assert.Equal(t, 1, appended)
}

func TestOfflineRecipientIsQueuedThenReplayedBeforeLiveTraffic(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")

	alice.write(t, textTo("carol", "first"))
	alice.write(t, textTo("carol", "second"))
	acks := alice.waitCount(t, 2, withStatus(messages.StatusSent))
	assert.Len(t, acks, 2)
	assert.Empty(t, alice.matching(withStatus(messages.StatusDelivered)), "queued messages are only SENT")

	pending, err := h.queue.Pending(context.Background(), "carol")
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)

	carol := h.connect(t, "carol")
	alice.write(t, textTo("carol", "third"))

	frames := carol.waitCount(t, 3, ofType(messages.FrameTypeText))
	all := carol.received()
	assert.Equal(t, ReasonConnected, all[0].Reason)
	assert.Equal(t, []string{"first", "second", "third"}, []string{frames[0].Content, frames[1].Content, frames[2].Content})
	assert.True(t, frames[0].IsOffline)
	assert.True(t, frames[1].IsOffline)
	assert.False(t, frames[2].IsOffline)

	pending, err = h.queue.Pending(context.Background(), "carol")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBlockedSenderReceivesFailedEcho(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.blacklist.edges[[2]string{"alice", "bob"}] = true
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, textTo("bob", "let me in"))

	echo := alice.waitCount(t, 1, withStatus(messages.StatusFailed))
	assert.True(t, echo[0].IsBlocked)
	assert.Equal(t, ReasonBlocked, echo[0].Reason)
	assert.Equal(t, "let me in", echo[0].Content)
	assert.Equal(t, "bob", echo[0].ReceiverID)

	// the reverse direction is not blocked
	bob.write(t, textTo("alice", "hi"))
	alice.waitCount(t, 1, func(f messages.Frame) bool { return f.SenderID == "bob" && f.Content == "hi" })
	assert.Empty(t, bob.matching(func(f messages.Frame) bool { return f.Type == messages.FrameTypeText && f.SenderID == "alice" }))

	pending, err := h.queue.Pending(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestBlacklistErrorFailsClosed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.blacklist.err = errors.New("directory down")
	alice := h.connect(t, "alice")

	alice.write(t, textTo("bob", "hi"))

	failed := alice.waitCount(t, 1, withStatus(messages.StatusFailed))
	assert.Equal(t, ReasonBlacklistUnavailable, failed[0].Reason)
	assert.False(t, failed[0].IsBlocked)
	pending, err := h.queue.Pending(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestGroupMessageFansOutAndAcknowledgesPerMember(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	alice.write(t, messages.Frame{Type: messages.FrameTypeText, GroupID: "g-1", IsGroupMessage: true, Content: "team"})

	received := bob.waitCount(t, 1, ofType(messages.FrameTypeText))
	assert.Equal(t, "g-1", received[0].GroupID)
	assert.True(t, received[0].IsGroupMessage)

	alice.waitCount(t, 1, withStatus(messages.StatusDelivered))
	sent := alice.matching(withStatus(messages.StatusSent))
	require.Len(t, sent, 1)
	delivered := alice.matching(withStatus(messages.StatusDelivered))
	require.Len(t, delivered, 1)
	assert.Equal(t, "bob", delivered[0].ReceiverID)
	assert.Empty(t, alice.matching(func(f messages.Frame) bool { return f.Content == "team" }), "sender does not receive its own group message")

	pending, err := h.queue.Pending(context.Background(), "carol")
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestGroupTooLargeIsRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{maxMembers: 2})
	alice := h.connect(t, "alice")

	alice.write(t, messages.Frame{Type: messages.FrameTypeText, GroupID: "g-1", IsGroupMessage: true, Content: "team"})

	failed := alice.waitCount(t, 1, withStatus(messages.StatusFailed))
	assert.Equal(t, ReasonGroupTooLarge, failed[0].Reason)
	assert.Empty(t, alice.matching(withStatus(messages.StatusSent)))
}

func TestGroupMessageFromNonMemberFails(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	mallory := h.connect(t, "mallory")
	bob := h.connect(t, "bob")

	mallory.write(t, messages.Frame{Type: messages.FrameTypeText, GroupID: "g-1", IsGroupMessage: true, Content: "let me in"})

	failed := mallory.waitCount(t, 1, withStatus(messages.StatusFailed))
	assert.Equal(t, ReasonNotGroupMember, failed[0].Reason)
	assert.Empty(t, mallory.matching(withStatus(messages.StatusSent)))

	// a later message proves the rejected one was never delivered ahead of it
	mallory.write(t, textTo("bob", "direct"))
	bob.waitCount(t, 1, func(f messages.Frame) bool { return f.Content == "direct" })
	assert.Empty(t, bob.matching(func(f messages.Frame) bool { return f.Content == "let me in" }))

	pending, err := h.queue.Pending(context.Background(), "carol")
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestUnknownGroupIsParked(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")

	alice.write(t, messages.Frame{Type: messages.FrameTypeText, GroupID: "g-missing", IsGroupMessage: true, Content: "later"})

	alice.waitCount(t, 1, withStatus(messages.StatusSent))
	parked, err := h.queue.PendingGroups(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "g-missing", parked[0].GroupID)
}

func TestReadReceiptReachesOriginalSender(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	bob.write(t, messages.Frame{Type: messages.FrameTypeReadReceipt, MessageID: "m-1", SenderID: "bob", ReceiverID: "alice"})

	receipts := alice.waitCount(t, 1, ofType(messages.FrameTypeReadReceipt))
	assert.Equal(t, "m-1", receipts[0].MessageID)
	assert.Equal(t, "bob", receipts[0].SenderID)
	assert.Equal(t, messages.StatusRead, receipts[0].Status)

	require.Eventually(t, func() bool {
		_, read := h.store.counts()
		return read == 1
	}, waitFor, 5*time.Millisecond)
}

func TestControlFramesAfterAuthentication(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")

	alice.write(t, messages.Frame{Type: messages.FrameTypeKeepalive})
	alice.waitCount(t, 1, ofType(messages.FrameTypeKeepalive))

	alice.write(t, messages.Frame{Type: messages.FrameTypeAuth, SenderID: "alice"})
	alice.waitCount(t, 1, withReason(ReasonAlreadyAuthenticated))

	alice.write(t, messages.Frame{Type: messages.FrameTypeSystem, Content: "pretend"})
	alice.waitCount(t, 1, withReason(ReasonUnsupportedType))

	alice.inbound <- []byte("{not json")
	alice.waitCount(t, 1, withReason(ReasonInvalidFrame))

	assert.True(t, alice.Open(), "protocol errors after auth keep the connection")
	_, bound := h.registry.Lookup("alice")
	assert.True(t, bound)
}

func TestClosedConnectionReleasesSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	alice := h.connect(t, "alice")
	require.Equal(t, 1, h.registry.Count())

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, waitFor, 5*time.Millisecond)
}

func TestReplacedConnectionDoesNotReleaseNewSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.connect(t, "alice")
	second := h.connect(t, "alice")

	require.Eventually(t, func() bool { return !first.Open() }, waitFor, 5*time.Millisecond)
	session, ok := h.registry.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, session.Conn())
}
