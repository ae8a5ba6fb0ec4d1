package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "directory.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: database,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestMembersAreSortedAndDeduplicated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, user := range []string{"carol", "alice", "bob", "alice"} {
		if err := store.AddMember(ctx, "g-1", user); err != nil {
			t.Fatalf("add member failed: %v", err)
		}
	}

	members, err := store.Members(ctx, "g-1")
	if err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if len(members) != 3 || members[0] != "alice" || members[1] != "bob" || members[2] != "carol" {
		t.Fatalf("unexpected members %v", members)
	}

	if err := store.RemoveMember(ctx, "g-1", "bob"); err != nil {
		t.Fatalf("remove member failed: %v", err)
	}
	members, err = store.Members(ctx, "g-1")
	if err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected two members after removal, got %v", members)
	}
}

func TestAddMemberRejectsEmptyIdentifiers(t *testing.T) {
	store := openTestStore(t)
	err := store.AddMember(context.Background(), "  ", "alice")
	if !errors.Is(err, messages.ErrInvalidGroupID) {
		t.Fatalf("expected invalid group id, got %v", err)
	}
}

func TestPresenceUpsertAndCurrentNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	node, online, err := store.CurrentNode(ctx, "alice")
	if err != nil || online || node != "" {
		t.Fatalf("expected unknown user to be offline, got %q %v %v", node, online, err)
	}

	if err := store.SetOnlineStatus(ctx, "alice", true, "node-a"); err != nil {
		t.Fatalf("set online failed: %v", err)
	}
	if err := store.SetOnlineStatus(ctx, "alice", true, "node-b"); err != nil {
		t.Fatalf("set online failed: %v", err)
	}
	node, online, err = store.CurrentNode(ctx, "alice")
	if err != nil {
		t.Fatalf("current node failed: %v", err)
	}
	if !online || node != "node-b" {
		t.Fatalf("expected alice online on node-b, got %q %v", node, online)
	}

	if err := store.SetOnlineStatus(ctx, "alice", false, "node-b"); err != nil {
		t.Fatalf("set offline failed: %v", err)
	}
	_, online, err = store.CurrentNode(ctx, "alice")
	if err != nil || online {
		t.Fatalf("expected alice offline, got %v %v", online, err)
	}
}

func TestStaleOfflineDoesNotHideNewerNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetOnlineStatus(ctx, "alice", true, "node-a"); err != nil {
		t.Fatalf("set online failed: %v", err)
	}
	if err := store.SetOnlineStatus(ctx, "alice", true, "node-b"); err != nil {
		t.Fatalf("set online failed: %v", err)
	}
	if err := store.SetOnlineStatus(ctx, "alice", false, "node-a"); err != nil {
		t.Fatalf("set offline failed: %v", err)
	}

	node, online, err := store.CurrentNode(ctx, "alice")
	if err != nil {
		t.Fatalf("current node failed: %v", err)
	}
	if !online || node != "node-b" {
		t.Fatalf("expected alice still online on node-b, got %q %v", node, online)
	}
}

func TestOfflineForUnknownUserCreatesNoRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SetOnlineStatus(ctx, "ghost", false, "node-a"); err != nil {
		t.Fatalf("set offline failed: %v", err)
	}
	var count int64
	if err := store.db.Model(&UserPresence{}).Where("user_id = ?", "ghost").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no presence row for ghost, got %d", count)
	}
}

func TestReleaseNodeClearsOnlyThatNode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for user, node := range map[string]string{"alice": "n1", "bob": "n1", "carol": "n2"} {
		if err := store.SetOnlineStatus(ctx, user, true, node); err != nil {
			t.Fatalf("set online failed: %v", err)
		}
	}

	released, err := store.ReleaseNode(ctx, "n1")
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released != 2 {
		t.Fatalf("expected 2 released users, got %d", released)
	}
	if _, online, _ := store.CurrentNode(ctx, "alice"); online {
		t.Fatalf("expected alice offline after release")
	}
	if node, online, _ := store.CurrentNode(ctx, "carol"); !online || node != "n2" {
		t.Fatalf("expected carol untouched, got %s online=%v", node, online)
	}
}

func TestBlacklistIsDirectional(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Block(ctx, "bob", "alice"); err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if err := store.Block(ctx, "bob", "alice"); err != nil {
		t.Fatalf("repeated block failed: %v", err)
	}

	blocked, err := store.IsBlocked(ctx, "bob", "alice")
	if err != nil || !blocked {
		t.Fatalf("expected bob to block alice, got %v %v", blocked, err)
	}
	blocked, err = store.IsBlocked(ctx, "alice", "bob")
	if err != nil || blocked {
		t.Fatalf("expected the reverse edge to be absent, got %v %v", blocked, err)
	}

	if err := store.Unblock(ctx, "bob", "alice"); err != nil {
		t.Fatalf("unblock failed: %v", err)
	}
	blocked, err = store.IsBlocked(ctx, "bob", "alice")
	if err != nil || blocked {
		t.Fatalf("expected edge removed, got %v %v", blocked, err)
	}
}

func TestAppendAndMarkRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	msg := messages.Message{
		MessageID:  "m-1",
		SenderID:   "alice",
		ReceiverID: "bob",
		Type:       messages.FrameTypeText,
		Content:    "hi",
		SentAt:     time.UnixMilli(1700000000123),
	}
	if err := store.Append(ctx, msg); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := store.Append(ctx, msg); err != nil {
		t.Fatalf("idempotent append failed: %v", err)
	}
	if err := store.MarkRead(ctx, "m-1"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}

	var stored StoredMessage
	if err := store.db.Where(queryMessageID, "m-1").Take(&stored).Error; err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if stored.SentAtMillis != 1700000000123 {
		t.Fatalf("unexpected sent_at %d", stored.SentAtMillis)
	}
	if stored.ReadAtSeconds != 1700000000 {
		t.Fatalf("expected read stamp, got %d", stored.ReadAtSeconds)
	}
}

type countingGroups struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingGroups) Members(context.Context, string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return []string{"alice", "bob"}, nil
}

func TestCachedGroupDirectoryHonoursTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	next := &countingGroups{}
	cached := NewCachedGroupDirectory(next, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	for range 3 {
		members, err := cached.Members(ctx, "g-1")
		if err != nil || len(members) != 2 {
			t.Fatalf("unexpected members %v %v", members, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one backing lookup, got %d", next.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cached.Members(ctx, "g-1"); err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected expiry to trigger a reload, got %d calls", next.calls)
	}

	cached.Invalidate("g-1")
	if _, err := cached.Members(ctx, "g-1"); err != nil {
		t.Fatalf("members failed: %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected invalidate to trigger a reload, got %d calls", next.calls)
	}
}

func TestCachedGroupDirectoryDoesNotCacheErrors(t *testing.T) {
	next := &countingGroups{err: errors.New("down")}
	cached := NewCachedGroupDirectory(next, time.Minute, nil)
	for range 2 {
		if _, err := cached.Members(context.Background(), "g-1"); err == nil {
			t.Fatalf("expected error")
		}
	}
	if next.calls != 2 {
		t.Fatalf("expected errors to bypass the cache, got %d calls", next.calls)
	}
}

type recordingStore struct {
	mu       sync.Mutex
	appended []string
	read     []string
}

func (r *recordingStore) Append(_ context.Context, msg messages.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, msg.MessageID)
	return nil
}

func (r *recordingStore) MarkRead(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, messageID)
	return nil
}

func TestAsyncMessageStoreFlushesOnShutdown(t *testing.T) {
	backing := &recordingStore{}
	async := NewAsyncMessageStore(backing, 8, nil)

	ctx := context.Background()
	_ = async.Append(ctx, messages.Message{MessageID: "m-1"})
	_ = async.Append(ctx, messages.Message{MessageID: "m-2"})
	_ = async.MarkRead(ctx, "m-1")

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	async.Run(runCtx)

	backing.mu.Lock()
	defer backing.mu.Unlock()
	if len(backing.appended) != 2 || len(backing.read) != 1 {
		t.Fatalf("expected all queued writes to be applied, got %v %v", backing.appended, backing.read)
	}
	if backing.appended[0] != "m-1" || backing.appended[1] != "m-2" {
		t.Fatalf("expected writes in submission order, got %v", backing.appended)
	}
}
