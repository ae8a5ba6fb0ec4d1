package directory

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew         = "directory.store.new"
	opMembers          = "directory.members"
	opAddMember        = "directory.add_member"
	opRemoveMember     = "directory.remove_member"
	opSetOnline        = "directory.set_online_status"
	opIsBlocked        = "directory.is_blocked"
	opBlock            = "directory.block"
	opUnblock          = "directory.unblock"
	opCurrentNode      = "directory.current_node"
	opReleaseNode      = "directory.release_node"
	opAppend           = "directory.append_message"
	opMarkRead         = "directory.mark_read"
	queryGroupID       = "group_id = ?"
	queryMember        = "group_id = ? AND user_id = ?"
	queryUserID        = "user_id = ?"
	queryUserOnNode    = "user_id = ? AND node_id = ?"
	queryOnlineOnNode  = "online = ? AND node_id = ?"
	queryEdge          = "owner_id = ? AND blocked_id = ?"
	queryMessageID     = "message_id = ?"
	orderUserIDAsc     = "user_id ASC"
	columnUserID       = "user_id"
	columnReadAt       = "read_at_s"
	reasonMissingDB    = "missing_database"
	reasonQueryFailed  = "query_failed"
	reasonInsertFailed = "insert_failed"
	reasonDeleteFailed = "delete_failed"
	reasonUpsert       = "upsert_failed"
	reasonUpdateFailed = "update_failed"
	reasonInvalidID    = "invalid_identifier"
	fieldGroupID       = "group_id"
	fieldUserID        = "user_id"
	fieldMessageID     = "message_id"
)

var errMissingDatabase = errors.New("database handle is required")

// StoreConfig describes the dependencies of the SQL-backed collaborators.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store implements GroupDirectory, UserDirectory and MessageStore over gorm.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Members returns the group's member ids in ascending order.
func (s *Store) Members(ctx context.Context, groupID string) ([]string, error) {
	var members []string
	err := s.db.WithContext(ctx).
		Model(&GroupMember{}).
		Where(queryGroupID, groupID).
		Order(orderUserIDAsc).
		Pluck(columnUserID, &members).Error
	if err != nil {
		s.logError(opMembers, reasonQueryFailed, err, zap.String(fieldGroupID, groupID))
		return nil, newServiceError(opMembers, reasonQueryFailed, err)
	}
	return members, nil
}

// AddMember adds userID to groupID. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	normalizedGroup, err := messages.NewGroupID(groupID)
	if err != nil {
		return newServiceError(opAddMember, reasonInvalidID, err)
	}
	normalizedUser, err := messages.NewUserID(userID)
	if err != nil {
		return newServiceError(opAddMember, reasonInvalidID, err)
	}
	member := GroupMember{GroupID: normalizedGroup, UserID: normalizedUser}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error; err != nil {
		s.logError(opAddMember, reasonInsertFailed, err,
			zap.String(fieldGroupID, normalizedGroup),
			zap.String(fieldUserID, normalizedUser))
		return newServiceError(opAddMember, reasonInsertFailed, err)
	}
	return nil
}

// RemoveMember removes userID from groupID.
func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := s.db.WithContext(ctx).Where(queryMember, groupID, userID).Delete(&GroupMember{}).Error; err != nil {
		s.logError(opRemoveMember, reasonDeleteFailed, err,
			zap.String(fieldGroupID, groupID),
			zap.String(fieldUserID, userID))
		return newServiceError(opRemoveMember, reasonDeleteFailed, err)
	}
	return nil
}

// SetOnlineStatus upserts the user's presence record when online. Going
// offline only clears a record still owned by nodeID, so a late release on an
// old node cannot hide a session the user already opened elsewhere.
func (s *Store) SetOnlineStatus(ctx context.Context, userID string, online bool, nodeID string) error {
	if !online {
		err := s.db.WithContext(ctx).
			Model(&UserPresence{}).
			Where(queryUserOnNode, userID, nodeID).
			Updates(map[string]any{"online": false, "updated_at": s.clock().UTC()}).Error
		if err != nil {
			s.logError(opSetOnline, reasonUpdateFailed, err, zap.String(fieldUserID, userID), zap.Bool("online", online))
			return newServiceError(opSetOnline, reasonUpdateFailed, err)
		}
		return nil
	}

	record := UserPresence{
		UserID:    userID,
		Online:    online,
		NodeID:    nodeID,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.AssignmentColumns([]string{"online", "node_id", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(opSetOnline, reasonUpsert, err, zap.String(fieldUserID, userID), zap.Bool("online", online))
		return newServiceError(opSetOnline, reasonUpsert, err)
	}
	return nil
}

// ReleaseNode marks every user recorded online on nodeID as offline. A node
// calls it at startup to clear records left behind by a crash.
func (s *Store) ReleaseNode(ctx context.Context, nodeID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&UserPresence{}).
		Where(queryOnlineOnNode, true, nodeID).
		Updates(map[string]any{"online": false, "updated_at": s.clock().UTC()})
	if result.Error != nil {
		s.logError(opReleaseNode, reasonUpdateFailed, result.Error, zap.String("node_id", nodeID))
		return 0, newServiceError(opReleaseNode, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// CurrentNode reports the last recorded node for userID. Unknown users are offline.
func (s *Store) CurrentNode(ctx context.Context, userID string) (string, bool, error) {
	var record UserPresence
	result := s.db.WithContext(ctx).Where(queryUserID, userID).Limit(1).Find(&record)
	if result.Error != nil {
		s.logError(opCurrentNode, reasonQueryFailed, result.Error, zap.String(fieldUserID, userID))
		return "", false, newServiceError(opCurrentNode, reasonQueryFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return "", false, nil
	}
	return record.NodeID, record.Online, nil
}

// IsBlocked reports whether ownerID has blocked otherID.
func (s *Store) IsBlocked(ctx context.Context, ownerID, otherID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&BlacklistEdge{}).Where(queryEdge, ownerID, otherID).Count(&count).Error
	if err != nil {
		s.logError(opIsBlocked, reasonQueryFailed, err,
			zap.String("owner_id", ownerID),
			zap.String("other_id", otherID))
		return false, newServiceError(opIsBlocked, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// Block records that ownerID blocks otherID.
func (s *Store) Block(ctx context.Context, ownerID, otherID string) error {
	edge := BlacklistEdge{OwnerID: ownerID, BlockedID: otherID}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error; err != nil {
		s.logError(opBlock, reasonInsertFailed, err, zap.String("owner_id", ownerID), zap.String("other_id", otherID))
		return newServiceError(opBlock, reasonInsertFailed, err)
	}
	return nil
}

// Unblock removes a blacklist edge.
func (s *Store) Unblock(ctx context.Context, ownerID, otherID string) error {
	if err := s.db.WithContext(ctx).Where(queryEdge, ownerID, otherID).Delete(&BlacklistEdge{}).Error; err != nil {
		s.logError(opUnblock, reasonDeleteFailed, err, zap.String("owner_id", ownerID), zap.String("other_id", otherID))
		return newServiceError(opUnblock, reasonDeleteFailed, err)
	}
	return nil
}

// Append stores msg in history. Re-appending the same message id is a no-op.
func (s *Store) Append(ctx context.Context, msg messages.Message) error {
	row := StoredMessage{
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		GroupID:        msg.GroupID,
		IsGroupMessage: msg.IsGroupMessage,
		Type:           int(msg.Type),
		Content:        msg.Content,
		FileURL:        msg.FileURL,
		FileSize:       msg.FileSize,
		FileType:       msg.FileType,
		SentAtMillis:   msg.SentAt.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		s.logError(opAppend, reasonInsertFailed, err, zap.String(fieldMessageID, msg.MessageID))
		return newServiceError(opAppend, reasonInsertFailed, err)
	}
	return nil
}

// MarkRead stamps the read time on a stored message.
func (s *Store) MarkRead(ctx context.Context, messageID string) error {
	err := s.db.WithContext(ctx).
		Model(&StoredMessage{}).
		Where(queryMessageID, messageID).
		Update(columnReadAt, s.clock().UTC().Unix()).Error
	if err != nil {
		s.logError(opMarkRead, reasonUpdateFailed, err, zap.String(fieldMessageID, messageID))
		return newServiceError(opMarkRead, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("directory store error", attrs...)
}
