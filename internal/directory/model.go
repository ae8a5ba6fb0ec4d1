package directory

import "time"

// GroupMember is one membership edge.
type GroupMember struct {
	GroupID  string    `gorm:"column:group_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	JoinedAt time.Time `gorm:"column:joined_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (GroupMember) TableName() string {
	return "group_members"
}

// UserPresence records where a user was last bound.
type UserPresence struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Online    bool      `gorm:"column:online;not null"`
	NodeID    string    `gorm:"column:node_id;size:190"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (UserPresence) TableName() string {
	return "user_presence"
}

// BlacklistEdge records that OwnerID has blocked BlockedID.
type BlacklistEdge struct {
	OwnerID   string    `gorm:"column:owner_id;primaryKey;size:190;not null"`
	BlockedID string    `gorm:"column:blocked_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BlacklistEdge) TableName() string {
	return "user_blacklist"
}

// StoredMessage is a history row.
type StoredMessage struct {
	MessageID      string `gorm:"column:message_id;primaryKey;size:64;not null"`
	SenderID       string `gorm:"column:sender_id;size:190;not null;index"`
	ReceiverID     string `gorm:"column:receiver_id;size:190;index"`
	GroupID        string `gorm:"column:group_id;size:190;index"`
	IsGroupMessage bool   `gorm:"column:is_group_message;not null"`
	Type           int    `gorm:"column:type;not null"`
	Content        string `gorm:"column:content;type:text"`
	FileURL        string `gorm:"column:file_url;size:1024"`
	FileSize       int64  `gorm:"column:file_size"`
	FileType       string `gorm:"column:file_type;size:128"`
	SentAtMillis   int64  `gorm:"column:sent_at_ms;not null"`
	ReadAtSeconds  int64  `gorm:"column:read_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (StoredMessage) TableName() string {
	return "messages"
}

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&GroupMember{}, &UserPresence{}, &BlacklistEdge{}, &StoredMessage{}}
}
