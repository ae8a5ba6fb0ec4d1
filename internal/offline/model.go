package offline

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/imgate/internal/messages"
)

// EntryKind distinguishes per-user entries from group messages awaiting reconciliation.
type EntryKind string

const (
	// EntryKindUser holds a message for one recipient.
	EntryKindUser EntryKind = "user"
	// EntryKindGroup holds a whole group message whose member list was unavailable.
	EntryKindGroup EntryKind = "group"
)

// Entry is one queued message. Seq is monotonic and defines FIFO order per recipient.
type Entry struct {
	Seq               int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	Kind              EntryKind `gorm:"column:kind;size:16;not null;default:'user';index:idx_offline_kind_recipient,priority:1"`
	RecipientID       string    `gorm:"column:recipient_id;size:190;not null;index:idx_offline_kind_recipient,priority:2"`
	MessageID         string    `gorm:"column:message_id;size:64;not null"`
	PayloadJSON       string    `gorm:"column:payload_json;type:text;not null"`
	EnqueuedAtSeconds int64     `gorm:"column:enqueued_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "offline_entries"
}

// GroupEntry is a queued group message awaiting a member list.
type GroupEntry struct {
	Seq     int64
	GroupID string
	Message messages.Message
}

func newEntry(kind EntryKind, recipientID string, msg messages.Message, enqueuedAt int64) (Entry, error) {
	payload, err := json.Marshal(messages.Project(msg, messages.ViewInternal))
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Kind:              kind,
		RecipientID:       recipientID,
		MessageID:         msg.MessageID,
		PayloadJSON:       string(payload),
		EnqueuedAtSeconds: enqueuedAt,
	}, nil
}

func (e Entry) message() (messages.Message, error) {
	var frame messages.Frame
	if err := json.Unmarshal([]byte(e.PayloadJSON), &frame); err != nil {
		return messages.Message{}, fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	return frame.Message(), nil
}
