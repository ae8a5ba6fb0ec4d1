package messages

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameType is the integer discriminator carried by every wire frame.
type FrameType int

const (
	// FrameTypeAuth binds the connection to a user identity.
	FrameTypeAuth FrameType = 0
	// FrameTypeText carries a plain text message.
	FrameTypeText FrameType = 1
	// FrameTypeImage carries an image reference.
	FrameTypeImage FrameType = 2
	// FrameTypeVoice carries a voice clip reference.
	FrameTypeVoice FrameType = 3
	// FrameTypeVideo carries a video reference.
	FrameTypeVideo FrameType = 4
	// FrameTypeFile carries a generic file reference.
	FrameTypeFile FrameType = 5
	// FrameTypeSystem is emitted by the gateway only.
	FrameTypeSystem FrameType = 6
	// FrameTypeKeepalive keeps an idle connection open.
	FrameTypeKeepalive FrameType = 7
	// FrameTypeReadReceipt reports that a recipient has read a message.
	FrameTypeReadReceipt FrameType = 8
)

// IsContent reports whether the type carries user content.
func (t FrameType) IsContent() bool {
	return t >= FrameTypeText && t <= FrameTypeFile
}

// Status tracks the sender-side lifecycle of a message.
type Status int

const (
	StatusUnknown   Status = 0
	StatusSending   Status = 1
	StatusSent      Status = 2
	StatusDelivered Status = 3
	StatusRead      Status = 4
	StatusFailed    Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("messages: invalid user id")
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("messages: invalid group id")
)

// Message is the routed unit. Status belongs to the sender's copy.
type Message struct {
	MessageID      string
	SenderID       string
	ReceiverID     string
	GroupID        string
	IsGroupMessage bool
	Type           FrameType
	Content        string
	FileURL        string
	FileSize       int64
	FileType       string
	Status         Status
	SentAt         time.Time
	IsOffline      bool
	IsBlocked      bool
	Reason         string
}

// WithStatus returns a copy of the message carrying the provided status.
func (m Message) WithStatus(status Status) Message {
	m.Status = status
	return m
}

// NewUserID validates and normalizes a user identifier.
func NewUserID(rawInput string) (string, error) {
	return normalizeIdentifier(rawInput, ErrInvalidUserID)
}

// NewGroupID validates and normalizes a group identifier.
func NewGroupID(rawInput string) (string, error) {
	return normalizeIdentifier(rawInput, ErrInvalidGroupID)
}

func normalizeIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}
