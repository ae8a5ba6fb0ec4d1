package messages

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFrame is returned when an inbound frame cannot be decoded.
var ErrInvalidFrame = errors.New("messages: invalid frame")

// Frame is the JSON object exchanged with clients, one per websocket message.
type Frame struct {
	MessageID      string    `json:"messageId,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	GroupID        string    `json:"groupId,omitempty"`
	Type           FrameType `json:"type"`
	Content        string    `json:"content,omitempty"`
	FileURL        string    `json:"fileUrl,omitempty"`
	FileSize       int64     `json:"fileSize,omitempty"`
	FileType       string    `json:"fileType,omitempty"`
	Status         Status    `json:"status,omitempty"`
	SentAt         int64     `json:"sentAt,omitempty"`
	IsGroupMessage bool      `json:"isGroupMessage,omitempty"`
	IsOffline      bool      `json:"isOffline,omitempty"`
	IsBlocked      bool      `json:"isBlocked,omitempty"`
	Token          string    `json:"token,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// Message converts a full-fidelity frame back into a Message.
func (f Frame) Message() Message {
	msg := Message{
		MessageID:      f.MessageID,
		SenderID:       f.SenderID,
		ReceiverID:     f.ReceiverID,
		GroupID:        f.GroupID,
		IsGroupMessage: f.IsGroupMessage,
		Type:           f.Type,
		Content:        f.Content,
		FileURL:        f.FileURL,
		FileSize:       f.FileSize,
		FileType:       f.FileType,
		Status:         f.Status,
		IsOffline:      f.IsOffline,
		IsBlocked:      f.IsBlocked,
		Reason:         f.Reason,
	}
	if f.SentAt > 0 {
		msg.SentAt = time.UnixMilli(f.SentAt).UTC()
	}
	return msg
}

// SystemFrame builds a gateway-originated notice.
func SystemFrame(reason, content string) Frame {
	return Frame{Type: FrameTypeSystem, Reason: reason, Content: content}
}

// KeepaliveFrame builds a keepalive frame.
func KeepaliveFrame() Frame {
	return Frame{Type: FrameTypeKeepalive}
}

// Inbound is the decoded form of a client frame. Exactly one of the concrete
// frame types below implements it for any given wire type.
type Inbound interface {
	inbound()
}

// AuthFrame is the mandatory first frame on a connection.
type AuthFrame struct {
	SenderID string
	Token    string
}

// KeepaliveRequest is a client keepalive.
type KeepaliveRequest struct{}

// DirectFrame carries a 1:1 message.
type DirectFrame struct {
	Message Message
}

// GroupFrame carries a message addressed to a group.
type GroupFrame struct {
	Message Message
}

// ReadReceiptFrame reports that ReaderID has read MessageID sent by SenderID.
type ReadReceiptFrame struct {
	MessageID string
	ReaderID  string
	SenderID  string
}

// UnsupportedFrame is any type a client is not allowed to send.
type UnsupportedFrame struct {
	Type FrameType
}

func (AuthFrame) inbound()        {}
func (KeepaliveRequest) inbound() {}
func (DirectFrame) inbound()      {}
func (GroupFrame) inbound()       {}
func (ReadReceiptFrame) inbound() {}
func (UnsupportedFrame) inbound() {}

// Decode parses a client frame into its tagged variant.
func Decode(data []byte) (Inbound, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch {
	case frame.Type == FrameTypeAuth:
		senderID, err := NewUserID(frame.SenderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return AuthFrame{SenderID: senderID, Token: frame.Token}, nil
	case frame.Type == FrameTypeKeepalive:
		return KeepaliveRequest{}, nil
	case frame.Type == FrameTypeReadReceipt:
		if frame.MessageID == "" {
			return nil, fmt.Errorf("%w: read receipt without messageId", ErrInvalidFrame)
		}
		senderID, err := NewUserID(frame.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("%w: read receipt: %v", ErrInvalidFrame, err)
		}
		return ReadReceiptFrame{MessageID: frame.MessageID, ReaderID: frame.SenderID, SenderID: senderID}, nil
	case frame.Type.IsContent() && frame.IsGroupMessage:
		// Older clients address groups through receiverId.
		rawGroupID := frame.GroupID
		if rawGroupID == "" {
			rawGroupID = frame.ReceiverID
		}
		groupID, err := NewGroupID(rawGroupID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		msg := contentMessage(frame)
		msg.GroupID = groupID
		msg.ReceiverID = ""
		msg.IsGroupMessage = true
		return GroupFrame{Message: msg}, nil
	case frame.Type.IsContent():
		receiverID, err := NewUserID(frame.ReceiverID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		msg := contentMessage(frame)
		msg.ReceiverID = receiverID
		return DirectFrame{Message: msg}, nil
	default:
		return UnsupportedFrame{Type: frame.Type}, nil
	}
}

// contentMessage keeps only the fields a client is trusted to set.
func contentMessage(frame Frame) Message {
	return Message{
		SenderID: frame.SenderID,
		Type:     frame.Type,
		Content:  frame.Content,
		FileURL:  frame.FileURL,
		FileSize: frame.FileSize,
		FileType: frame.FileType,
	}
}
