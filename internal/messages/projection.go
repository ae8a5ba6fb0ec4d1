package messages

// View selects which fields of a Message are exposed to a caller.
type View int

const (
	// ViewRecipient is what a delivered copy looks like to its recipient.
	ViewRecipient View = iota
	// ViewSender is the sender's copy, carrying status and blacklist flags.
	ViewSender
	// ViewInternal is the full record used between nodes and in storage.
	ViewInternal
)

// Project renders msg for the given view.
func Project(msg Message, view View) Frame {
	frame := Frame{
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		GroupID:        msg.GroupID,
		Type:           msg.Type,
		Content:        msg.Content,
		FileURL:        msg.FileURL,
		FileSize:       msg.FileSize,
		FileType:       msg.FileType,
		IsGroupMessage: msg.IsGroupMessage,
		IsOffline:      msg.IsOffline,
	}
	if !msg.SentAt.IsZero() {
		frame.SentAt = msg.SentAt.UnixMilli()
	}

	switch view {
	case ViewSender, ViewInternal:
		frame.Status = msg.Status
		frame.IsBlocked = msg.IsBlocked
		frame.Reason = msg.Reason
	case ViewRecipient:
		// status is tracked on the sender's copy; read receipts are the exception
		if msg.Type == FrameTypeReadReceipt {
			frame.Status = msg.Status
		}
	}
	return frame
}

// StatusUpdate builds the acknowledgement sent back to a message's sender.
// For group messages receiverID names the member the status refers to.
func StatusUpdate(msg Message, status Status, receiverID, reason string) Frame {
	ack := msg.WithStatus(status)
	ack.Reason = reason
	if receiverID != "" {
		ack.ReceiverID = receiverID
	}
	frame := Project(ack, ViewSender)
	// acks mirror the message metadata without repeating the payload
	frame.Content = ""
	frame.FileURL = ""
	frame.FileSize = 0
	frame.FileType = ""
	return frame
}
