package envelope

// NewAck builds an ack envelope for messageID at timestamp ts (Unix ms).
func NewAck(version string, ts int64, messageID string) *Message {
	return &Message{
		ProtocolName: Protocol,
		Version:      version,
		Timestamp:    ts,
		Type:         TypeAck,
		Peer:         PeerNone,
		MessageID:    messageID,
	}
}

// NewError builds a top-level error envelope.
func NewError(version string, ts int64, severity Severity, code, message string, details []byte) *Message {
	return &Message{
		ProtocolName: Protocol,
		Version:      version,
		Timestamp:    ts,
		Type:         TypeError,
		Peer:         PeerNone,
		Error: &ErrorPayload{
			Severity: severity,
			Code:     code,
			Message:  message,
			Details:  details,
		},
	}
}

// NewResponse builds a response envelope. Pass a nil errPayload for a
// successful response.
func NewResponse(version string, ts int64, requestID string, success bool, data []byte, errPayload *ErrorPayload) *Message {
	return &Message{
		ProtocolName: Protocol,
		Version:      version,
		Timestamp:    ts,
		Type:         TypeResponse,
		Peer:         PeerNone,
		RequestID:    requestID,
		Success:      success,
		Data:         data,
		Error:        errPayload,
	}
}

// NewNotification builds a notification envelope. requestID may be empty
// for topic-only notifications. Per spec.md §9 this is the single fixed
// argument order: (topic, data, requestID).
func NewNotification(version string, ts int64, topic string, data []byte, requestID string) *Message {
	return &Message{
		ProtocolName: Protocol,
		Version:      version,
		Timestamp:    ts,
		Type:         TypeNotification,
		Peer:         PeerNone,
		RequestID:    requestID,
		Notification: &NotificationPayload{Topic: topic, Data: data},
	}
}
