package envelope

import "encoding/json"

// Protocol is the exact string every protocol envelope must carry.
const Protocol = "helios-starling"

// Type identifies the kind of protocol envelope.
type Type string

const (
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeNotification Type = "notification"
	TypeError        Type = "error"
	TypeAck          Type = "ack"
	TypePing         Type = "ping"
)

// Severity distinguishes protocol-level from application-level errors.
type Severity string

const (
	SeverityProtocol    Severity = "protocol"
	SeverityApplication Severity = "application"
)

// Message is the universal envelope. Fields not relevant to Type are left
// at their zero value; Decode only populates what the wire frame carried.
//
// Peer is a free-form mapping used by relayers to identify the origin or
// destination when this node is proxying the frame on a third party's
// behalf. An absent Peer is equivalent to PeerNone (false); validateBase
// normalizes it so downstream code can always read m.Peer safely.
type Message struct {
	ProtocolName string `json:"protocol"`
	Version      string `json:"version"`
	Timestamp    int64  `json:"timestamp"`
	Type         Type   `json:"type"`
	Peer         any    `json:"peer,omitempty"`

	// request
	RequestID string          `json:"requestId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// response
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`

	// notification
	Notification *NotificationPayload `json:"notification,omitempty"`

	// ack
	MessageID string `json:"messageId,omitempty"`
}

// ErrorPayload is the structured error carried by response and top-level
// error envelopes.
type ErrorPayload struct {
	Severity Severity        `json:"severity,omitempty"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// NotificationPayload is the body of a notification envelope.
type NotificationPayload struct {
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PeerNone is the canonical "not relayed" peer marker.
var PeerNone any = false

// IsRelayed reports whether m carries a peer marker other than false/absent.
func (m *Message) IsRelayed() bool {
	if m.Peer == nil {
		return false
	}
	if b, ok := m.Peer.(bool); ok {
		return b
	}
	return true
}

// NotificationType reads the discriminator notifications use to separate
// progress updates ("progress") from ordinary correlated notifications.
// It inspects the notification data's "type" field, returning "" if the
// data isn't a JSON object or carries no such field.
func (m *Message) NotificationType() string {
	if m.Notification == nil || len(m.Notification.Data) == 0 {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(m.Notification.Data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
