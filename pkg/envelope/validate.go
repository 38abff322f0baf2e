package envelope

import (
	"fmt"
	"regexp"
)

var versionRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Result is the outcome of a validator: a boolean verdict plus every
// violation found. Validators never short-circuit on the first error.
type Result struct {
	Valid  bool
	Errors []string
}

func ok() Result { return Result{Valid: true} }

func fail(errs ...string) Result { return Result{Valid: false, Errors: errs} }

func (r *Result) add(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateBase enforces the four universal envelope fields and normalizes
// Peer: an absent peer is rewritten to false on m so downstream readers
// never need to special-case its absence. When allowCustomTypes is true,
// the closed-set check on m.Type is skipped, letting a type outside the
// kernel's own set pass base validation (it simply won't match any typed
// validator or routing case further down the pipeline).
func ValidateBase(m *Message, allowCustomTypes bool) Result {
	var r Result
	r.Valid = true

	if m.ProtocolName != Protocol {
		r.add("protocol: must equal %q, got %q", Protocol, m.ProtocolName)
	}
	if !versionRE.MatchString(m.Version) {
		r.add("version: must match MAJOR.MINOR.PATCH, got %q", m.Version)
	}
	if m.Timestamp < 0 {
		r.add("timestamp: must be >= 0, got %d", m.Timestamp)
	}
	if !allowCustomTypes {
		switch m.Type {
		case TypeRequest, TypeResponse, TypeNotification, TypeError, TypeAck, TypePing:
		default:
			r.add("type: unrecognized message type %q", m.Type)
		}
	}

	if m.Peer == nil {
		m.Peer = PeerNone
	} else if _, isBool := m.Peer.(bool); !isBool {
		if _, isMap := m.Peer.(map[string]any); !isMap {
			r.add("peer: must be false or a mapping, got %T", m.Peer)
		}
	}

	return r
}

// ValidateMethodName checks length, grammar, and the reserved-namespace
// rule (skipped when internal is true, for kernel-registered methods).
func ValidateMethodName(name string, internal bool) Result {
	var r Result
	r.Valid = true
	if len(name) == 0 {
		r.add("method: must not be empty")
		return r
	}
	if len(name) > MaxNameLength {
		r.add("method: exceeds maximum length %d", MaxNameLength)
	}
	if !methodNameRE.MatchString(name) {
		r.add("method: %q does not match namespace:action grammar", name)
	}
	if !internal {
		if ns, reserved := ReservedNamespace(name); reserved {
			r.add("method: namespace %q is reserved", ns)
		}
	}
	return r
}

// ValidateTopicName checks length and grammar of a topic or pattern name.
func ValidateTopicName(name string) Result {
	var r Result
	r.Valid = true
	if len(name) == 0 {
		r.add("notification.topic: must not be empty")
		return r
	}
	if len(name) > MaxNameLength {
		r.add("notification.topic: exceeds maximum length %d", MaxNameLength)
	}
	if !topicNameRE.MatchString(name) {
		r.add("notification.topic: %q does not match topic grammar", name)
	}
	return r
}

func isUUID(s string) bool {
	// RFC-4122 textual form: 8-4-4-4-12 hex digits.
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !isHex(byte(c)) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// ValidateRequest enforces request-type invariants on top of the base
// envelope fields.
func ValidateRequest(m *Message) Result {
	var r Result
	r.Valid = true
	if !isUUID(m.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID, got %q", m.RequestID)
	}
	if mr := ValidateMethodName(m.Method, false); !mr.Valid {
		r.Errors = append(r.Errors, mr.Errors...)
		r.Valid = false
	}
	return r
}

// ValidateResponse enforces response-type invariants: requestId shape,
// and the success/error pairing rules from spec.md §3.
func ValidateResponse(m *Message) Result {
	var r Result
	r.Valid = true
	if !isUUID(m.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID, got %q", m.RequestID)
	}
	if m.Success {
		if m.Error != nil {
			r.add("error: a successful response must not carry an error")
		}
		return r
	}
	if m.Error == nil {
		r.add("error: required when success is false")
		return r
	}
	if m.Error.Code == "" {
		r.add("error.code: must be non-empty")
	}
	if m.Error.Message == "" {
		r.add("error.message: must be non-empty")
	}
	if len(m.Error.Message) > MaxErrorMessageBytes {
		r.add("error.message: exceeds maximum length %d bytes", MaxErrorMessageBytes)
	}
	if len(m.Error.Details) > 0 && string(m.Error.Details) == "null" {
		r.add("error.details: must not be null when present")
	}
	return r
}

// ValidateNotification enforces notification-type invariants. requestId is
// optional; when present it correlates the notification to an outstanding
// request instead of routing it to the topics registry. A correlated
// progress notification's topic, "<requestId>:progress", is accepted
// without the topic-grammar check, since a UUID segment does not match it.
func ValidateNotification(m *Message) Result {
	var r Result
	r.Valid = true
	if m.Notification == nil {
		r.add("notification: required for type=notification")
		return r
	}
	isProgressTopic := m.RequestID != "" && m.Notification.Topic == m.RequestID+":progress"
	if m.Notification.Topic != "" && !isProgressTopic {
		if tr := ValidateTopicName(m.Notification.Topic); !tr.Valid {
			r.Errors = append(r.Errors, tr.Errors...)
			r.Valid = false
		}
	}
	if m.RequestID != "" && !isUUID(m.RequestID) {
		r.add("requestId: must be an RFC-4122 UUID when present, got %q", m.RequestID)
	}
	return r
}

// ValidateError enforces top-level error-envelope invariants.
func ValidateError(m *Message) Result {
	var r Result
	r.Valid = true
	if m.Error == nil {
		r.add("error: required for type=error")
		return r
	}
	switch m.Error.Severity {
	case SeverityProtocol, SeverityApplication:
	default:
		r.add("error.severity: must be %q or %q, got %q", SeverityProtocol, SeverityApplication, m.Error.Severity)
	}
	if m.Error.Code == "" {
		r.add("error.code: must be non-empty")
	}
	if m.Error.Message == "" {
		r.add("error.message: must be non-empty")
	}
	if len(m.Error.Message) > MaxErrorMessageBytes {
		r.add("error.message: exceeds maximum length %d bytes", MaxErrorMessageBytes)
	}
	return r
}

// ValidateAck enforces ack-type invariants.
func ValidateAck(m *Message) Result {
	var r Result
	r.Valid = true
	if !isUUID(m.MessageID) {
		r.add("messageId: must be an RFC-4122 UUID, got %q", m.MessageID)
	}
	return r
}

// Validate runs ValidateBase plus the type-specific validator matching
// m.Type, merging every violation into one Result. allowCustomTypes is
// forwarded to ValidateBase.
func Validate(m *Message, allowCustomTypes bool) Result {
	base := ValidateBase(m, allowCustomTypes)
	var typed Result
	switch m.Type {
	case TypeRequest:
		typed = ValidateRequest(m)
	case TypeResponse:
		typed = ValidateResponse(m)
	case TypeNotification:
		typed = ValidateNotification(m)
	case TypeError:
		typed = ValidateError(m)
	case TypeAck:
		typed = ValidateAck(m)
	case TypePing:
		typed = ok()
	default:
		typed = ok()
	}

	merged := Result{Valid: base.Valid && typed.Valid}
	merged.Errors = append(merged.Errors, base.Errors...)
	merged.Errors = append(merged.Errors, typed.Errors...)
	return merged
}
