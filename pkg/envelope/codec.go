package envelope

import (
	"encoding/json"
)

// Format classifies a decoded inbound frame.
type Format int

const (
	// FormatBinary: a raw binary frame, passed through opaquely.
	FormatBinary Format = iota
	// FormatText: a string that did not parse as JSON.
	FormatText
	// FormatForeignJSON: valid JSON whose top-level "protocol" field is
	// missing or not "helios-starling", or that carries the marker but
	// does not unmarshal into a Message.
	FormatForeignJSON
	// FormatProtocol: valid JSON carrying protocol == "helios-starling".
	FormatProtocol
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	case FormatForeignJSON:
		return "foreign-json"
	case FormatProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Decoded is the result of classifying one inbound frame.
type Decoded struct {
	Format Format

	// Binary holds the raw bytes when Format == FormatBinary.
	Binary []byte
	// Text holds the original string when Format == FormatText.
	Text string
	// JSON holds the parsed value when Format == FormatForeignJSON.
	JSON any
	// Message holds the parsed envelope when Format == FormatProtocol.
	Message *Message
	// Raw is the original bytes/string this frame decoded from, kept for
	// size accounting and diagnostics.
	Raw []byte
}

// Encode serializes a Message to compact JSON.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode classifies a raw inbound frame. isText distinguishes a
// text-transport frame (e.g. a WebSocket text frame) from a binary one;
// binary frames are never JSON-parsed and are returned as-is.
func Decode(raw []byte, isText bool) *Decoded {
	if !isText {
		return &Decoded{Format: FormatBinary, Binary: raw, Raw: raw}
	}

	text := string(raw)
	var probe struct {
		ProtocolName string `json:"protocol"`
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return &Decoded{Format: FormatText, Text: text, Raw: raw}
	}

	if err := json.Unmarshal(raw, &probe); err == nil && probe.ProtocolName == Protocol {
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			// Valid JSON, carries the protocol marker, but doesn't fit
			// the envelope shape (e.g. a type-specific field has the
			// wrong JSON type). Such a frame is classified as foreign
			// JSON: it carries no Message, so no validator runs on it
			// and no protocol violation is reported for it.
			return &Decoded{Format: FormatForeignJSON, JSON: generic, Raw: raw}
		}
		if m.Peer == nil {
			m.Peer = PeerNone
		}
		return &Decoded{Format: FormatProtocol, Message: &m, Raw: raw}
	}

	return &Decoded{Format: FormatForeignJSON, JSON: generic, Raw: raw}
}

// ByteSize returns the UTF-8 byte length of the serialized form of m.
func ByteSize(m *Message) (int, error) {
	b, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
