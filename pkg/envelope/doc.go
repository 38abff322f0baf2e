// Package envelope implements the wire format for the helios-starling
// protocol: the universal message envelope, its per-type payloads, the
// pure validators that check them, and the JSON codec that moves them
// to and from bytes.
//
// # Design goals
//
//   - Symmetry: either side of a connection sends the same envelope shapes
//   - Transparency: foreign JSON and non-JSON frames round-trip unharmed
//   - Fail loud, fail once: validators accumulate every violation instead
//     of stopping at the first, so a single reply can name them all
//
// # Wire format
//
// Every protocol frame is a single JSON object carrying four universal
// fields (protocol, version, timestamp, type) plus fields specific to
// its type:
//
//	{"protocol":"helios-starling","version":"1.0.0","timestamp":1700000000000,
//	 "type":"request","requestId":"...","method":"users:getProfile","payload":{...}}
//
// # File structure
//
//   - message.go:    envelope and per-type payload structs
//   - codec.go:      Encode/Decode and frame-format classification
//   - validate.go:   pure validators, one per envelope type
//   - names.go:      method-name / topic-name rules
//   - errors.go:      the closed kernel error-code set
//   - ack.go:        envelope constructors (ack, error, response, notification)
package envelope
