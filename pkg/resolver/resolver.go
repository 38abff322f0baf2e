// Package resolver classifies inbound frames exactly once and dispatches
// them to typed, synchronous handlers. It never blocks and never panics
// into the transport: parsing and validation failures become callbacks,
// not errors returned up the call stack.
package resolver

import (
	"log/slog"

	"github.com/helios-starling/kernel/pkg/envelope"
)

// Options configures a Resolver. The zero value is not usable; use New.
type Options struct {
	// Strict rejects frames whose version differs from Version's major
	// component (spec.md's "compared for equality classes"). Default true.
	Strict bool
	// AllowCustomTypes skips the closed-set check on Message.Type,
	// letting ValidateBase's own switch fall through. Default false.
	AllowCustomTypes bool
	// MaxMessageSize bounds the serialized frame size in bytes. A frame
	// exceeding it is reported as a violation. Zero means
	// envelope.MaxMessageBytes.
	MaxMessageSize int
	// Version is this node's protocol version, used for the Strict check
	// and for composing reply envelopes.
	Version string
	Logger  *slog.Logger
}

// DefaultOptions returns the spec.md §4.2 defaults.
func DefaultOptions() Options {
	return Options{
		Strict:         true,
		MaxMessageSize: envelope.MaxMessageBytes,
		Version:        "1.0.0",
		Logger:         slog.Default(),
	}
}

// Handler signatures for each classified frame kind.
type (
	BinaryHandler       func(raw []byte)
	TextHandler         func(text string)
	JSONHandler         func(value any)
	RequestHandler      func(m *envelope.Message)
	ResponseHandler     func(m *envelope.Message)
	NotificationHandler func(m *envelope.Message)
	AckHandler          func(m *envelope.Message)
	ErrorMessageHandler func(m *envelope.Message)
	ViolationHandler    func(violations []string, m *envelope.Message)
)

// Resolver classifies raw frames via Resolve and fans them out to
// subscribers registered with the On* methods. Handlers run synchronously,
// in declaration order, against the already-classified message.
type Resolver struct {
	opts Options

	onBinary       []BinaryHandler
	onText         []TextHandler
	onJSON         []JSONHandler
	onRequest      []RequestHandler
	onResponse     []ResponseHandler
	onNotification []NotificationHandler
	onAck          []AckHandler
	onErrorMessage []ErrorMessageHandler
	onViolation    []ViolationHandler
}

// New creates a Resolver. A zero Options.MaxMessageSize is replaced with
// envelope.MaxMessageBytes and a nil Logger with slog.Default().
func New(opts Options) *Resolver {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = envelope.MaxMessageBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Resolver{opts: opts}
}

func (r *Resolver) OnBinary(h BinaryHandler)             { r.onBinary = append(r.onBinary, h) }
func (r *Resolver) OnText(h TextHandler)                 { r.onText = append(r.onText, h) }
func (r *Resolver) OnJSON(h JSONHandler)                 { r.onJSON = append(r.onJSON, h) }
func (r *Resolver) OnRequest(h RequestHandler)           { r.onRequest = append(r.onRequest, h) }
func (r *Resolver) OnResponse(h ResponseHandler)         { r.onResponse = append(r.onResponse, h) }
func (r *Resolver) OnNotification(h NotificationHandler) { r.onNotification = append(r.onNotification, h) }
func (r *Resolver) OnAck(h AckHandler)                   { r.onAck = append(r.onAck, h) }
func (r *Resolver) OnErrorMessage(h ErrorMessageHandler) { r.onErrorMessage = append(r.onErrorMessage, h) }
func (r *Resolver) OnViolation(h ViolationHandler)       { r.onViolation = append(r.onViolation, h) }

// Resolve classifies raw once and dispatches it to the matching
// subscribers. isText mirrors the transport frame kind (WebSocket text
// vs binary frame).
func (r *Resolver) Resolve(raw []byte, isText bool) {
	if len(raw) > r.opts.MaxMessageSize {
		r.opts.Logger.Warn("resolver: frame exceeds max size", "size", len(raw), "max", r.opts.MaxMessageSize)
		r.fireViolation([]string{"message: exceeds maximum size"}, nil)
		return
	}

	d := envelope.Decode(raw, isText)
	switch d.Format {
	case envelope.FormatBinary:
		for _, h := range r.onBinary {
			h(d.Binary)
		}
	case envelope.FormatText:
		for _, h := range r.onText {
			h(d.Text)
		}
	case envelope.FormatForeignJSON:
		for _, h := range r.onJSON {
			h(d.JSON)
		}
	case envelope.FormatProtocol:
		r.resolveProtocol(d.Message)
	}
}

func (r *Resolver) resolveProtocol(m *envelope.Message) {
	result := envelope.Validate(m, r.opts.AllowCustomTypes)
	if r.opts.Strict && result.Valid {
		if mismatch := r.versionMismatch(m.Version); mismatch != "" {
			result.Valid = false
			result.Errors = append(result.Errors, mismatch)
		}
	}
	if !result.Valid {
		r.opts.Logger.Warn("resolver: protocol violation", "errors", result.Errors, "type", m.Type)
		r.fireViolation(result.Errors, m)
		return
	}

	switch m.Type {
	case envelope.TypeRequest:
		for _, h := range r.onRequest {
			h(m)
		}
	case envelope.TypeResponse:
		for _, h := range r.onResponse {
			h(m)
		}
	case envelope.TypeNotification:
		for _, h := range r.onNotification {
			h(m)
		}
	case envelope.TypeAck:
		for _, h := range r.onAck {
			h(m)
		}
	case envelope.TypeError:
		for _, h := range r.onErrorMessage {
			h(m)
		}
	case envelope.TypePing:
		// Pings carry no further routing; transports that care observe
		// them via a dedicated collaborator, not the resolver.
	}
}

func (r *Resolver) fireViolation(errs []string, m *envelope.Message) {
	for _, h := range r.onViolation {
		h(errs, m)
	}
}

// versionMismatch returns a violation message if got's major version
// differs from the resolver's configured version, else "".
func (r *Resolver) versionMismatch(got string) string {
	gotMajor := majorOf(got)
	wantMajor := majorOf(r.opts.Version)
	if gotMajor == "" || wantMajor == "" || gotMajor == wantMajor {
		return ""
	}
	return "version: major version " + gotMajor + " incompatible with " + wantMajor
}

func majorOf(version string) string {
	for i := 0; i < len(version); i++ {
		if version[i] == '.' {
			return version[:i]
		}
	}
	return ""
}
