// Package errcat centralizes the kernel's closed error-code taxonomy
// (spec.md §3) as a category + code + message registry, the same split
// vango's internal/errors package uses for compiler diagnostics, minus
// the source-location and doc-link machinery that package carries — a
// runtime RPC error taxonomy has no source spans to point at.
package errcat

import "github.com/helios-starling/kernel/pkg/envelope"

// Category groups related error codes for metrics/logging cardinality.
type Category string

const (
	CategoryProtocol Category = "protocol"
	CategoryRequest  Category = "request"
	CategoryQueue    Category = "queue"
	CategoryMethod   Category = "method"
	CategoryInternal Category = "internal"
	CategoryProxy    Category = "proxy"
)

// Entry is one registered kernel error code.
type Entry struct {
	Code     string
	Category Category
	Message  string // default human-readable message
}

var registry = map[string]Entry{
	envelope.CodeProtocolInvalidMessage: {envelope.CodeProtocolInvalidMessage, CategoryProtocol, "the message could not be parsed as a protocol envelope"},
	envelope.CodeProtocolVersionMismatch: {envelope.CodeProtocolVersionMismatch, CategoryProtocol, "incompatible protocol major version"},
	envelope.CodeProtocolViolation: {envelope.CodeProtocolViolation, CategoryProtocol, "the envelope violated one or more protocol invariants"},
	envelope.CodeMethodNotFound: {envelope.CodeMethodNotFound, CategoryMethod, "no handler is registered for this method"},
	envelope.CodeMethodError: {envelope.CodeMethodError, CategoryMethod, "the method handler returned an error"},
	envelope.CodeRequestInvalid: {envelope.CodeRequestInvalid, CategoryRequest, "the request payload failed validation"},
	envelope.CodeRequestTimeout: {envelope.CodeRequestTimeout, CategoryRequest, "the request timed out waiting for a response"},
	envelope.CodeRequestCancelled: {envelope.CodeRequestCancelled, CategoryRequest, "the request was cancelled"},
	envelope.CodeQueueFull: {envelope.CodeQueueFull, CategoryQueue, "the request was rejected or dropped because the outbound queue was full"},
	envelope.CodeQueueRetryExceeded: {envelope.CodeQueueRetryExceeded, CategoryQueue, "the request exceeded its maximum retry attempts"},
	envelope.CodeQueueDrainTimeout: {envelope.CodeQueueDrainTimeout, CategoryQueue, "the request aged out of the outbound queue"},
	envelope.CodeValidationError: {envelope.CodeValidationError, CategoryRequest, "validation failed"},
	envelope.CodeInternalError: {envelope.CodeInternalError, CategoryInternal, "an internal kernel error occurred"},
	envelope.CodeProxyForbidden: {envelope.CodeProxyForbidden, CategoryProxy, "the proxy hook rejected this relayed frame"},
	envelope.CodeProxyTimeout: {envelope.CodeProxyTimeout, CategoryProxy, "the proxy hook timed out"},
	envelope.CodeProxyError: {envelope.CodeProxyError, CategoryProxy, "the proxy hook returned an error"},
}

// Lookup returns the registered Entry for code, and whether it is known.
// Application error codes (opaque strings not in the closed kernel set)
// return ok == false; callers should fall back to the raw code/message
// they were given.
func Lookup(code string) (Entry, bool) {
	e, ok := registry[code]
	return e, ok
}

// CategoryOf returns the category for a known kernel code, or
// CategoryInternal for an unrecognized (application-defined) code.
func CategoryOf(code string) Category {
	if e, ok := registry[code]; ok {
		return e.Category
	}
	return CategoryInternal
}
