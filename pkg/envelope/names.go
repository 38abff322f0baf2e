package envelope

import (
	"regexp"
	"strings"
)

// MaxNameLength bounds both method and topic names.
const MaxNameLength = 128

var methodNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)+$`)

var topicNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(?::[a-zA-Z][a-zA-Z0-9_]*)*$`)

// ReservedNamespaces are the method namespaces the kernel itself may use;
// user registration of a method in one of them is rejected.
var ReservedNamespaces = map[string]bool{
	"system":   true,
	"internal": true,
	"stream":   true,
	"helios":   true,
}

// ValidMethodName reports whether name matches the method-name grammar:
// namespace:action[:action...], length <= MaxNameLength.
func ValidMethodName(name string) bool {
	return len(name) <= MaxNameLength && methodNameRE.MatchString(name)
}

// ValidTopicName reports whether name matches the topic-name grammar.
// Unlike methods, a topic need not contain a colon.
func ValidTopicName(name string) bool {
	return len(name) <= MaxNameLength && topicNameRE.MatchString(name)
}

// ReservedNamespace returns the leading namespace segment of a method name
// and whether it is reserved. Callers should first confirm ValidMethodName.
func ReservedNamespace(name string) (string, bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			ns := name[:i]
			return ns, ReservedNamespaces[ns]
		}
	}
	return name, ReservedNamespaces[name]
}

// CompileTopicPattern turns a subscription pattern into the regexp the
// topics registry matches inbound topics against. Each "*" segment
// matches exactly one colon-delimited segment — never zero, never many.
// This is a deliberate departure from shell-glob semantics: do not widen
// "*" to "[^:]*" or ".*".
func CompileTopicPattern(pattern string) *regexp.Regexp {
	segments := strings.Split(pattern, ":")
	for i, seg := range segments {
		if seg == "*" {
			segments[i] = `[^:]+`
		} else {
			segments[i] = regexp.QuoteMeta(seg)
		}
	}
	return regexp.MustCompile("^" + strings.Join(segments, ":") + "$")
}
