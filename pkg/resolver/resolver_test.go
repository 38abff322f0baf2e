package resolver

import (
	"encoding/json"
	"testing"

	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/stretchr/testify/require"
)

func validRequestFrame(t *testing.T) []byte {
	t.Helper()
	m := &envelope.Message{
		ProtocolName: envelope.Protocol,
		Version:      "1.0.0",
		Timestamp:    1700000000000,
		Type:         envelope.TypeRequest,
		RequestID:    "123e4567-e89b-12d3-a456-426614174000",
		Method:       "users:getProfile",
	}
	b, err := envelope.Encode(m)
	require.NoError(t, err)
	return b
}

func TestResolve_Request(t *testing.T) {
	r := New(DefaultOptions())
	var got *envelope.Message
	r.OnRequest(func(m *envelope.Message) { got = m })
	r.Resolve(validRequestFrame(t), true)
	require.NotNil(t, got)
	require.Equal(t, "users:getProfile", got.Method)
}

func TestResolve_BinaryPassesThrough(t *testing.T) {
	r := New(DefaultOptions())
	var got []byte
	r.OnBinary(func(raw []byte) { got = raw })
	r.Resolve([]byte{1, 2, 3}, false)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestResolve_UnparseableTextFiresOnText(t *testing.T) {
	r := New(DefaultOptions())
	var got string
	violated := false
	r.OnText(func(text string) { got = text })
	r.OnViolation(func(errs []string, m *envelope.Message) { violated = true })
	r.Resolve([]byte("plain text"), true)
	require.Equal(t, "plain text", got)
	require.False(t, violated)
}

func TestResolve_ForeignJSONFiresOnJSON(t *testing.T) {
	r := New(DefaultOptions())
	var got any
	r.OnJSON(func(v any) { got = v })
	r.Resolve([]byte(`{"foo":"bar"}`), true)
	require.NotNil(t, got)
}

func TestResolve_ViolationSuppressesTypedCallbacks(t *testing.T) {
	r := New(DefaultOptions())
	requestFired := false
	var violations []string
	r.OnRequest(func(m *envelope.Message) { requestFired = true })
	r.OnViolation(func(errs []string, m *envelope.Message) { violations = errs })

	bad := &envelope.Message{
		ProtocolName: envelope.Protocol,
		Version:      "1.0",
		Timestamp:    0,
		Type:         envelope.TypeRequest,
	}
	raw, err := json.Marshal(bad)
	require.NoError(t, err)
	r.Resolve(raw, true)

	require.False(t, requestFired)
	require.GreaterOrEqual(t, len(violations), 3)
}

func TestResolve_MaxMessageSize(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxMessageSize = 10
	r := New(opts)
	violated := false
	r.OnViolation(func(errs []string, m *envelope.Message) { violated = true })
	r.Resolve(validRequestFrame(t), true)
	require.True(t, violated)
}

func customTypeFrame(t *testing.T) []byte {
	t.Helper()
	m := &envelope.Message{
		ProtocolName: envelope.Protocol,
		Version:      "1.0.0",
		Timestamp:    1700000000000,
		Type:         "custom:thing",
	}
	b, err := envelope.Encode(m)
	require.NoError(t, err)
	return b
}

func TestResolve_RejectsCustomTypeByDefault(t *testing.T) {
	r := New(DefaultOptions())
	violated := false
	r.OnViolation(func(errs []string, m *envelope.Message) { violated = true })
	r.Resolve(customTypeFrame(t), true)
	require.True(t, violated)
}

func TestResolve_AllowCustomTypesSkipsTypeViolation(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowCustomTypes = true
	r := New(opts)
	violated := false
	routed := false
	r.OnViolation(func(errs []string, m *envelope.Message) { violated = true })
	r.OnRequest(func(m *envelope.Message) { routed = true })
	r.Resolve(customTypeFrame(t), true)
	require.False(t, violated)
	require.False(t, routed)
}
