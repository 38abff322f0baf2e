package topics

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscribe_ExactMatch(t *testing.T) {
	r := New(nil)
	var got string
	r.Subscribe("users:created", func(topic string, data json.RawMessage, requestID string) {
		got = topic
	}, Options{})

	n := r.Dispatch("users:created", nil, "")
	require.Equal(t, 1, n)
	require.Equal(t, "users:created", got)

	n = r.Dispatch("users:deleted", nil, "")
	require.Equal(t, 0, n)
}

func TestSubscribe_WildcardMatchesOneSegment(t *testing.T) {
	r := New(nil)
	var hits []string
	r.Subscribe("users:*:updated", func(topic string, data json.RawMessage, requestID string) {
		hits = append(hits, topic)
	}, Options{})

	r.Dispatch("users:42:updated", nil, "")
	r.Dispatch("users:42:43:updated", nil, "") // two segments, should not match
	r.Dispatch("users:updated", nil, "")       // zero segments, should not match

	require.Equal(t, []string{"users:42:updated"}, hits)
}

func TestDispatch_PriorityOrder(t *testing.T) {
	r := New(nil)
	var order []string
	r.Subscribe("jobs:done", func(topic string, data json.RawMessage, requestID string) {
		order = append(order, "low")
	}, Options{Priority: 0})
	r.Subscribe("jobs:done", func(topic string, data json.RawMessage, requestID string) {
		order = append(order, "high")
	}, Options{Priority: 10})

	r.Dispatch("jobs:done", nil, "")
	require.Equal(t, []string{"high", "low"}, order)
}

func TestDispatch_FilterNarrowsDelivery(t *testing.T) {
	r := New(nil)
	var delivered int
	r.Subscribe("metrics:tick", func(topic string, data json.RawMessage, requestID string) {
		delivered++
	}, Options{Filter: func(data json.RawMessage) bool { return string(data) == `{"pass":true}` }})

	r.Dispatch("metrics:tick", json.RawMessage(`{"pass":false}`), "")
	r.Dispatch("metrics:tick", json.RawMessage(`{"pass":true}`), "")
	require.Equal(t, 1, delivered)
}

func TestDispatch_HandlerPanicIsolated(t *testing.T) {
	r := New(nil)
	var errTopic string
	r.OnHandlerError(func(topic string, err any) { errTopic = topic })

	var secondCalled bool
	r.Subscribe("broken:topic", func(topic string, data json.RawMessage, requestID string) {
		panic("boom")
	}, Options{Priority: 10})
	r.Subscribe("broken:topic", func(topic string, data json.RawMessage, requestID string) {
		secondCalled = true
	}, Options{Priority: 0})

	n := r.Dispatch("broken:topic", nil, "")
	require.Equal(t, 1, n)
	require.True(t, secondCalled)
	require.Equal(t, "broken:topic", errTopic)
}

func TestSetConnected_DropsNonPersistentOnDisconnect(t *testing.T) {
	r := New(nil)
	var persistentHits, transientHits int
	r.Subscribe("status:update", func(topic string, data json.RawMessage, requestID string) {
		persistentHits++
	}, Options{Persistent: true})
	r.Subscribe("status:update", func(topic string, data json.RawMessage, requestID string) {
		transientHits++
	}, Options{Persistent: false})

	r.SetConnected(false)
	r.Dispatch("status:update", nil, "")

	require.Equal(t, 1, persistentHits)
	require.Equal(t, 0, transientHits)
}

func TestHandle_Off(t *testing.T) {
	r := New(nil)
	var hits int
	h := r.Subscribe("x:y", func(topic string, data json.RawMessage, requestID string) { hits++ }, Options{})
	r.Dispatch("x:y", nil, "")
	h.Off()
	r.Dispatch("x:y", nil, "")
	require.Equal(t, 1, hits)
	require.Equal(t, 0, r.Count())
}
