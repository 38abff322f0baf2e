package contexts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestContext_SuccessIsTerminal(t *testing.T) {
	var replied []string
	reply := func(requestID string, success bool, data json.RawMessage, errCode, errMessage string, errDetails json.RawMessage) {
		replied = append(replied, requestID)
	}
	var processed *ProcessedEvent
	c := NewRequestContext("users:getProfile", "req-1", json.RawMessage(`{}`), Metadata{}, func(ev ProcessedEvent) {
		processed = &ev
	})

	ok := c.Success(json.RawMessage(`{"ok":true}`), reply)
	require.True(t, ok)
	require.Len(t, replied, 1)
	require.NotNil(t, processed)
	require.Equal(t, "req-1", processed.RequestID)

	// second reply is rejected
	ok2 := c.Error("SOME_ERROR", "msg", nil, func(requestID string, success bool, data json.RawMessage, errCode, errMessage string, errDetails json.RawMessage) {
		t.Fatal("should not be called")
	})
	require.False(t, ok2)
}

func TestRequestContext_NotifyMarksStreaming(t *testing.T) {
	var notifiedTopics []string
	notify := func(topic string, data json.RawMessage, requestID string) {
		notifiedTopics = append(notifiedTopics, topic)
	}
	var processed ProcessedEvent
	c := NewRequestContext("job:run", "req-2", nil, Metadata{}, func(ev ProcessedEvent) { processed = ev })

	c.Progress(50, "halfway", nil, notify)
	c.Notify("job:run:log", json.RawMessage(`"line"`), notify)

	c.Success(nil, func(requestID string, success bool, data json.RawMessage, errCode, errMessage string, errDetails json.RawMessage) {})

	require.True(t, processed.Streaming)
	require.Equal(t, 2, processed.StreamStats.NotificationsSent)
	require.Len(t, notifiedTopics, 2)
}

func TestTextContext_AcknowledgeOnce(t *testing.T) {
	var count int
	c := NewTextContext("hello", Metadata{}, func(ev ProcessedEvent) { count++ })
	require.True(t, c.Acknowledge())
	require.False(t, c.Acknowledge())
	require.Equal(t, 1, count)
	require.True(t, c.Processed())
}

func TestBinaryContext_CarriesData(t *testing.T) {
	c := NewBinaryContext([]byte{1, 2, 3}, Metadata{Peer: "relay"}, nil)
	require.Equal(t, []byte{1, 2, 3}, c.Data)
	require.Equal(t, "relay", c.Peer)
	require.True(t, c.Acknowledge())
}
