package requests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/helios-starling/kernel/pkg/envelope"
	"github.com/helios-starling/kernel/pkg/request"
	"github.com/helios-starling/kernel/pkg/retry"
	"github.com/stretchr/testify/require"
)

func TestManager_ResponseDeliveredToActive(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()
	m := New(timers, nil)

	r := request.New("users:getProfile", nil, request.Options{}, timers, nil)
	m.Track(r)

	resp := &envelope.Message{RequestID: r.ID, Success: true, Data: json.RawMessage(`{"name":"John"}`)}
	m.HandleResponse(resp)

	require.Equal(t, request.Fulfilled, r.State())
	_, ok := m.Active(r.ID)
	require.False(t, ok)
}

func TestManager_LateVsUnknownResponse(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()
	m := New(timers, nil)

	var lateID string
	var lateDelay time.Duration
	var unknownID string
	m.OnLateResponse(func(id string, delay time.Duration) { lateID = id; lateDelay = delay })
	m.OnUnknownResponse(func(id string) { unknownID = id })

	r := request.New("m", nil, request.Options{Timeout: 10 * time.Millisecond}, timers, nil)
	m.Track(r)
	r.Execute()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("request never timed out")
	}
	time.Sleep(20 * time.Millisecond)

	m.HandleResponse(&envelope.Message{RequestID: r.ID, Success: true, Data: json.RawMessage(`{}`)})
	require.Equal(t, r.ID, lateID)
	require.Greater(t, lateDelay, time.Duration(0))

	m.HandleResponse(&envelope.Message{RequestID: "never-seen", Success: true})
	require.Equal(t, "never-seen", unknownID)
}

func TestManager_NotificationRoutedOrDropped(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()
	m := New(timers, nil)

	r := request.New("job:run", nil, request.Options{}, timers, nil)
	m.Track(r)

	var gotProgress bool
	r.OnProgress(func(data json.RawMessage) { gotProgress = true })

	m.HandleNotification(&envelope.Message{
		RequestID:    r.ID,
		Notification: &envelope.NotificationPayload{Data: json.RawMessage(`{"type":"progress","progress":25}`)},
	})
	require.True(t, gotProgress)

	// Dropped silently for an unknown id: just must not panic.
	m.HandleNotification(&envelope.Message{
		RequestID:    "unknown",
		Notification: &envelope.NotificationPayload{Data: json.RawMessage(`{}`)},
	})
}

func TestManager_CancelAll(t *testing.T) {
	timers := retry.NewGroup(nil)
	defer timers.Release()
	m := New(timers, nil)

	r := request.New("m", nil, request.Options{}, timers, nil)
	m.Track(r)
	m.CancelAll("Manager disposed")

	_, err := r.Result()
	require.Equal(t, envelope.CodeRequestCancelled, err.Code)
	require.Equal(t, "Manager disposed", err.Message)
}
