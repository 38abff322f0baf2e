package wstransport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsURL(t *testing.T, baseURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(baseURL, "http"))
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type recordingDeliverer struct {
	mu     sync.Mutex
	frames [][]byte
	isText []bool
}

func (r *recordingDeliverer) Deliver(raw []byte, isText bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, raw)
	r.isText = append(r.isText, isText)
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestConn_SendRaw_RoundTrips(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, &upgrader, nil, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(ts.Close)

	client := dialWS(t, wsURL(t, ts.URL))
	server := <-serverConnCh
	t.Cleanup(func() { _ = server.Close() })

	require.True(t, server.IsConnected())
	require.NoError(t, server.SendRaw([]byte(`{"hello":"world"}`)))

	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(msg))
}

func TestConn_ReadLoop_DeliversFramesAndMarksDisconnected(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, &upgrader, nil, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(ts.Close)

	client := dialWS(t, wsURL(t, ts.URL))
	server := <-serverConnCh

	rec := &recordingDeliverer{}
	var disconnected bool
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		server.ReadLoop(rec, func() {
			mu.Lock()
			disconnected = true
			mu.Unlock()
		})
		close(done)
	}()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReadLoop never returned after client closed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, disconnected)
	require.False(t, server.IsConnected())
}

func TestConn_Close_IsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, &upgrader, nil, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(ts.Close)

	_ = dialWS(t, wsURL(t, ts.URL))
	server := <-serverConnCh

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	require.Error(t, server.SendRaw([]byte("x")))
}
