// Package wstransport is a reference gorilla/websocket collaborator for
// node.Node: it implements sendbuffer.Transport over a live *websocket.Conn
// and runs the read loop that feeds inbound frames into the node via
// Deliver. It is deliberately kept outside pkg/node so the kernel core
// never imports a concrete transport.
package wstransport

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures a Conn's timeouts and limits.
type Config struct {
	// ReadTimeout bounds how long a read may block before the
	// connection is considered dead. Default: 60s.
	ReadTimeout time.Duration
	// WriteTimeout bounds how long a write may block. Default: 10s.
	WriteTimeout time.Duration
	// PingInterval is the spacing between keepalive pings sent on the
	// write loop. Default: 30s. Zero disables pinging.
	PingInterval time.Duration
	// MaxMessageSize caps inbound message size; exceeding it fails the
	// read loop. Default: 1MiB.
	MaxMessageSize int64
}

func (c *Config) withDefaults() *Config {
	out := Config{ReadTimeout: 60 * time.Second, WriteTimeout: 10 * time.Second, PingInterval: 30 * time.Second, MaxMessageSize: 1 << 20}
	if c != nil {
		if c.ReadTimeout > 0 {
			out.ReadTimeout = c.ReadTimeout
		}
		if c.WriteTimeout > 0 {
			out.WriteTimeout = c.WriteTimeout
		}
		if c.PingInterval > 0 {
			out.PingInterval = c.PingInterval
		}
		if c.MaxMessageSize > 0 {
			out.MaxMessageSize = c.MaxMessageSize
		}
	}
	return &out
}

// Deliverer is the subset of *node.Node a Conn needs; kept as an interface
// so this package doesn't import pkg/node and stays a leaf collaborator.
type Deliverer interface {
	Deliver(raw []byte, isText bool)
}

// Conn wraps a *websocket.Conn as a sendbuffer.Transport and drives a
// node's read loop. One Conn per socket, one socket per node.
type Conn struct {
	ws     *websocket.Conn
	cfg    *Config
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	done      chan struct{}
}

// New wraps an already-upgraded *websocket.Conn.
func New(ws *websocket.Conn, cfg *Config, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{ws: ws, cfg: cfg.withDefaults(), logger: logger.With("component", "wstransport"), connected: true, done: make(chan struct{})}
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	return c
}

// Upgrade upgrades an HTTP request to a WebSocket and wraps the result.
func Upgrade(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, cfg *Config, logger *slog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, cfg, logger), nil
}

// IsConnected implements sendbuffer.Transport.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendRaw implements sendbuffer.Transport. helios-starling envelopes are
// always sent as text frames.
func (c *Conn) SendRaw(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("wstransport: connection closed")
	}
	c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// ReadLoop blocks reading frames off the socket and handing them to node
// via Deliver, until the connection closes or errors. Run it in its own
// goroutine; it marks the transport disconnected on exit so the node's
// queue/buffer start holding outbound work again.
func (c *Conn) ReadLoop(node Deliverer, onDisconnect func()) {
	defer c.teardown(onDisconnect)

	for {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}
		node.Deliver(msg, msgType == websocket.TextMessage)
	}
}

// WriteLoop sends periodic pings until the connection closes. Run
// alongside ReadLoop; exits on Close or a failed ping.
func (c *Conn) WriteLoop() {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("ping failed", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) teardown(onDisconnect func()) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if onDisconnect != nil {
		onDisconnect()
	}
	c.Close()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}
