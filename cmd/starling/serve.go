package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/helios-starling/kernel/pkg/contexts"
	"github.com/helios-starling/kernel/pkg/methods"
	starlingmw "github.com/helios-starling/kernel/pkg/middleware"
	"github.com/helios-starling/kernel/pkg/node"
	"github.com/helios-starling/kernel/pkg/transport/wstransport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	var path string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference starling WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, path)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&path, "path", "/ws", "path upgraded to a WebSocket connection")

	return cmd
}

// upgrader accepts connections from any origin; a production host would
// restrict this to its own front-end origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func runServe(addr, path string) error {
	logger := slog.Default()
	printBanner()

	var nodes sync.Map // connection id -> *node.Node, for the "tick" broadcaster

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		conn, err := wstransport.Upgrade(w, req, &upgrader, nil, logger)
		if err != nil {
			errorMsg("upgrade failed: %s", err)
			return
		}

		n := node.New(conn, node.NewConfig(node.WithLogger(logger)))
		starlingmw.Prometheus(n)
		starlingmw.OpenTelemetry(n)
		registerDemoMethods(n)

		connID := req.RemoteAddr
		nodes.Store(connID, n)
		n.SetConnected(true)

		go conn.WriteLoop()
		conn.ReadLoop(n, func() {
			n.SetConnected(false)
			nodes.Delete(connID)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	go broadcastTicks(&nodes)

	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		success("listening on %s (ws path %s)", addr, path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorMsg("server error: %s", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// registerDemoMethods wires the handful of RPCs the reference server
// exposes so a client can exercise request/response and streaming
// notifications without any application-specific payload.
func registerDemoMethods(n *node.Node) {
	n.RegisterMethod("demo:echo", func(ctx *contexts.RequestContext) error {
		ctx.Success(ctx.Payload, n.Reply())
		return nil
	}, methods.Options{Timeout: 5 * time.Second})

	n.RegisterMethod("demo:ping", func(ctx *contexts.RequestContext) error {
		ctx.Success(json.RawMessage(`{"pong":true}`), n.Reply())
		return nil
	}, methods.Options{})
}

// broadcastTicks publishes a "clock:tick" notification to every connected
// node once a second, demonstrating server-initiated topic delivery.
func broadcastTicks(nodes *sync.Map) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		payload, _ := json.Marshal(map[string]any{"time": time.Now().UTC().Format(time.RFC3339)})
		nodes.Range(func(_, v any) bool {
			n := v.(*node.Node)
			_ = n.Notify("clock:tick", payload, "")
			return true
		})
	}
}
