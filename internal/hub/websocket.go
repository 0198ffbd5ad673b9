package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSBridge lets WebSocket peers join the hub. Each text message carries one
// or more newline-separated frames, exactly as on the Unix socket; WS peers
// share the registry and routing of Unix peers.
type WSBridge struct {
	addr       string
	hub        *Server
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	wg       sync.WaitGroup
}

// NewWSBridge returns a bridge for hub listening on addr ("127.0.0.1:0" picks
// a free port). Only loopback addresses are accepted.
func NewWSBridge(addr string, hub *Server) *WSBridge {
	b := &WSBridge{
		addr: addr,
		hub:  hub,
		upgrader: websocket.Upgrader{
			// Loopback only; browsers on this host may connect.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWebSocket)
	b.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid websocket address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("websocket address %q is not a loopback address", addr)
}

// Start binds the listener and serves in the background.
func (b *WSBridge) Start(_ context.Context) error {
	if err := checkLoopback(b.addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.addr, err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go func() {
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.hub.logger.Error("websocket server failed", "error", err)
		}
	}()
	b.hub.logger.Info("websocket bridge started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (b *WSBridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.addr
}

// Stop shuts the HTTP server down. Open WebSocket connections are closed by
// the hub's event loop when it stops.
func (b *WSBridge) Stop() error {
	b.mu.Lock()
	b.shutdown = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown websocket server: %w", err)
	}
	waitTimeout(b.wg.Wait, stopTimeout)
	return nil
}

func (b *WSBridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.wg.Done()
		b.hub.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	p := b.hub.attach("ws", wsConn{ws})
	if p == nil {
		b.wg.Done()
		_ = ws.Close()
		return
	}
	go b.read(p, ws)
}

// read frames incoming WebSocket messages. Like readUnix, it never writes.
func (b *WSBridge) read(p *peer, ws *websocket.Conn) {
	defer b.wg.Done()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if !b.hub.postLine(p, line) {
				return
			}
		}
	}
	b.hub.post(event{kind: evClose, peer: p})
}

// wsConn sends each frame as one text message.
type wsConn struct {
	*websocket.Conn
}

func (c wsConn) WriteFrame(data []byte, deadline time.Time) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}
