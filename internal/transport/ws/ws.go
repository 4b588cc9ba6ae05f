// Package ws implements transport.Conn over WebSocket connections using
// gorilla/websocket, carrying one protocol.Frame per WebSocket binary
// message. Grounded on the teacher's stream-based transport
// (internal/sync/p2p.go NewStream/SetStreamHandler) adapted from libp2p
// streams to plain WebSocket connections, since the sync core here talks
// to a single relay rather than discovering a peer mesh.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evolu-go/evolu/internal/protocol"
	"github.com/evolu-go/evolu/internal/transport"
)

// WriteTimeout bounds how long a single frame write may take.
var WriteTimeout = 10 * time.Second

// Conn adapts a *websocket.Conn to transport.Conn.
type Conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
}

var _ transport.Conn = (*Conn)(nil)

// Wrap adapts an already-established *websocket.Conn (from either Dial or
// an Upgrader) to transport.Conn.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Dialer opens client connections to a relay's WebSocket endpoint.
type Dialer struct {
	Underlying *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer using gorilla/websocket's default dialer.
func NewDialer() *Dialer {
	return &Dialer{Underlying: websocket.DefaultDialer}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	dialer := d.Underlying
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wsConn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", addr, err)
	}
	return Wrap(wsConn), nil
}

// Send implements transport.Conn by encoding f as one protocol frame and
// writing it as a single binary WebSocket message.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, f); err != nil {
		return fmt.Errorf("ws: encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("ws: write message: %w", err)
	}
	return nil
}

// Receive implements transport.Conn, blocking until a full frame arrives.
func (c *Conn) Receive(ctx context.Context) (protocol.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	}
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("ws: read message: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return protocol.Frame{}, fmt.Errorf("ws: unexpected message type %d", msgType)
	}
	f, err := protocol.ReadFrame(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("ws: decode frame: %w", err)
	}
	return f, nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

// Upgrader upgrades incoming HTTP requests to WebSocket connections on the
// relay side.
type Upgrader struct {
	underlying websocket.Upgrader
}

// NewUpgrader returns an Upgrader with permissive origin checking — the
// relay authenticates at the protocol layer (Initiate's write-key), not at
// the HTTP layer.
func NewUpgrader() *Upgrader {
	return &Upgrader{underlying: websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}}
}

// Upgrade completes the WebSocket handshake for one incoming connection.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsConn, err := u.underlying.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade: %w", err)
	}
	return Wrap(wsConn), nil
}
