// Package transport defines the duplex, ordered, reliable byte-oriented
// connection the sync engine and relay exchange protocol.Frame values
// over, mirroring the teacher's network layer (internal/sync/p2p.go:
// libp2p streams with length-prefixed framing) generalized from libp2p
// streams to any connect/send/onMessage/close transport, as required by a
// plain byte-duplex collaborator rather than a peer-discovery mesh.
package transport

import (
	"context"
	"errors"

	"github.com/evolu-go/evolu/internal/protocol"
)

// ErrClosed is returned by Send/Receive once Close has been called, by
// implementations that detect that case themselves. ws.Conn does not: after
// Close it returns the wrapped websocket error instead.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one established duplex connection carrying protocol frames.
// Implementations must serialize concurrent Send calls themselves;
// Receive is only ever called from one goroutine at a time by callers in
// this module.
type Conn interface {
	Send(ctx context.Context, f protocol.Frame) error
	Receive(ctx context.Context) (protocol.Frame, error)
	Close() error
}

// Dialer opens new connections to a remote address (a relay URL, in the
// websocket implementation).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
