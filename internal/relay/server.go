package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/evolu-go/evolu/internal/logging"
	"github.com/evolu-go/evolu/internal/protocol"
	"github.com/evolu-go/evolu/internal/syncengine"
	"github.com/evolu-go/evolu/internal/transport/ws"
)

// HandshakeTimeout bounds how long a connection may take to send its
// Initiate frame before the relay gives up and closes it.
var HandshakeTimeout = 10 * time.Second

// Server accepts incoming WebSocket connections, runs the Initiate
// admission handshake (spec §4.7), and then hands the connection to
// syncengine.Reconcile running against that owner's slice of the store.
// Grounded on the teacher's cmdServe (cmd/vaultd/main.go): a flag/config
// driven http.Server wrapping a single handler.
type Server struct {
	Store    *Store
	Upgrader *ws.Upgrader
	Options  syncengine.Options
	Logger   logging.Logger
}

// NewServer constructs a Server with sane defaults.
func NewServer(store *Store) *Server {
	return &Server{
		Store:    store,
		Upgrader: ws.NewUpgrader(),
		Options:  syncengine.DefaultOptions(),
		Logger:   logging.Nop,
	}
}

// ServeHTTP implements http.Handler, upgrading the request to a WebSocket
// connection and running one reconciliation session on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.Upgrader.Upgrade(w, r)
	if err != nil {
		s.logger().Warnf("relay: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), HandshakeTimeout)
	ownerID, err := s.handshake(ctx, conn)
	cancel()
	if err != nil {
		s.logger().Warnf("relay: handshake failed: %v", err)
		return
	}

	peer, err := newOwnerPeer(r.Context(), s.Store, ownerID)
	if err != nil {
		s.logger().Errorf("relay: load peer for %x: %v", ownerID, err)
		s.sendError(r.Context(), conn, protocol.ErrCodeInternal, "internal error")
		return
	}

	if err := syncengine.Reconcile(r.Context(), conn, peer, s.Options); err != nil {
		s.logger().Warnf("relay: reconcile with %x failed: %v", ownerID, err)
	}
}

func (s *Server) handshake(ctx context.Context, conn *ws.Conn) ([16]byte, error) {
	frame, err := conn.Receive(ctx)
	if err != nil {
		var mismatch *protocol.VersionMismatchError
		if errors.As(err, &mismatch) {
			s.sendError(ctx, conn, protocol.ErrCodeVersionMismatch, mismatch.Error())
		}
		return [16]byte{}, fmt.Errorf("relay: receive initiate: %w", err)
	}
	if frame.Type != protocol.FrameInitiate {
		s.sendError(ctx, conn, protocol.ErrCodeMalformed, "expected Initiate frame")
		return [16]byte{}, fmt.Errorf("relay: expected Initiate, got %s", frame.Type)
	}

	var payload protocol.InitiatePayload
	if err := protocol.Decode(frame, &payload); err != nil {
		s.sendError(ctx, conn, protocol.ErrCodeMalformed, "malformed Initiate")
		return [16]byte{}, err
	}

	ownerID, writeKey := payload.OwnerID, payload.WriteKey
	if err := s.Store.Admit(ctx, ownerID, writeKey); err != nil {
		code := protocol.ErrCodeAuth
		if _, atCapacity := err.(OwnerLimitError); atCapacity {
			code = protocol.ErrCodeQuota
		}
		s.sendError(ctx, conn, code, err.Error())
		return [16]byte{}, err
	}
	return ownerID, nil
}

func (s *Server) sendError(ctx context.Context, conn *ws.Conn, code protocol.ErrorCode, message string) {
	frame, err := protocol.Encode(protocol.FrameError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(ctx, frame)
}

func (s *Server) logger() logging.Logger {
	if s.Logger == nil {
		return logging.Nop
	}
	return s.Logger
}

