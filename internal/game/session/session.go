// Package session tracks server-side state for live connections.
package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

// Session is the state of one live connection, called a Player in-game.
//
// The Registry owns every Session; handlers only borrow one for the
// duration of a dispatch.
type Session struct {
	// ConnectionID is the transport's identifier for the peer.
	ConnectionID uint32
	// Peer is a borrowed handle owned by the transport.
	Peer transport.Peer
	// TraceID distinguishes this session in logs from earlier sessions that
	// were assigned the same ConnectionID.
	TraceID uuid.UUID
	// ConnectedAt is when the connect event was processed.
	ConnectedAt time.Time

	authenticated atomic.Bool
}

// Authenticated reports whether game logic has accepted the peer's identity.
func (s *Session) Authenticated() bool {
	return s.authenticated.Load()
}

// SetAuthenticated records the outcome of a login handler.
func (s *Session) SetAuthenticated(v bool) {
	s.authenticated.Store(v)
}

// Address returns the peer's remote address.
func (s *Session) Address() string {
	return s.Peer.Address()
}
