// Package event routes classified packets to the handlers registered for
// their EventKey.
package event

import (
	"context"
	"fmt"

	"github.com/cory-johannsen/gtserver/internal/game/session"
	"github.com/cory-johannsen/gtserver/internal/protocol"
	"github.com/cory-johannsen/gtserver/internal/storage"
	"github.com/cory-johannsen/gtserver/internal/transport"
)

// Class is one of the closed set of event classes. Each class has its own
// registration table.
type Class int

const (
	// ClassText is keyed by the text protocol prefix.
	ClassText Class = iota
	// ClassAction is keyed by the value of an "action" text event.
	ClassAction
	// ClassGamePacket is keyed by the binary sub-header type code.
	ClassGamePacket

	numClasses
)

// Classes lists every event class in table order.
var Classes = [...]Class{ClassText, ClassAction, ClassGamePacket}

// String returns the class name used in logs and metric labels.
func (c Class) String() string {
	switch c {
	case ClassText:
		return "text"
	case ClassAction:
		return "action"
	case ClassGamePacket:
		return "game_packet"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

func (c Class) valid() bool {
	return c >= 0 && c < numClasses
}

// PacketKey returns the EventKey of a binary game packet type.
func PacketKey(t protocol.GamePacketType) string {
	return fmt.Sprintf("%d", uint8(t))
}

// Handler runs one event. It executes synchronously on the instance service
// goroutine and must not retain ctx past its return.
type Handler func(ctx *Context)

// Server is the view of the owning instance a handler may act through.
type Server interface {
	// InstanceID returns the pool-assigned id of the instance.
	InstanceID() uint8
	// Send writes payload to peer.
	Send(peer transport.Peer, payload []byte) error
	// SendLog sends a console log message to peer.
	SendLog(peer transport.Peer, msg string) error
	// Kick requests a graceful disconnect of peer. The session is removed
	// when the transport reports the disconnect.
	Kick(peer transport.Peer)
}

// ItemCatalog is the item definition collaborator.
type ItemCatalog interface {
	IsReady() bool
	Count() int
}

// Context is the execution context of exactly one handler invocation.
//
// It is built per dispatch and must not be retained after the handler
// returns. Text and Packet are views of the classified payload; at most one
// of them is set.
type Context struct {
	Ctx     context.Context
	Server  Server
	Session *session.Session
	Storage storage.Store
	Items   ItemCatalog
	Router  *Router

	Text   *protocol.TextScanner
	Packet *protocol.GameUpdatePacket
}

// SendLog sends msg to the session's peer.
func (c *Context) SendLog(msg string) error {
	return c.Server.SendLog(c.Session.Peer, msg)
}

// Kick disconnects the session's peer.
func (c *Context) Kick() {
	c.Server.Kick(c.Session.Peer)
}
