// Package transport defines the reliable-UDP connection layer beneath the
// game protocol: a bound endpoint that turns datagrams into connect,
// disconnect, and receive events through a time-bounded poll.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// EventType identifies what happened to a peer.
type EventType int

const (
	// EventConnected reports a newly established peer.
	EventConnected EventType = iota + 1
	// EventDisconnected reports a peer that closed or timed out.
	EventDisconnected
	// EventReceived reports one payload from a peer.
	EventReceived
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReceived:
		return "received"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Peer is the transport's handle for one remote endpoint. Sessions hold a
// Peer as a borrowed reference; the transport owns its lifetime.
type Peer interface {
	// ConnectionID is assigned by the transport when the peer connects and
	// is stable until the matching disconnect event.
	ConnectionID() uint32
	// Address is the remote "ip:port" of the peer.
	Address() string
}

// Event is one result of Transport.Poll.
//
// Data is borrowed from the transport and is only valid until Release is
// called. Consumers must copy anything they keep.
type Event struct {
	Type EventType
	Peer Peer
	Data []byte

	release func()
}

// NewEvent builds an Event. release, when non-nil, reclaims Data.
func NewEvent(typ EventType, peer Peer, data []byte, release func()) Event {
	return Event{Type: typ, Peer: peer, Data: data, release: release}
}

// Release hands the event buffer back to the transport. It is safe to call
// more than once.
func (e *Event) Release() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
	e.Data = nil
}

// Transport is one bound reliable-UDP endpoint. A Transport is owned by a
// single service goroutine; none of its methods are safe for concurrent use.
type Transport interface {
	// Poll waits at most timeout for the next event. ok is false when the
	// timeout expired with nothing to report.
	Poll(timeout time.Duration) (ev Event, ok bool)
	// Send queues payload for reliable delivery to peer.
	Send(peer Peer, payload []byte) error
	// Disconnect asks peer to disconnect once queued packets are delivered.
	// The matching EventDisconnected arrives through Poll.
	Disconnect(peer Peer, reason uint32)
	// DisconnectNow drops peer immediately without waiting for delivery.
	// No EventDisconnected is generated.
	DisconnectNow(peer Peer, reason uint32)
	// Close releases the endpoint. Further calls on the Transport are invalid.
	Close() error
}

// BindConfig describes the endpoint a Transport binds to.
type BindConfig struct {
	Host              string
	Port              int
	MaxSessions       int
	ChannelLimit      int
	IncomingBandwidth int
	OutgoingBandwidth int
	// Compress turns on range-coder compression for every peer of the host.
	Compress bool
}

// Addr returns the "host:port" form of the bind address.
func (c BindConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Driver is the process-wide network library behind every Transport.
type Driver interface {
	// Init brings up the library. It is called once per process.
	Init() error
	// Teardown releases the library after every Transport has been closed.
	Teardown()
	// Bind creates an endpoint.
	Bind(cfg BindConfig) (Transport, error)
}

// ErrAlreadyInitialized is returned when the subsystem is initialized twice.
var ErrAlreadyInitialized = errors.New("transport subsystem already initialized")

// ErrNotInitialized is returned when binding before the subsystem is up.
var ErrNotInitialized = errors.New("transport subsystem not initialized")

// InitError reports that the process-wide subsystem failed to start.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initializing transport subsystem: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// BindError reports that an endpoint could not acquire its address.
type BindError struct {
	Address string
	Port    int
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s:%d: %v", e.Address, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
