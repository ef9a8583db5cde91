// Package testutil provides test doubles for the transport layer and a
// PostgreSQL pool helper for storage integration tests.
package testutil

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

// FakePeer is an in-memory transport.Peer.
type FakePeer struct {
	ID   uint32
	Addr string
}

// NewFakePeer returns a peer with the given connection id and a loopback address.
func NewFakePeer(id uint32) *FakePeer {
	return &FakePeer{ID: id, Addr: fmt.Sprintf("127.0.0.1:%d", 40000+id%20000)}
}

// ConnectionID implements transport.Peer.
func (p *FakePeer) ConnectionID() uint32 { return p.ID }

// Address implements transport.Peer.
func (p *FakePeer) Address() string { return p.Addr }

// SentPacket records one Send call.
type SentPacket struct {
	Peer    transport.Peer
	Payload []byte
}

// DisconnectRequest records one Disconnect or DisconnectNow call.
type DisconnectRequest struct {
	Peer   transport.Peer
	Reason uint32
	Now    bool
}

// FakeTransport is a scripted transport.Transport. Tests inject events from
// any goroutine; the service goroutine consumes them through Poll.
type FakeTransport struct {
	Config transport.BindConfig

	events   chan transport.Event
	released atomic.Int64
	polls    atomic.Int64

	mu          sync.Mutex
	sent        []SentPacket
	disconnects []DisconnectRequest
	sendErr     error
	closed      bool
	calls       []string
}

// NewFakeTransport returns an unbound fake with room for 256 queued events.
func NewFakeTransport(cfg transport.BindConfig) *FakeTransport {
	return &FakeTransport{
		Config: cfg,
		events: make(chan transport.Event, 256),
	}
}

// Poll implements transport.Transport.
func (f *FakeTransport) Poll(timeout time.Duration) (transport.Event, bool) {
	f.polls.Add(1)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-f.events:
		return ev, true
	case <-timer.C:
		return transport.Event{}, false
	}
}

// Send implements transport.Transport.
func (f *FakeTransport) Send(peer transport.Peer, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send")
	if f.closed {
		return errors.New("transport closed")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, SentPacket{Peer: peer, Payload: append([]byte(nil), payload...)})
	return nil
}

// Disconnect implements transport.Transport. Like a real endpoint, it later
// reports the peer through an EventDisconnected.
func (f *FakeTransport) Disconnect(peer transport.Peer, reason uint32) {
	f.mu.Lock()
	f.calls = append(f.calls, "disconnect")
	f.disconnects = append(f.disconnects, DisconnectRequest{Peer: peer, Reason: reason})
	f.mu.Unlock()

	select {
	case f.events <- transport.NewEvent(transport.EventDisconnected, peer, nil, nil):
	default:
	}
}

// DisconnectNow implements transport.Transport.
func (f *FakeTransport) DisconnectNow(peer transport.Peer, reason uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnect_now")
	f.disconnects = append(f.disconnects, DisconnectRequest{Peer: peer, Reason: reason, Now: true})
}

// Close implements transport.Transport.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("transport already closed")
	}
	f.closed = true
	return nil
}

// Connect queues an EventConnected for peer.
func (f *FakeTransport) Connect(peer transport.Peer) {
	f.events <- transport.NewEvent(transport.EventConnected, peer, nil, nil)
}

// Drop queues an EventDisconnected for peer.
func (f *FakeTransport) Drop(peer transport.Peer) {
	f.events <- transport.NewEvent(transport.EventDisconnected, peer, nil, nil)
}

// Receive queues an EventReceived carrying a copy of payload. The buffer is
// zeroed on release so a consumer that retains it observes the reuse.
func (f *FakeTransport) Receive(peer transport.Peer, payload []byte) {
	buf := append([]byte(nil), payload...)
	f.events <- transport.NewEvent(transport.EventReceived, peer, buf, func() {
		for i := range buf {
			buf[i] = 0
		}
		f.released.Add(1)
	})
}

// FailSends makes every later Send return err; nil restores success.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Sent returns a copy of every successful Send.
func (f *FakeTransport) Sent() []SentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentPacket(nil), f.sent...)
}

// Disconnects returns a copy of every disconnect request.
func (f *FakeTransport) Disconnects() []DisconnectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DisconnectRequest(nil), f.disconnects...)
}

// Calls returns the ordered names of Send/Disconnect calls.
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Closed reports whether Close has been called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Released returns how many received buffers were handed back.
func (f *FakeTransport) Released() int64 { return f.released.Load() }

// Polls returns how many times Poll has been called.
func (f *FakeTransport) Polls() int64 { return f.polls.Load() }

// Pending returns the number of queued, unpolled events.
func (f *FakeTransport) Pending() int { return len(f.events) }

// FakeDriver is an in-memory transport.Driver.
type FakeDriver struct {
	// InitErr is returned by Init when non-nil.
	InitErr error

	mu         sync.Mutex
	inits      int
	teardowns  int
	bound      map[string]*FakeTransport
	failBind   map[string]error
	transports []*FakeTransport
}

// NewFakeDriver returns a driver with no bound endpoints.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		bound:    make(map[string]*FakeTransport),
		failBind: make(map[string]error),
	}
}

// Init implements transport.Driver.
func (d *FakeDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InitErr != nil {
		return d.InitErr
	}
	d.inits++
	return nil
}

// Teardown implements transport.Driver.
func (d *FakeDriver) Teardown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns++
}

// Bind implements transport.Driver. Binding an address that is still held by
// an open fake fails the way a real socket would.
func (d *FakeDriver) Bind(cfg transport.BindConfig) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.failBind[cfg.Addr()]; ok {
		return nil, err
	}
	if prev, ok := d.bound[cfg.Addr()]; ok && !prev.Closed() {
		return nil, fmt.Errorf("address %s already in use", cfg.Addr())
	}
	t := NewFakeTransport(cfg)
	d.bound[cfg.Addr()] = t
	d.transports = append(d.transports, t)
	return t, nil
}

// FailBind makes binding addr return err.
func (d *FakeDriver) FailBind(addr string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failBind[addr] = err
}

// Transport returns the most recent fake bound at addr, or nil.
func (d *FakeDriver) Transport(addr string) *FakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound[addr]
}

// Inits returns how many times Init succeeded.
func (d *FakeDriver) Inits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits
}

// Teardowns returns how many times Teardown ran.
func (d *FakeDriver) Teardowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teardowns
}
