// Package enet implements the transport driver on top of the ENet
// reliable-UDP library.
package enet

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/codecat/go-enet"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

// Driver is the ENet-backed transport.Driver.
type Driver struct{}

// NewDriver returns an ENet driver.
func NewDriver() *Driver {
	return &Driver{}
}

// Init implements transport.Driver.
func (d *Driver) Init() error {
	if rc := enet.Initialize(); rc != 0 {
		return fmt.Errorf("enet_initialize returned %d", rc)
	}
	return nil
}

// Teardown implements transport.Driver.
func (d *Driver) Teardown() {
	enet.Deinitialize()
}

// Bind implements transport.Driver.
//
// Precondition: cfg.Port is a valid UDP port and cfg.MaxSessions > 0.
// Postcondition: Returns a Host listening on cfg.Addr() or a *transport.BindError.
func (d *Driver) Bind(cfg transport.BindConfig) (transport.Transport, error) {
	ip, err := resolveHost(cfg.Host)
	if err != nil {
		return nil, &transport.BindError{Address: cfg.Host, Port: cfg.Port, Err: err}
	}
	channels := cfg.ChannelLimit
	if channels <= 0 {
		channels = 2
	}

	host, err := enet.NewHost(
		enet.NewAddress(ip, uint16(cfg.Port)),
		uint64(cfg.MaxSessions),
		uint64(channels),
		uint32(cfg.IncomingBandwidth),
		uint32(cfg.OutgoingBandwidth),
	)
	if err != nil {
		return nil, &transport.BindError{Address: cfg.Host, Port: cfg.Port, Err: err}
	}
	if err := configureHost(host, cfg); err != nil {
		host.Destroy()
		return nil, &transport.BindError{Address: cfg.Host, Port: cfg.Port, Err: err}
	}
	return &Host{
		host:  host,
		peers: make(map[enet.Peer]*peer),
	}, nil
}

// rangeCoder is the part of enet.Host that configureHost needs.
type rangeCoder interface {
	CompressWithRangeCoder() error
}

// configureHost applies the per-host options clients depend on.
func configureHost(h rangeCoder, cfg transport.BindConfig) error {
	if !cfg.Compress {
		return nil
	}
	if err := h.CompressWithRangeCoder(); err != nil {
		return fmt.Errorf("enabling range coder: %w", err)
	}
	return nil
}

func resolveHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolving %q: no addresses", host)
	}
	return addrs[0], nil
}

type peer struct {
	raw  enet.Peer
	id   uint32
	addr string
}

func (p *peer) ConnectionID() uint32 { return p.id }
func (p *peer) Address() string      { return p.addr }

// Host is one bound ENet endpoint.
//
// Connection ids are assigned here on connect and remembered per raw peer
// until the disconnect event, so a recycled ENet peer slot never inherits a
// stale id.
type Host struct {
	host   enet.Host
	peers  map[enet.Peer]*peer
	nextID uint32
}

// Poll implements transport.Transport.
func (h *Host) Poll(timeout time.Duration) (transport.Event, bool) {
	ev := h.host.Service(uint32(timeout / time.Millisecond))

	switch ev.GetType() {
	case enet.EventConnect:
		raw := ev.GetPeer()
		h.nextID++
		if h.nextID == 0 {
			h.nextID = 1
		}
		p := &peer{raw: raw, id: h.nextID, addr: raw.GetAddress().String()}
		h.peers[raw] = p
		return transport.NewEvent(transport.EventConnected, p, nil, nil), true

	case enet.EventDisconnect:
		raw := ev.GetPeer()
		p, ok := h.peers[raw]
		if !ok {
			return transport.Event{}, false
		}
		delete(h.peers, raw)
		return transport.NewEvent(transport.EventDisconnected, p, nil, nil), true

	case enet.EventReceive:
		packet := ev.GetPacket()
		p, ok := h.peers[ev.GetPeer()]
		if !ok {
			packet.Destroy()
			return transport.Event{}, false
		}
		return transport.NewEvent(transport.EventReceived, p, packet.GetData(), packet.Destroy), true

	default:
		return transport.Event{}, false
	}
}

// Send implements transport.Transport.
func (h *Host) Send(tp transport.Peer, payload []byte) error {
	p, err := h.lookup(tp)
	if err != nil {
		return err
	}
	return p.raw.SendBytes(payload, 0, enet.PacketFlagReliable)
}

// Disconnect implements transport.Transport.
func (h *Host) Disconnect(tp transport.Peer, reason uint32) {
	if p, err := h.lookup(tp); err == nil {
		p.raw.DisconnectLater(reason)
	}
}

// DisconnectNow implements transport.Transport.
func (h *Host) DisconnectNow(tp transport.Peer, reason uint32) {
	p, err := h.lookup(tp)
	if err != nil {
		return
	}
	p.raw.DisconnectNow(reason)
	delete(h.peers, p.raw)
}

// Close implements transport.Transport.
func (h *Host) Close() error {
	if h.host == nil {
		return errors.New("enet host already closed")
	}
	h.host.Destroy()
	h.host = nil
	h.peers = nil
	return nil
}

var errUnknownPeer = errors.New("peer is not connected to this host")

func (h *Host) lookup(tp transport.Peer) (*peer, error) {
	p, ok := tp.(*peer)
	if !ok {
		return nil, fmt.Errorf("foreign peer type %T", tp)
	}
	if cur, ok := h.peers[p.raw]; !ok || cur != p {
		return nil, errUnknownPeer
	}
	return p, nil
}
