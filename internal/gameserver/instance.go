// Package gameserver composes the transport, session registry, classifier
// and event router into independently startable server instances, and
// keeps the pool of running instances.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/event"
	"github.com/cory-johannsen/gtserver/internal/game/session"
	"github.com/cory-johannsen/gtserver/internal/observability"
	"github.com/cory-johannsen/gtserver/internal/protocol"
	"github.com/cory-johannsen/gtserver/internal/storage"
	"github.com/cory-johannsen/gtserver/internal/transport"
)

// DefaultPollTimeout bounds each transport poll, and so the time Stop waits
// for the service goroutine to notice the state change.
const DefaultPollTimeout = time.Second

// commandQueueSize bounds the work other goroutines may queue into the
// service loop.
const commandQueueSize = 64

var (
	// ErrAlreadyStarted is returned by Start on an instance that has left Idle.
	ErrAlreadyStarted = errors.New("instance already started")
	// ErrNotRunning is returned by operations that need a running instance.
	ErrNotRunning = errors.New("instance not running")
	// ErrUnknownSession marks a receive from a peer with no session. It is
	// logged by the service loop and never returned.
	ErrUnknownSession = errors.New("receive from unknown session")
	// ErrCommandQueueFull is returned when the service loop is not keeping up.
	ErrCommandQueueFull = errors.New("instance command queue full")
)

// State is a step of the instance lifecycle.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Components are the shared collaborators injected into every instance.
// They outlive the instances and are torn down after them.
type Components struct {
	Router  *event.Router
	Storage storage.Store
	Items   event.ItemCatalog
}

// Options tune an instance.
type Options struct {
	// PollTimeout bounds each poll; zero uses DefaultPollTimeout.
	PollTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Info is a point-in-time view of an instance for admin surfaces.
type Info struct {
	ID       uint8  `json:"id"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	State    string `json:"state"`
	Sessions int    `json:"sessions"`
}

// Instance is one addressable server endpoint with its own sessions.
//
// Only the service goroutine touches the transport and mutates the session
// registry once the instance is running. Other goroutines read the registry
// or queue commands.
type Instance struct {
	id          uint8
	cfg         transport.BindConfig
	comps       Components
	logger      *zap.Logger
	metrics     *observability.Metrics
	pollTimeout time.Duration

	mu        sync.Mutex
	state     atomic.Int32
	transport transport.Transport
	sessions  *session.Registry
	commands  chan func()
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewInstance creates an Idle instance.
//
// Precondition: comps.Router, opts.Logger and opts.Metrics must be non-nil.
// Postcondition: The instance owns an empty session registry and no
// transport.
func NewInstance(id uint8, cfg transport.BindConfig, comps Components, opts Options) *Instance {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if comps.Storage == nil {
		comps.Storage = storage.Unavailable{}
	}
	return &Instance{
		id:          id,
		cfg:         cfg,
		comps:       comps,
		logger:      observability.InstanceLogger(opts.Logger, id, cfg.Addr()),
		metrics:     opts.Metrics,
		pollTimeout: opts.PollTimeout,
		sessions:    session.NewRegistry(),
	}
}

// InstanceID returns the pool-assigned id.
func (i *Instance) InstanceID() uint8 { return i.id }

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// Sessions returns the instance's registry. Callers outside the service
// goroutine must only read it.
func (i *Instance) Sessions() *session.Registry { return i.sessions }

// Info returns a snapshot for admin views.
func (i *Instance) Info() Info {
	return Info{
		ID:       i.id,
		Address:  i.cfg.Host,
		Port:     i.cfg.Port,
		State:    i.State().String(),
		Sessions: i.sessions.Len(),
	}
}

// Start binds the transport and launches the service goroutine.
//
// Precondition: the transport subsystem must be initialized.
// Postcondition: On success the instance is Running. On bind failure it is
// back in Idle and the returned error is a *transport.BindError. Starting a
// non-Idle instance returns ErrAlreadyStarted.
func (i *Instance) Start() error {
	start := time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("starting instance %d: %w", i.id, ErrAlreadyStarted)
	}

	tr, err := transport.Bind(i.cfg)
	if err != nil {
		i.state.Store(int32(StateIdle))
		i.logger.Error("bind failed", zap.Error(err))
		return err
	}

	i.transport = tr
	i.commands = make(chan func(), commandQueueSize)
	i.done = make(chan struct{})
	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.state.Store(int32(StateRunning))
	go i.service(tr)

	i.logger.Info("instance running",
		zap.Int("max_sessions", i.cfg.MaxSessions),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Stop ends the service loop and waits for it to exit. Every session is
// disconnected by the service goroutine on its way out.
//
// Postcondition: The instance is Stopped. Stop on a Stopped instance is a
// no-op; Stop on an Idle instance moves it straight to Stopped.
func (i *Instance) Stop() {
	i.mu.Lock()
	switch i.State() {
	case StateIdle:
		i.state.Store(int32(StateStopped))
		i.mu.Unlock()
		return
	case StateRunning:
		i.state.Store(int32(StateStopping))
	case StateStopping:
	default:
		i.mu.Unlock()
		return
	}
	done := i.done
	i.mu.Unlock()

	start := time.Now()
	<-done
	i.state.Store(int32(StateStopped))
	i.logger.Info("instance stopped", zap.Duration("elapsed", time.Since(start)))
}

// Close stops the instance if needed and then releases the transport.
//
// Postcondition: The transport is closed exactly once; later calls return
// the first result.
func (i *Instance) Close() error {
	i.Stop()
	i.closeOnce.Do(func() {
		i.mu.Lock()
		tr := i.transport
		i.mu.Unlock()
		if tr == nil {
			return
		}
		if err := tr.Close(); err != nil {
			i.closeErr = fmt.Errorf("closing instance %d transport: %w", i.id, err)
		}
	})
	return i.closeErr
}

// Broadcast queues a console message to every session. It is delivered by
// the service goroutine within one poll timeout.
//
// Postcondition: Returns ErrNotRunning unless Running, ErrCommandQueueFull
// when the loop is behind.
func (i *Instance) Broadcast(msg string) error {
	return i.enqueue(func() {
		payload := protocol.EncodeLog(msg)
		i.sessions.ForEach(func(s *session.Session) bool {
			_ = i.Send(s.Peer, payload)
			return true
		})
	})
}

func (i *Instance) enqueue(cmd func()) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.State() != StateRunning {
		return ErrNotRunning
	}
	select {
	case i.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// service is the per-instance loop. Poll is its only suspension point.
func (i *Instance) service(tr transport.Transport) {
	defer close(i.done)
	defer i.cancel()

	for i.State() == StateRunning {
		ev, ok := tr.Poll(i.pollTimeout)
		if ok {
			i.handle(ev)
		}
		i.drainCommands()
	}
	i.disconnectAll()
}

func (i *Instance) drainCommands() {
	for {
		select {
		case cmd := <-i.commands:
			cmd()
		default:
			return
		}
	}
}

func (i *Instance) disconnectAll() {
	n := 0
	i.sessions.ForEach(func(s *session.Session) bool {
		i.transport.DisconnectNow(s.Peer, 0)
		n++
		return true
	})
	i.sessions.Clear()
	i.metrics.SetSessions(i.id, 0)
	i.logger.Info("disconnected all sessions", zap.Int("sessions", n))
}

func (i *Instance) handle(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		i.onConnect(ev.Peer)
	case transport.EventDisconnected:
		i.onDisconnect(ev.Peer)
	case transport.EventReceived:
		defer ev.Release()
		i.onReceive(ev.Peer, ev.Data)
	default:
		i.logger.Debug("ignoring transport event", zap.Stringer("type", ev.Type))
	}
}

func (i *Instance) onConnect(peer transport.Peer) {
	s, err := i.sessions.Create(peer)
	if err != nil {
		i.logger.Warn("connect for existing session",
			zap.Uint32("connection_id", peer.ConnectionID()),
			zap.Error(err),
		)
		return
	}
	i.metrics.SetSessions(i.id, i.sessions.Len())
	i.logger.Debug("peer connected",
		zap.Uint32("connection_id", s.ConnectionID),
		zap.String("address", s.Address()),
		zap.Stringer("trace_id", s.TraceID),
	)
	// HELLO goes out before any identity is known.
	_ = i.Send(peer, protocol.EncodeHello())
}

func (i *Instance) onDisconnect(peer transport.Peer) {
	if !i.sessions.Remove(peer.ConnectionID()) {
		return
	}
	i.metrics.SetSessions(i.id, i.sessions.Len())
	i.logger.Debug("peer disconnected", zap.Uint32("connection_id", peer.ConnectionID()))
}

func (i *Instance) onReceive(peer transport.Peer, data []byte) {
	i.metrics.PacketReceived(i.id)

	s, ok := i.sessions.Get(peer.ConnectionID())
	if !ok {
		i.metrics.PacketDropped(i.id, observability.DropUnknownSession)
		i.logger.Warn("dropping peer",
			zap.Uint32("connection_id", peer.ConnectionID()),
			zap.String("address", peer.Address()),
			zap.Error(ErrUnknownSession),
		)
		_ = i.SendLog(peer, protocol.ReLogonMessage)
		i.transport.Disconnect(peer, 0)
		return
	}

	cp, err := protocol.Classify(data)
	if err != nil {
		reason := observability.DropMalformed
		if errors.Is(err, protocol.ErrBadLength) {
			reason = observability.DropBadLength
		}
		i.metrics.PacketDropped(i.id, reason)
		i.logger.Debug("dropping payload",
			zap.Uint32("connection_id", s.ConnectionID),
			zap.Int("length", len(data)),
			zap.Error(err),
		)
		return
	}
	if cp.Category == protocol.CategoryUnrecognized {
		i.metrics.PacketDropped(i.id, observability.DropUnrecognized)
		i.logger.Debug("unrecognized message type",
			zap.Uint32("connection_id", s.ConnectionID),
			zap.Stringer("type", cp.Type),
		)
		return
	}

	ec := &event.Context{
		Ctx:     i.ctx,
		Server:  i,
		Session: s,
		Storage: i.comps.Storage,
		Items:   i.comps.Items,
		Router:  i.comps.Router,
	}
	i.comps.Router.DispatchClassified(i.ctx, cp, ec)
}

// Send writes payload to peer. A failure is logged and counted; the session
// is left for the next disconnect event to clean up.
func (i *Instance) Send(peer transport.Peer, payload []byte) error {
	if err := i.transport.Send(peer, payload); err != nil {
		i.metrics.SendFailed(i.id)
		i.logger.Warn("send failed",
			zap.Uint32("connection_id", peer.ConnectionID()),
			zap.Int("length", len(payload)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// SendLog sends a console log message to peer.
func (i *Instance) SendLog(peer transport.Peer, msg string) error {
	return i.Send(peer, protocol.EncodeLog(msg))
}

// Kick asks the transport to disconnect peer. The session is removed when
// the disconnect event is processed.
func (i *Instance) Kick(peer transport.Peer) {
	i.logger.Debug("kicking peer", zap.Uint32("connection_id", peer.ConnectionID()))
	i.transport.Disconnect(peer, 0)
}

var _ event.Server = (*Instance)(nil)
