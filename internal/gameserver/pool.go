package gameserver

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/transport"
)

// MaxInstances is the number of distinct instance ids a pool can hand out.
const MaxInstances = 256

var (
	// ErrInstanceNotFound is returned for an id the pool does not hold.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrPoolExhausted is returned once every instance id has been used.
	ErrPoolExhausted = errors.New("instance ids exhausted")
)

// Pool owns the running instances and brackets the transport subsystem.
//
// Ids are assigned sequentially from 0 when an instance starts successfully
// and are never reused. Instances are kept in insertion order.
type Pool struct {
	comps  Components
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	instances []*Instance
	nextID    int
}

// NewPool creates an empty pool whose instances share comps.
//
// Precondition: comps.Router, opts.Logger and opts.Metrics must be non-nil.
func NewPool(comps Components, opts Options) *Pool {
	return &Pool{
		comps:  comps,
		opts:   opts,
		logger: opts.Logger.Named("pool"),
	}
}

// InitSubsystem brings up the process-wide transport library.
//
// Postcondition: Returns a *transport.InitError on failure.
func (p *Pool) InitSubsystem(d transport.Driver) error {
	return transport.InitSubsystem(d)
}

// TeardownSubsystem stops every instance and then tears down the transport
// library.
func (p *Pool) TeardownSubsystem() {
	p.StopAll()
	transport.TeardownSubsystem()
}

// StartInstance binds and starts a new instance for cfg.
//
// Postcondition: On success the instance is Running and held by the pool
// under the next id. On failure nothing is added, the id is not consumed,
// and a bind failure is returned as *transport.BindError.
func (p *Pool) StartInstance(cfg transport.BindConfig) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.nextID >= MaxInstances {
		return nil, ErrPoolExhausted
	}
	inst := NewInstance(uint8(p.nextID), cfg, p.comps, p.opts)
	if err := inst.Start(); err != nil {
		return nil, err
	}
	p.instances = append(p.instances, inst)
	p.nextID++
	p.logger.Info("instance added",
		zap.Uint8("instance", inst.InstanceID()),
		zap.String("bind_addr", cfg.Addr()),
		zap.Int("instances", len(p.instances)),
	)
	return inst, nil
}

// StopInstance stops instance id, releases its transport and removes it.
//
// Postcondition: Returns ErrInstanceNotFound for an unknown id.
func (p *Pool) StopInstance(id uint8) error {
	p.mu.Lock()
	idx := -1
	for n, inst := range p.instances {
		if inst.InstanceID() == id {
			idx = n
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return fmt.Errorf("stopping instance %d: %w", id, ErrInstanceNotFound)
	}
	inst := p.instances[idx]
	p.instances = append(p.instances[:idx:idx], p.instances[idx+1:]...)
	p.mu.Unlock()

	return inst.Close()
}

// StopAll stops and releases every instance, newest first.
func (p *Pool) StopAll() {
	p.mu.Lock()
	insts := p.instances
	p.instances = nil
	p.mu.Unlock()

	for n := len(insts) - 1; n >= 0; n-- {
		if err := insts[n].Close(); err != nil {
			p.logger.Warn("closing instance", zap.Uint8("instance", insts[n].InstanceID()), zap.Error(err))
		}
	}
}

// Instances returns the held instances in insertion order.
func (p *Pool) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.instances...)
}

// Get returns instance id.
func (p *Pool) Get(id uint8) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.InstanceID() == id {
			return inst, true
		}
	}
	return nil, false
}

// Infos returns a snapshot of every instance in insertion order.
func (p *Pool) Infos() []Info {
	insts := p.Instances()
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Info())
	}
	return out
}

// Broadcast queues msg for every session of instance id.
//
// Postcondition: Returns ErrInstanceNotFound for an unknown id, or the
// instance's error when it cannot accept the message.
func (p *Pool) Broadcast(id uint8, msg string) error {
	inst, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("broadcast to instance %d: %w", id, ErrInstanceNotFound)
	}
	return inst.Broadcast(msg)
}
