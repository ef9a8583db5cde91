package transport

import (
	"errors"
	"sync"
)

// The network library is process-global state: it is brought up once before
// any instance binds and torn down once after every instance has stopped.
var subsystem struct {
	mu     sync.Mutex
	driver Driver
}

// InitSubsystem initializes d as the process-wide network driver.
//
// Precondition: d must be non-nil.
// Postcondition: Returns nil and records d, ErrAlreadyInitialized if a driver
// is already active, or an *InitError if d.Init fails.
func InitSubsystem(d Driver) error {
	if d == nil {
		return &InitError{Err: errors.New("nil driver")}
	}
	subsystem.mu.Lock()
	defer subsystem.mu.Unlock()

	if subsystem.driver != nil {
		return ErrAlreadyInitialized
	}
	if err := d.Init(); err != nil {
		return &InitError{Err: err}
	}
	subsystem.driver = d
	return nil
}

// TeardownSubsystem releases the active driver. Calling it when no driver is
// active is a no-op.
//
// Precondition: every Transport bound through the driver has been closed.
func TeardownSubsystem() {
	subsystem.mu.Lock()
	defer subsystem.mu.Unlock()

	if subsystem.driver == nil {
		return
	}
	subsystem.driver.Teardown()
	subsystem.driver = nil
}

// SubsystemReady reports whether a driver is active.
func SubsystemReady() bool {
	subsystem.mu.Lock()
	defer subsystem.mu.Unlock()
	return subsystem.driver != nil
}

// Bind creates an endpoint through the active driver.
//
// Postcondition: Returns a bound Transport, or a *BindError. Binding is never
// retried.
func Bind(cfg BindConfig) (Transport, error) {
	subsystem.mu.Lock()
	d := subsystem.driver
	subsystem.mu.Unlock()

	if d == nil {
		return nil, &BindError{Address: cfg.Host, Port: cfg.Port, Err: ErrNotInitialized}
	}
	t, err := d.Bind(cfg)
	if err != nil {
		var be *BindError
		if errors.As(err, &be) {
			return nil, be
		}
		return nil, &BindError{Address: cfg.Host, Port: cfg.Port, Err: err}
	}
	return t, nil
}
