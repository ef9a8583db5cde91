// Package server runs the process's long-lived services: ordered start,
// a wait for a termination signal, and stop in reverse order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultExitTimeout bounds how long Run waits for a stopped service's Start
// to return.
const DefaultExitTimeout = 10 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	Start() error
	// Stop asks a running Start to return.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Resident returns a Service for a component that is already running: Start
// blocks until Stop, and Stop runs stop exactly once.
func Resident(stop func()) Service {
	done := make(chan struct{})
	var once sync.Once
	return &FuncService{
		StartFn: func() error {
			<-done
			return nil
		},
		StopFn: func() {
			once.Do(func() {
				stop()
				close(done)
			})
		},
	}
}

// Lifecycle starts services in the order they were added and stops them in
// reverse.
type Lifecycle struct {
	logger *zap.Logger

	mu          sync.Mutex
	services    []namedService
	signals     []os.Signal
	exitTimeout time.Duration
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:      logger.Named("lifecycle"),
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		exitTimeout: DefaultExitTimeout,
	}
}

// Add appends a named service.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal arrives,
// ctx is cancelled or a service's Start fails.
//
// Postcondition: Every service has been stopped, newest first, and given up
// to the exit timeout for its Start to return. The error is that of the
// first failed service, or nil for a signal or cancellation.
func (l *Lifecycle) Run(ctx context.Context) error {
	began := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	failures := make(chan error, len(services))
	exited := make([]chan struct{}, len(services))
	for n, ns := range services {
		exited[n] = make(chan struct{})
		go l.run(ns, exited[n], failures, cancel)
	}
	l.logger.Info("services launched",
		zap.Int("count", len(services)),
		zap.Duration("elapsed", time.Since(began)),
	)

	err := l.wait(ctx, sigCh, failures)
	l.stop(services, exited)

	l.logger.Info("shutdown complete", zap.Duration("uptime", time.Since(began)))
	return err
}

func (l *Lifecycle) run(ns namedService, exited chan<- struct{}, failures chan<- error, cancel context.CancelFunc) {
	defer close(exited)
	l.logger.Info("starting service", zap.String("service", ns.name))
	began := time.Now()
	if err := ns.service.Start(); err != nil {
		l.logger.Error("service failed",
			zap.String("service", ns.name),
			zap.Duration("uptime", time.Since(began)),
			zap.Error(err),
		)
		failures <- fmt.Errorf("service %s: %w", ns.name, err)
		cancel()
	}
}

func (l *Lifecycle) wait(ctx context.Context, sigCh <-chan os.Signal, failures <-chan error) error {
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case err := <-failures:
		return err
	case <-ctx.Done():
		// A failing service cancels ctx too; prefer its error.
		select {
		case err := <-failures:
			return err
		default:
			l.logger.Info("context cancelled, shutting down")
			return nil
		}
	}
}

func (l *Lifecycle) stop(services []namedService, exited []chan struct{}) {
	began := time.Now()
	for n := len(services) - 1; n >= 0; n-- {
		ns := services[n]
		svcBegan := time.Now()
		ns.service.Stop()
		select {
		case <-exited[n]:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcBegan)),
			)
		case <-time.After(l.exitTimeout):
			l.logger.Warn("service did not exit after stop",
				zap.String("service", ns.name),
				zap.Duration("timeout", l.exitTimeout),
			)
		}
	}
	l.logger.Info("all services stopped", zap.Duration("elapsed", time.Since(began)))
}
