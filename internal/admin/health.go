package admin

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/gtserver/internal/gameserver"
)

// InstanceServicePrefix prefixes the per-instance gRPC health service name.
const InstanceServicePrefix = "gtserver.instance."

// HealthServer publishes instance health over the standard gRPC health
// protocol. Service "" is SERVING while any instance runs; each instance id
// has its own service named InstanceServicePrefix+id.
type HealthServer struct {
	addr     string
	source   InstanceSource
	interval time.Duration
	logger   *zap.Logger

	health *health.Server
	grpc   *grpc.Server

	stopOnce sync.Once
	stop     chan struct{}
	known    map[string]bool
}

// NewHealthServer creates a HealthServer that republishes every interval.
//
// Precondition: source and logger must be non-nil; interval > 0.
func NewHealthServer(addr string, source InstanceSource, interval time.Duration, logger *zap.Logger) *HealthServer {
	hs := &HealthServer{
		addr:     addr,
		source:   source,
		interval: interval,
		logger:   logger.Named("admin.health"),
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		stop:     make(chan struct{}),
		known:    make(map[string]bool),
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	return hs
}

// Start listens and serves until Stop is called.
func (hs *HealthServer) Start() error {
	lis, err := net.Listen("tcp", hs.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", hs.addr, err)
	}
	return hs.Serve(lis)
}

// Serve publishes health on lis until Stop is called.
func (hs *HealthServer) Serve(lis net.Listener) error {
	hs.Update()
	go hs.watch()
	hs.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	return hs.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (hs *HealthServer) Stop() {
	hs.stopOnce.Do(func() {
		close(hs.stop)
		hs.health.Shutdown()
		hs.grpc.GracefulStop()
	})
}

func (hs *HealthServer) watch() {
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	for {
		select {
		case <-hs.stop:
			return
		case <-ticker.C:
			hs.Update()
		}
	}
}

// Update publishes the current state of every instance once. Instances that
// left the pool are reported as SERVICE_UNKNOWN.
func (hs *HealthServer) Update() {
	seen := make(map[string]bool)
	anyRunning := false
	for _, info := range hs.source.Infos() {
		name := fmt.Sprintf("%s%d", InstanceServicePrefix, info.ID)
		seen[name] = true
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if info.State == gameserver.StateRunning.String() {
			status = healthpb.HealthCheckResponse_SERVING
			anyRunning = true
		}
		hs.health.SetServingStatus(name, status)
	}
	for name := range hs.known {
		if !seen[name] {
			hs.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	hs.known = seen

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if anyRunning {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	hs.health.SetServingStatus("", overall)
}
