// Package admin serves the auxiliary listeners: an HTTP endpoint for
// metrics, health and instance inspection, and a gRPC health service.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/gameserver"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP listener.
const shutdownTimeout = 5 * time.Second

// maxBroadcastLen keeps a broadcast inside one payload.
const maxBroadcastLen = 400

// InstanceSource is the view of the instance pool the admin surfaces need.
type InstanceSource interface {
	Infos() []gameserver.Info
	Broadcast(id uint8, msg string) error
}

// HealthFunc reports the health of an optional dependency such as the
// database. A nil HealthFunc is always healthy.
type HealthFunc func(ctx context.Context) error

// HTTPServer serves /metrics, /healthz and /instances.
type HTTPServer struct {
	addr     string
	source   InstanceSource
	gatherer prometheus.Gatherer
	dbHealth HealthFunc
	logger   *zap.Logger

	mu      sync.Mutex
	srv     *http.Server
	stopped bool
}

// NewHTTPServer creates an HTTPServer listening on addr.
//
// Precondition: source, gatherer and logger must be non-nil.
func NewHTTPServer(addr string, source InstanceSource, gatherer prometheus.Gatherer, dbHealth HealthFunc, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		addr:     addr,
		source:   source,
		gatherer: gatherer,
		dbHealth: dbHealth,
		logger:   logger.Named("admin.http"),
	}
}

// Handler returns the routed handler.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	r.Route("/instances", func(r chi.Router) {
		r.Get("/", s.handleInstances)
		r.Post("/{id}/broadcast", s.handleBroadcast)
	})
	return r
}

// Start listens and serves until Stop is called.
//
// Postcondition: Returns nil after a Stop, or the listen error.
func (s *HTTPServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
func (s *HTTPServer) Serve(lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = lis.Close()
		return nil
	}
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("admin HTTP listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully. A Serve that has not begun yet
// returns immediately.
func (s *HTTPServer) Stop() {
	s.mu.Lock()
	s.stopped = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("admin HTTP shutdown", zap.Error(err))
	}
}

type healthResponse struct {
	Status           string `json:"status"`
	InstancesRunning int    `json:"instances_running"`
	Database         string `json:"database,omitempty"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, info := range s.source.Infos() {
		if info.State == gameserver.StateRunning.String() {
			resp.InstancesRunning++
		}
	}
	code := http.StatusOK
	if s.dbHealth != nil {
		resp.Database = "ok"
		if err := s.dbHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if resp.InstancesRunning == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *HTTPServer) handleInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Infos())
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *HTTPServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 8)
	if err != nil {
		http.Error(w, "invalid instance id", http.StatusBadRequest)
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" || len(req.Message) > maxBroadcastLen {
		http.Error(w, "invalid broadcast body", http.StatusBadRequest)
		return
	}

	err = s.source.Broadcast(uint8(id), req.Message)
	switch {
	case err == nil:
		s.logger.Info("broadcast queued", zap.Uint64("instance", id), zap.Int("length", len(req.Message)))
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, gameserver.ErrInstanceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, gameserver.ErrNotRunning), errors.Is(err, gameserver.ErrCommandQueueFull):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
