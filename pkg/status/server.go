package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/atvirokodosprendimai/ctldisco/pkg/discovery"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Source is what the status server reports on
type Source interface {
	Endpoints() []discovery.Endpoint
	Controller() (discovery.Endpoint, bool)
	Health() error
}

// Server exposes metrics, the discovered endpoints and discovery health over HTTP
type Server struct {
	source   Source
	registry *prometheus.Registry
	router   *mux.Router
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a status server. A nil registry disables /metrics.
func NewServer(source Source, registry *prometheus.Registry, metricsPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	s := &Server{
		source:   source,
		registry: registry,
		router:   mux.NewRouter(),
		logger:   logger.Named("status"),
	}
	s.setupRoutes(metricsPath)
	return s
}

func (s *Server) setupRoutes(metricsPath string) {
	if s.registry != nil {
		s.router.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	s.router.HandleFunc("/endpoints", s.handleEndpoints).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

// Handler returns the HTTP handler serving all routes
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting status server", zap.String("addr", addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type endpointsResponse struct {
	Endpoints  []discovery.Endpoint `json:"endpoints"`
	Controller *discovery.Endpoint  `json:"controller,omitempty"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	resp := endpointsResponse{Endpoints: s.source.Endpoints()}
	if resp.Endpoints == nil {
		resp.Endpoints = []discovery.Endpoint{}
	}
	if current, ok := s.source.Controller(); ok {
		resp.Controller = &current
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("Failed to write endpoints", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.source.Health(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
