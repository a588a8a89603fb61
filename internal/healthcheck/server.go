package healthcheck

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/pkg/utils"
)

// readyTimeout bounds a single readiness check against the store.
const readyTimeout = 3 * time.Second

// ReadinessChecker reports whether the service can serve traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux // Expose mux for adding handlers
	logger     *zap.Logger
	checkers   map[string]ReadinessChecker
	version    string
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port int, version string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:      mux,
		logger:   logger,
		checkers: make(map[string]ReadinessChecker),
		version:  version,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// AddReadinessCheck makes /ready depend on c. Register before Start.
func (s *Server) AddReadinessCheck(name string, c ReadinessChecker) {
	s.checkers[name] = c
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: s.version,
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady runs every readiness check. Any failure answers 503 with the
// failing check's error in Details.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}
	for name, c := range s.checkers {
		if err := c.Ready(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			status = http.StatusServiceUnavailable
			resp.Status = "NOT_READY"
			resp.Details[name] = err.Error()
			continue
		}
		resp.Details[name] = "ok"
	}

	utils.WriteJSONResponse(w, status, resp)
}
