package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// HealthFunc reports the supervisor's health; a nil error is healthy
type HealthFunc func() error

// StatusFunc returns extra fields reported on /health
type StatusFunc func() map[string]interface{}

// Server serves /metrics and /health
type Server struct {
	metrics *Metrics
	health  HealthFunc
	status  StatusFunc
	logger  *logx.Logger
	server  *http.Server
}

// NewServer creates a metrics server listening on addr
func NewServer(addr string, m *Metrics, health HealthFunc, logger *logx.Logger) *Server {
	if logger == nil {
		logger = &logx.Logger{}
	}
	s := &Server{metrics: m, health: health, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.healthHandler)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetStatus registers fn to add fields to the /health body. Call before Start.
func (s *Server) SetStatus(fn StatusFunc) { s.status = fn }

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()
	s.logger.Info("Metrics server started", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "healthy"}
	code := http.StatusOK
	if s.health != nil {
		if err := s.health(); err != nil {
			status = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
			code = http.StatusServiceUnavailable
		}
	}
	if s.status != nil {
		for k, v := range s.status() {
			status[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
