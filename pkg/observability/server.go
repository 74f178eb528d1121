package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Server exposes health probes, agent status and Prometheus metrics.
type Server struct {
	httpServer *http.Server
	checker    *HealthChecker
	status     func() any
}

// ServerOption customizes a Server
type ServerOption func(*Server)

// WithStatus serves the value returned by fn as JSON on /status.
func WithStatus(fn func() any) ServerOption {
	return func(s *Server) {
		s.status = fn
	}
}

// NewServer creates a server listening on addr.
func NewServer(addr string, checker *HealthChecker, opts ...ServerOption) *Server {
	s := &Server{checker: checker}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler routes /health, /health/live, /health/ready, /status and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.checker.HealthHandler())
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", s.checker.ReadinessHandler())
	if s.status != nil {
		mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.status())
		})
	}
	mux.Handle("GET /metrics", MetricsHandler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
