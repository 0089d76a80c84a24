// Package server exposes the host's HTTP API: the streaming chat endpoint,
// MCP server status, health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/internal/observability"
)

// Config carries the server's tunables.
type Config struct {
	Addr           string
	Loop           agent.Options
	ToolTimeout    time.Duration
	MetricsEnabled bool
}

// BindError wraps a failure to listen on the configured address. The CLI
// maps it to its own exit code.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Server serves the chat API over one MCP manager and one LLM provider.
type Server struct {
	config   Config
	manager  *mcp.Manager
	provider agent.Provider
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server. metrics may be nil when metrics are disabled;
// tracer must not be nil (use the no-op tracer).
func New(config Config, manager *mcp.Manager, provider agent.Provider, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   config,
		manager:  manager,
		provider: provider,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "server"),
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.instrument("/api/chat", s.handleChat))
	mux.HandleFunc("/api/server-status", s.instrument("/api/server-status", s.handleServerStatus))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.config.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Start listens and serves in the background. A failure to bind comes back
// synchronously as a BindError.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return &BindError{Addr: s.config.Addr, Err: err}
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument records HTTP metrics and opens a server span per request.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.StartHTTP(r.Context(), r.Method, path)
		defer span.End()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(ctx))

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, fmt.Sprintf("%d", recorder.status), time.Since(start).Seconds())
		}
	}
}

// statusRecorder captures the response code while keeping the underlying
// writer's Flush available for streaming.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
