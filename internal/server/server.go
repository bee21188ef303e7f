// Package server exposes the analysis service over HTTP: dataset
// lifecycle endpoints, blocking and streaming analysis, health, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/datalens/internal/agent"
	"github.com/haasonsaas/datalens/internal/config"
	"github.com/haasonsaas/datalens/internal/dataset"
	"github.com/haasonsaas/datalens/internal/observability"
	"github.com/haasonsaas/datalens/internal/ratelimit"
)

// Server hosts the HTTP API.
type Server struct {
	runner   *agent.Runner
	datasets *dataset.Registry
	uploads  *dataset.UploadStore
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	logger   *observability.Logger
	cfg      *config.Config

	httpServer *http.Server
	listener   net.Listener
}

// New wires the server. Call Start to begin serving.
func New(runner *agent.Runner, datasets *dataset.Registry, uploads *dataset.UploadStore, cfg *config.Config, metrics *observability.Metrics, logger *observability.Logger) *Server {
	return &Server{
		runner:   runner,
		datasets: datasets,
		uploads:  uploads,
		limiter:  ratelimit.NewLimiter(cfg.RateLimit),
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /dataset/create", s.handleDatasetCreate)
	mux.HandleFunc("GET /dataset/{id}/schema", s.handleDatasetSchema)
	mux.HandleFunc("DELETE /dataset/{id}", s.handleDatasetDelete)

	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	mux.HandleFunc("POST /analyze/stream", s.handleAnalyzeStream)

	return s.withRequestID(s.withMetrics(s.withRateLimit(mux)))
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "http server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, useful when port 0 was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
