// Package server exposes the metrics and health endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/machinetail/internal/health"
	"github.com/therealutkarshpriyadarshi/machinetail/internal/logging"
)

// Config holds server configuration. An endpoint is skipped when its
// address or backing component is missing.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	MetricsRegistry *prometheus.Registry

	HealthAddress string
	LivenessPath  string
	ReadinessPath string
	HealthChecker *health.Checker

	Logger *logging.Logger
}

type endpoint struct {
	name   string
	server *http.Server
	ln     net.Listener
}

// Server runs the configured endpoints
type Server struct {
	endpoints []*endpoint
	logger    *logging.Logger
}

// New creates a server without binding any address
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{logger: logger.WithComponent("server")}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		s.add("metrics", cfg.MetricsAddress, MetricsHandler(cfg.MetricsRegistry, cfg.MetricsPath))
	}
	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		s.add("health", cfg.HealthAddress, HealthHandler(cfg.HealthChecker, cfg.LivenessPath, cfg.ReadinessPath))
	}

	return s
}

func (s *Server) add(name, addr string, handler http.Handler) {
	s.endpoints = append(s.endpoints, &endpoint{
		name: name,
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	})
}

// MetricsHandler serves the registry on path (default /metrics)
func MetricsHandler(registry *prometheus.Registry, path string) http.Handler {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return mux
}

// HealthHandler serves liveness, readiness and the full /health report
func HealthHandler(checker *health.Checker, livenessPath, readinessPath string) http.Handler {
	if livenessPath == "" {
		livenessPath = "/health/live"
	}
	if readinessPath == "" {
		readinessPath = "/health/ready"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, checker.LivenessHandler())
	mux.HandleFunc(readinessPath, checker.ReadinessHandler())
	mux.HandleFunc("/health", checker.ReportHandler())
	return mux
}

// Start binds every endpoint, then serves them in the background. Nothing
// is served when any address fails to bind.
func (s *Server) Start() error {
	for _, ep := range s.endpoints {
		ln, err := net.Listen("tcp", ep.server.Addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("%s server: %w", ep.name, err)
		}
		ep.ln = ln
	}

	for _, ep := range s.endpoints {
		s.logger.Info().
			Str("address", ep.ln.Addr().String()).
			Msgf("Starting %s server", ep.name)

		ep := ep
		go func() {
			if err := ep.server.Serve(ep.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msgf("%s server error", ep.name)
			}
		}()
	}

	return nil
}

func (s *Server) closeListeners() {
	for _, ep := range s.endpoints {
		if ep.ln != nil {
			ep.ln.Close()
			ep.ln = nil
		}
	}
}

// Addr returns the bound address of the named endpoint
func (s *Server) Addr(name string) string {
	for _, ep := range s.endpoints {
		if ep.name == name && ep.ln != nil {
			return ep.ln.Addr().String()
		}
	}
	return ""
}

// Stop gracefully shuts down every endpoint
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, ep := range s.endpoints {
		if ep.ln == nil {
			continue
		}
		s.logger.Info().Msgf("Shutting down %s server", ep.name)
		if err := ep.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s server: %w", ep.name, err))
		}
	}
	return errors.Join(errs...)
}
