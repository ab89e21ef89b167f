package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"chart-exec-sandbox/internal/config"
	"chart-exec-sandbox/internal/monitor"
)

// Server is the main HTTP server for the chart API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// store may be nil.
func NewServer(cfg *config.Config, runner ChartRunner, store RunStore, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(runner, store, metrics)

	s := &Server{
		handlers: handlers,
		cfg:      cfg,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      NewRouter(cfg, handlers, metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// NewRouter builds the routed, middleware-wrapped handler.
func NewRouter(cfg *config.Config, handlers *Handlers, metrics *monitor.Metrics) http.Handler {
	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	// Chart API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /chart/exec", handlers.HandleChartExec)
	apiMux.HandleFunc("GET /charts/{run_id}/{file}", handlers.HandleChartFile)
	apiMux.HandleFunc("GET /chart-runs", handlers.HandleListRuns)
	apiMux.HandleFunc("GET /chart-runs/{run_id}", handlers.HandleGetRun)
	apiMux.HandleFunc("GET /chart-runs/{run_id}/meta", handlers.HandleRunMeta)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
