// Package api provides HTTP API handlers for the Tally billing engine.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tallyhq/tally/pkg/observability"
)

// Server is the HTTP API server for the billing engine.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
	handler *BillingHandler
	health  *observability.HealthRegistry
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new billing API server.
func NewServer(
	cfg ServerConfig,
	handler *BillingHandler,
	health *observability.HealthRegistry,
	metrics *observability.Metrics,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		handler: handler,
		health:  health,
	}

	s.registerRoutes()
	if registry != nil {
		observability.RegisterMetricsEndpoint(mux, registry)
	}

	var root http.Handler = mux
	if metrics != nil {
		root = observability.HTTPMetricsMiddleware(metrics)(root)
	}
	root = requestLogging(logger)(root)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      root,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	// Catalog and pricing
	s.mux.HandleFunc("GET /v1/bundles", s.handler.ListBundles)
	s.mux.HandleFunc("POST /v1/price-quote", s.handler.PriceQuote)

	// Subscription lifecycle
	s.mux.HandleFunc("POST /v1/subscriptions", s.handler.CreateSubscription)
	s.mux.HandleFunc("GET /v1/subscriptions/{workspace}", s.handler.GetSubscription)
	s.mux.HandleFunc("POST /v1/subscriptions/{workspace}/bundles", s.handler.AddBundle)
	s.mux.HandleFunc("DELETE /v1/subscriptions/{workspace}/bundles/{bundle}", s.handler.RemoveBundle)
	s.mux.HandleFunc("POST /v1/subscriptions/{workspace}/cycle", s.handler.ChangeCycle)
	s.mux.HandleFunc("POST /v1/subscriptions/{workspace}/cancel", s.handler.Cancel)

	// Usage metering
	s.mux.HandleFunc("GET /v1/usage/{workspace}", s.handler.ListUsage)
	s.mux.HandleFunc("GET /v1/usage/{workspace}/{feature}", s.handler.GetUsage)
	s.mux.HandleFunc("POST /v1/usage/{workspace}/{feature}", s.handler.IncrementUsage)

	// Entitlement
	s.mux.HandleFunc("GET /v1/entitlement/{workspace}/{feature}", s.handler.CheckEntitlement)

	// Billing history
	s.mux.HandleFunc("GET /v1/billing/{workspace}", s.handler.BillingHistory)

	// Revenue share
	s.mux.HandleFunc("POST /v1/revenue", s.handler.IngestRevenue)
	s.mux.HandleFunc("POST /v1/revenue-share/{workspace}/settle", s.handler.SettleRevenueShare)
	s.mux.HandleFunc("GET /v1/revenue-share/{workspace}/breakdown", s.handler.RevenueBreakdown)
	s.mux.HandleFunc("POST /v1/revenue-share/records/{record}/dispute", s.handler.DisputeRecord)
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadyz reports dependency readiness.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	overall := s.health.GetOverallHealth(r.Context())
	status := http.StatusOK
	if overall.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, overall)
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting billing API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down billing API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the composed handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := observability.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.DebugContext(ctx, "request served",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
