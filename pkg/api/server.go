// Package api assembles the HTTP surface of the service: the public
// /api/v1 routes behind the gateway identity chain, the /internal routes
// behind the shared API key, and the health and metrics endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forestwatch-vn/forestwatch/pkg/config"
	"github.com/forestwatch-vn/forestwatch/pkg/gis"
	"github.com/forestwatch-vn/forestwatch/pkg/middleware"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
)

// Dependencies carries the constructed components the server routes to.
type Dependencies struct {
	RBACHandlers *rbac.Handlers
	RBACMw       *rbac.Middleware
	GISHandlers  *gis.Handlers
	Health       *observability.HealthChecker
	Registry     *prometheus.Registry

	// RateLimiter is optional; nil when Redis is disabled.
	RateLimiter *middleware.RateLimiter
}

// Server is the HTTP server pair: the main API listener and a separate
// health/metrics listener for probes and scrapers.
type Server struct {
	cfg    *config.Config
	logger *observability.Logger

	api    *http.Server
	health *http.Server
}

// NewServer builds the routers and listeners. Nothing listens until Start.
func NewServer(cfg *config.Config, deps Dependencies, logger *observability.Logger) *Server {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(observability.PanicRecoveryMiddleware(logger))
	router.Use(middleware.IdentityMiddleware(logger))
	router.Use(middleware.AccessLog(logger))

	apiV1 := router.PathPrefix("/api/v1").Subrouter()
	if deps.RateLimiter != nil {
		apiV1.Use(deps.RateLimiter.Handler)
	}
	deps.RBACHandlers.RegisterRoutes(apiV1, deps.RBACMw)
	deps.GISHandlers.RegisterRoutes(apiV1)

	internal := router.PathPrefix("/internal").Subrouter()
	internal.Use(middleware.InternalAPIKey(cfg.Auth.InternalAPIKey, logger))
	deps.RBACHandlers.RegisterInternalRoutes(internal)

	healthRouter := mux.NewRouter()
	healthRouter.HandleFunc("/healthz", deps.Health.Liveness).Methods("GET")
	healthRouter.HandleFunc("/readyz", deps.Health.Readiness).Methods("GET")
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.Handler(deps.Registry)).Methods("GET")
	}

	return &Server{
		cfg:    cfg,
		logger: logger,
		api: &http.Server{
			Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		health: &http.Server{
			Addr:        cfg.Server.Host + ":" + cfg.Server.HealthPort,
			Handler:     healthRouter,
			ReadTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the main router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.api.Handler
}

// HealthHandler exposes the health/metrics router, used by tests.
func (s *Server) HealthHandler() http.Handler {
	return s.health.Handler
}

// Start runs both listeners until ctx is cancelled, then drains within the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.WithField("addr", s.health.Addr).Info("health listener starting")
		if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		s.logger.WithField("addr", s.api.Addr).Info("api listener starting")
		if err := s.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	err := s.api.Shutdown(shutdownCtx)
	if herr := s.health.Shutdown(shutdownCtx); err == nil {
		err = herr
	}
	return err
}
