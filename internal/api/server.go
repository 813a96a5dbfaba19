package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/ratelimit"
)

// RouteLimit configures rate limiting of GET /v1/route. A nil Limiter disables it.
type RouteLimit struct {
	Limiter         *ratelimit.Limiter
	RequestsPerHour int
}

// SetupRoutes configures all HTTP routes. stream serves the event WebSocket.
func (h *Handler) SetupRoutes(stream http.Handler, limit RouteLimit) http.Handler {
	root := mux.NewRouter()
	v1 := root.PathPrefix("/v1").Subrouter()

	route := v1.PathPrefix("/route").Subrouter()
	if limit.Limiter != nil {
		route.Use(RateLimitMiddleware(limit.Limiter, limit.RequestsPerHour))
	}
	route.HandleFunc("", h.Route).Methods(http.MethodGet)
	route.HandleFunc("/cache", h.ClearRouteCache).Methods(http.MethodDelete)

	v1.HandleFunc("/regions", h.ListRegions).Methods(http.MethodGet)
	v1.HandleFunc("/regions", h.AddRegion).Methods(http.MethodPost)
	v1.HandleFunc("/regions/{id}", h.RemoveRegion).Methods(http.MethodDelete)
	v1.HandleFunc("/regions/{id}/health", h.SetRegionHealth).Methods(http.MethodPut)
	v1.HandleFunc("/regions/{id}/backup", h.BackupRegion).Methods(http.MethodGet)
	v1.HandleFunc("/regions/{id}/evacuate", h.EvacuateRegion).Methods(http.MethodPost)

	v1.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.ListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", h.DeleteSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/migrate", h.MigrateSession).Methods(http.MethodPost)

	v1.HandleFunc("/migrations/batch", h.BatchMigrate).Methods(http.MethodPost)
	v1.HandleFunc("/migrations/stats", h.MigrationStats).Methods(http.MethodGet)

	if stream != nil {
		v1.Handle("/events", stream).Methods(http.MethodGet)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.logger))
	r.Use(corsMiddleware)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/v1/*", root)

	return r
}

// Server wraps the HTTP server
type Server struct {
	http   *http.Server
	logger logger.Logger
}

func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: log,
	}
}

// Start blocks until the server fails or is shut down
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", logger.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server with the provided context deadline
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
