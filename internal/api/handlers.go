package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-geo/internal/browser"
	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/migration"
	"github.com/shehryarbajwa/browserbase-geo/internal/region"
	"github.com/shehryarbajwa/browserbase-geo/internal/routing"
	"github.com/shehryarbajwa/browserbase-geo/internal/session"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// Provisioner starts and stops the browser behind a session
type Provisioner interface {
	Provision(ctx context.Context, s *models.Session) (*browser.Instance, error)
	Release(ctx context.Context, sessionID string) error
	Instance(sessionID string) (browser.Instance, bool)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	engine      *routing.Engine
	sessions    *session.Manager
	migrator    *migration.Orchestrator
	provisioner Provisioner
	defaults    migration.Options
	logger      logger.Logger
	version     string
	started     time.Time
}

// Deps wires a Handler. Provisioner may be nil.
type Deps struct {
	Engine      *routing.Engine
	Sessions    *session.Manager
	Migrator    *migration.Orchestrator
	Provisioner Provisioner
	Defaults    migration.Options
	Logger      logger.Logger
	Version     string
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		engine:      d.Engine,
		sessions:    d.Sessions,
		migrator:    d.Migrator,
		provisioner: d.Provisioner,
		defaults:    d.Defaults,
		logger:      d.Logger,
		version:     d.Version,
		started:     time.Now(),
	}
}

// Route handles GET /v1/route
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := q.Get("ip")
	if ip == "" {
		ip = clientIP(r)
	}

	opts := routing.RouteOptions{
		PreferredRegion:  q.Get("preferred"),
		IncludeUnhealthy: q.Get("includeUnhealthy") == "true",
	}
	if v := q.Get("maxLatencyMs"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "maxLatencyMs must be a non-negative integer")
			return
		}
		opts.MaxLatency = time.Duration(ms) * time.Millisecond
	}

	decision, err := h.engine.Route(r.Context(), ip, opts)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// ClearRouteCache handles DELETE /v1/route/cache
func (h *Handler) ClearRouteCache(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearCache(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRegions handles GET /v1/regions
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetRegionsStatus())
}

// AddRegion handles POST /v1/regions
func (h *Handler) AddRegion(w http.ResponseWriter, r *http.Request) {
	var reg models.Region
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if reg.Weight == 0 {
		reg.Weight = 100
	}
	if err := h.engine.AddRegion(reg); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// RemoveRegion handles DELETE /v1/regions/{id}
func (h *Handler) RemoveRegion(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveRegion(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetRegionHealth handles PUT /v1/regions/{id}/health
func (h *Handler) SetRegionHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Healthy *bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Healthy == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"healthy\": true|false}")
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.engine.SetRegionHealth(id, *req.Healthy); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "healthy": *req.Healthy})
}

// BackupRegion handles GET /v1/regions/{id}/backup
func (h *Handler) BackupRegion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	backup, err := h.engine.GetBackupRegion(id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"region": id, "backup": backup})
}

type healthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Regions        int     `json:"regions"`
	HealthyRegions int     `json:"healthy_regions"`
	Sessions       int     `json:"sessions"`
}

// Health handles GET /health. Degraded when no region is healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	statuses := h.engine.GetRegionsStatus()
	healthy := 0
	for _, s := range statuses {
		if s.Healthy {
			healthy++
		}
	}

	resp := healthResponse{
		Status:         "ok",
		Version:        h.version,
		UptimeSeconds:  time.Since(h.started).Seconds(),
		Regions:        len(statuses),
		HealthyRegions: healthy,
		Sessions:       h.sessions.Count(),
	}
	code := http.StatusOK
	if healthy == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, region.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, migration.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, region.ErrInvalidRegion),
		errors.Is(err, session.ErrInvalid),
		errors.Is(err, migration.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrExists),
		errors.Is(err, migration.ErrConcurrentMigration),
		errors.Is(err, migration.ErrAlreadyInRegion),
		errors.Is(err, migration.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoRegions),
		errors.Is(err, migration.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, migration.ErrNoTarget),
		errors.Is(err, migration.ErrTargetUnhealthy):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// clientIP strips the port from RemoteAddr, which RealIP has already rewritten
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
