package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/migration"
	"github.com/shehryarbajwa/browserbase-geo/internal/routing"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

type sessionResponse struct {
	*models.Session
	ConnectURL string `json:"connectUrl,omitempty"`
}

func (h *Handler) withConnectURL(s *models.Session) sessionResponse {
	resp := sessionResponse{Session: s}
	if h.provisioner != nil {
		if inst, ok := h.provisioner.Instance(s.ID); ok {
			resp.ConnectURL = inst.ConnectURL
		}
	}
	return resp
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = clientIP(r)
	}
	if req.RegionID == "" {
		decision, err := h.engine.Route(r.Context(), req.ClientIP, routing.RouteOptions{})
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		req.RegionID = decision.RegionID
	} else if _, err := h.engine.GetRegion(req.RegionID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	s, err := h.sessions.Create(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if h.provisioner != nil {
		if _, err := h.provisioner.Provision(r.Context(), s); err != nil {
			h.logger.Error("failed to provision browser", logger.String("session", s.ID), logger.Error(err))
			h.sessions.Terminate(s.ID)
			writeError(w, http.StatusBadGateway, "failed to start browser: "+err.Error())
			return
		}
	}

	s, err = h.sessions.MarkReady(s.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, h.withConnectURL(s))
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var list []*models.Session
	switch {
	case q.Get("userId") != "":
		list = h.sessions.ListByUser(q.Get("userId"))
	case q.Get("regionId") != "":
		list = h.sessions.ListByRegion(q.Get("regionId"))
	default:
		list = h.sessions.All()
	}

	out := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, h.withConnectURL(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.withConnectURL(s))
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.sessions.Terminate(id)
	if h.provisioner != nil {
		if err := h.provisioner.Release(r.Context(), id); err != nil {
			h.logger.Warn("failed to release browser", logger.String("session", id), logger.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// MigrateSession handles POST /v1/sessions/{id}/migrate. An empty body picks
// the target automatically.
func (h *Handler) MigrateSession(w http.ResponseWriter, r *http.Request) {
	var req models.MigrateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.migrator.MigrateSession(r.Context(), mux.Vars(r)["id"], req.TargetRegion, h.options(req.TimeoutMs, req.MaxRetries))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BatchMigrate handles POST /v1/migrations/batch
func (h *Handler) BatchMigrate(w http.ResponseWriter, r *http.Request) {
	var req models.BatchMigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.SessionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "sessionIds is required")
		return
	}

	results, err := h.migrator.BatchMigrate(r.Context(), req.SessionIDs, req.TargetRegion, h.options(req.TimeoutMs, req.MaxRetries))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

// EvacuateRegion handles POST /v1/regions/{id}/evacuate
func (h *Handler) EvacuateRegion(w http.ResponseWriter, r *http.Request) {
	var req models.MigrateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	report, err := h.migrator.EvacuateRegion(r.Context(), mux.Vars(r)["id"], h.options(req.TimeoutMs, req.MaxRetries))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// MigrationStats handles GET /v1/migrations/stats
func (h *Handler) MigrationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics": h.migrator.GetStatistics(),
		"operations": h.migrator.Operations(),
	})
}

func (h *Handler) options(timeoutMs int, maxRetries *int) migration.Options {
	opts := h.defaults
	if timeoutMs > 0 {
		opts.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	if maxRetries != nil {
		opts.MaxRetries = *maxRetries
	}
	return opts
}

// decodeOptional decodes a JSON body, treating an empty body as zero values
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
