// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the sync engine over HTTP: operators trigger runs,
// watch their progress, and cancel them.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ioko18/magflow-erp-sub003/emag"
	"github.com/ioko18/magflow-erp-sub003/engine"
	"github.com/ioko18/magflow-erp-sub003/metrics"
)

// Handlers provides the HTTP handlers for the sync control API.
type Handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewHandlers creates a new instance of the sync API handlers.
func NewHandlers(eng *engine.Engine, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine: eng,
		logger: logger,
	}
}

// Router builds the full API mux. Control endpoints sit behind the JWT
// middleware; health and metrics stay open for probes and scrapers.
func (h *Handlers) Router(jwtAuth *JWTAuth) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /sync/start", h.HandleStartSync)
	api.HandleFunc("GET /sync/runs", h.HandleListRuns)
	api.HandleFunc("GET /sync/runs/{id}", h.HandleGetRun)
	api.HandleFunc("POST /sync/runs/{id}/cancel", h.HandleCancelRun)

	mux := http.NewServeMux()
	mux.Handle("/sync/", jwtAuth.Middleware(api))
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// StartSyncRequest is the body of POST /sync/start.
type StartSyncRequest struct {
	Account     string   `json:"account"`
	Entity      string   `json:"entity"`
	Mode        string   `json:"mode,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	MaxPages    int      `json:"max_pages,omitempty"`
	ExternalIDs []string `json:"external_ids,omitempty"`
}

// StartSyncResponse echoes the ID of the accepted run.
type StartSyncResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// HandleStartSync accepts a sync request and launches the run in the
// background. The response returns immediately with the run ID.
func (h *Handlers) HandleStartSync(w http.ResponseWriter, r *http.Request) {
	var req StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	runID, err := h.engine.StartSync(r.Context(), engine.Params{
		Account:     emag.AccountID(req.Account),
		Entity:      engine.EntityType(req.Entity),
		Mode:        engine.Mode(req.Mode),
		Strategy:    engine.Strategy(req.Strategy),
		MaxPages:    req.MaxPages,
		ExternalIDs: req.ExternalIDs,
	})
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_params", err.Error())
		return
	}

	h.logger.Info("Sync run accepted", "run_id", runID, "account", req.Account, "entity", req.Entity)
	h.writeJSON(w, http.StatusAccepted, StartSyncResponse{RunID: runID})
}

// HandleGetRun returns the audit row for a single run.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "run ID must be a UUID")
		return
	}

	run, err := h.engine.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "No such sync run")
			return
		}
		h.logger.Error("Failed to load sync run", "error", err, "run_id", runID)
		h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to load sync run")
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// HandleListRuns returns the most recent runs, newest first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit < 1 || parsedLimit > 500 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = parsedLimit
	}

	runs, err := h.engine.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sync runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "lookup_failed", "Failed to list sync runs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleCancelRun requests cooperative cancellation of an in-flight run.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "run ID must be a UUID")
		return
	}

	if err := h.engine.Cancel(runID); err != nil {
		if errors.Is(err, engine.ErrRunNotActive) {
			h.writeError(w, http.StatusConflict, "not_active", "Run is not in flight")
			return
		}
		h.logger.Error("Failed to cancel sync run", "error", err, "run_id", runID)
		h.writeError(w, http.StatusInternalServerError, "cancel_failed", "Failed to cancel sync run")
		return
	}

	h.logger.Info("Sync run cancellation requested", "run_id", runID)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response
func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]string{
		"error":   code,
		"message": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}
