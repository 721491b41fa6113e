package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/controller"
	"github.com/ridgeline/callsift/internal/monitor"
	"github.com/ridgeline/callsift/internal/rollout"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	controller *controller.Controller
	monitor    *monitor.Monitor
	rollout    *rollout.Controller
	logger     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(ctrl *controller.Controller, mon *monitor.Monitor, ro *rollout.Controller, logger *zap.Logger) *Handler {
	return &Handler{
		controller: ctrl,
		monitor:    mon,
		rollout:    ro,
		logger:     logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/calls/process", h.processCall)

		// Metrics routes
		r.Get("/metrics", h.getMetrics)
		r.Get("/metrics/units/{unit}", h.getUnitMetrics)
		r.Get("/metrics/recommendations", h.getRecommendations)

		// Rollout routes
		r.Get("/rollout/phases", h.listPhases)
		r.Post("/rollout/phases", h.registerPhase)
		r.Post("/rollout/phases/{id}/activate", h.activatePhase)
		r.Post("/rollout/phases/{id}/rollback", h.rollbackPhase)
		r.Get("/rollout/status", h.rolloutStatus)
		r.Post("/rollout/override", h.setOverride)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"health": string(h.monitor.Health()),
	})
}

func (h *Handler) processCall(w http.ResponseWriter, r *http.Request) {
	var req controller.ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.CallID == "" || req.OrgID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "call_id and org_id are required"})
		return
	}
	if req.Transcript == "" && len(req.Utterances) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "transcript or utterances required"})
		return
	}

	result := h.controller.ProcessCall(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"system": h.monitor.SystemStats(),
		"units":  h.monitor.Stats(),
	})
}

func (h *Handler) getUnitMetrics(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	stats, ok := h.monitor.UnitStats(unit)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no executions recorded for unit"})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) getRecommendations(w http.ResponseWriter, r *http.Request) {
	recs := h.monitor.Recommendations()
	if recs == nil {
		recs = []monitor.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) listPhases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rollout.Phases())
}

func (h *Handler) registerPhase(w http.ResponseWriter, r *http.Request) {
	var p rollout.Phase
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.rollout.RegisterPhase(r.Context(), p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) activatePhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rollout.ActivatePhase(r.Context(), id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated", "phase": id})
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rollbackPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual rollback"
	}
	if err := h.rollout.Rollback(r.Context(), id, req.Reason); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "phase": id})
}

func (h *Handler) rolloutStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"override": h.rollout.Overridden(),
	}
	if active, ok := h.rollout.ActivePhase(); ok {
		status["active_phase"] = active
	}
	writeJSON(w, http.StatusOK, status)
}

type overrideRequest struct {
	Mode   string `json:"mode"` // force_new | force_legacy | off
	Reason string `json:"reason"`
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.rollout.SetOverride(r.Context(), rollout.Override(req.Mode), req.Reason); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"override": req.Mode})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
