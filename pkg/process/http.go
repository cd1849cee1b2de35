package process

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/processes", h.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/processes", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/processes/stats", h.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}", h.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/processes/{id}/state", h.handleChangeState).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/reactivate", h.handleReactivate).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/analyze", h.handleEnqueueAnalysis).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/validate", h.handleValidate).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/fill", h.handleEnqueueFilling).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/history", h.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/processes/{id}/data", h.handleVersions).Methods(http.MethodGet)
	r.HandleFunc("/system/health", h.handleSystemHealth).Methods(http.MethodGet)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	proc, err := h.service.Create(r.Context(), req, resolveActor(r))
	if err != nil {
		logger.Log.WithError(err).Error("failed to create process")
		http.Error(w, "failed to create process", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"process": proc})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ProcessFilter{
		State: models.ProcessState(q.Get("state")),
		Kind:  q.Get("kind"),
		Code:  q.Get("code"),
		Query: q.Get("q"),
	}
	if raw := q.Get("assigned_to"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.AssignedTo = v
		}
	}
	if raw := q.Get("created_by"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.CreatedBy = v
		}
	}
	if t, ok := parseDateParam(q.Get("from")); ok {
		filter.CreatedFrom = &t
	}
	if t, ok := parseDateParam(q.Get("to")); ok {
		filter.CreatedTo = &t
	}
	page := parseIntParam(q.Get("page"), 1)
	perPage := parseIntParam(q.Get("per_page"), 10)

	result, err := h.service.List(r.Context(), filter, page, perPage)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list processes")
		http.Error(w, "failed to list processes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("failed to compute stats")
		http.Error(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	details, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondError(w, err, "failed to load process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": details})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req models.UpdateProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	proc, err := h.service.Update(r.Context(), id, req, resolveActor(r))
	if err != nil {
		respondError(w, err, "failed to update process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": proc})
}

func (h *Handler) handleChangeState(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var payload struct {
		State   string `json:"state"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if payload.State == "" {
		http.Error(w, "state is required", http.StatusBadRequest)
		return
	}
	proc, err := h.service.ChangeState(r.Context(), id, models.ProcessState(payload.State), resolveActor(r), payload.Message)
	if err != nil {
		respondError(w, err, "failed to change state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": proc})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	proc, err := h.service.Cancel(r.Context(), id, resolveActor(r), payload.Reason)
	if err != nil {
		respondError(w, err, "failed to cancel process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": proc})
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	proc, err := h.service.Reactivate(r.Context(), id, resolveActor(r))
	if err != nil {
		respondError(w, err, "failed to reactivate process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": proc})
}

func (h *Handler) handleEnqueueAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	proc, trigger, err := h.service.EnqueueAnalysis(r.Context(), id, resolveActor(r))
	if err != nil {
		respondError(w, err, "failed to queue analysis")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"process": proc,
		"trigger": trigger,
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Data *models.DataSet `json:"datos"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if payload.Data == nil || payload.Data.IsEmpty() {
		http.Error(w, "datos is required", http.StatusBadRequest)
		return
	}
	proc, err := h.service.Validate(r.Context(), id, *payload.Data, resolveActor(r))
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":    "validation failed",
				"problems": vErr.Problems,
			})
			return
		}
		respondError(w, err, "failed to validate data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"process": proc})
}

func (h *Handler) handleEnqueueFilling(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	proc, trigger, err := h.service.EnqueueFilling(r.Context(), id, resolveActor(r))
	if err != nil {
		respondError(w, err, "failed to queue filling")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"process": proc,
		"trigger": trigger,
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	events, err := h.service.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, err, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	versions, err := h.service.Versions(r.Context(), id)
	if err != nil {
		respondError(w, err, "failed to list data versions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": versions})
}

func (h *Handler) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.EngineHealth(r.Context()))
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid process id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// parseDateParam accepts a date or a full RFC3339 timestamp.
func parseDateParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func resolveActor(r *http.Request) int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			return v
		}
	}
	return 0
}

func respondError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ErrProcessNotFound):
		http.Error(w, "process not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrProcessCompleted):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNoAttachments), errors.Is(err, ErrMissingInstrument), errors.Is(err, ErrNotValidated):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.Log.WithError(err).Error(fallback)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
