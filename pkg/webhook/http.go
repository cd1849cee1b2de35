package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/process"
	"github.com/gorilla/mux"
)

const maxCallbackBody = 32 << 20 // filled documents arrive inline as base64

// SignatureVerifier checks the HMAC a worker sends over the raw body.
type SignatureVerifier interface {
	ValidateSignature(payload []byte, signature string) bool
}

type Handler struct {
	ingestor *Ingestor
	verifier SignatureVerifier
	require  bool
}

// NewHandler wires the callback endpoints. When require is false the
// signature check is skipped, which keeps local environments without a
// shared secret usable.
func NewHandler(ingestor *Ingestor, verifier SignatureVerifier, require bool) *Handler {
	return &Handler{ingestor: ingestor, verifier: verifier, require: require}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhook/analysis", h.handleAnalysis).Methods(http.MethodPost)
	r.HandleFunc("/webhook/filling", h.handleFilling).Methods(http.MethodPost)
	r.HandleFunc("/webhook/progress", h.handleProgress).Methods(http.MethodPost)
	r.HandleFunc("/webhook/error", h.handleError).Methods(http.MethodPost)
	r.HandleFunc("/webhook/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var cb models.AnalysisCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.ingestor.HandleAnalysisResult(r.Context(), cb)
	h.respond(w, result, err, "analysis callback")
}

func (h *Handler) handleFilling(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var cb models.FillingCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	result, err := h.ingestor.HandleFillingResult(r.Context(), cb)
	h.respond(w, result, err, "filling callback")
}

// handleProgress is a telemetry endpoint: reports that cannot apply are
// logged and ignored, and the worker always gets a 200 back.
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var payload struct {
		ProcessID   int64  `json:"proceso_id"`
		State       string `json:"estado"`
		ExecutionID string `json:"execution_id"`
	}
	_ = json.Unmarshal(body, &payload)

	result := models.CallbackResult{ProcessID: payload.ProcessID}
	if state, ok := progressState(payload.State); ok {
		result = h.ingestor.HandleProgress(r.Context(), payload.ProcessID, state, payload.ExecutionID)
	} else {
		logger.Log.WithFields(map[string]interface{}{
			"process_id": payload.ProcessID,
			"estado":     payload.State,
		}).Warn("Progress report with unknown state ignored")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// handleError is a telemetry endpoint: the report is logged and ledgered,
// never routed into the state machine, and always answered with a 200.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var payload struct {
		ProcessID   int64                  `json:"proceso_id"`
		Phase       string                 `json:"fase"`
		Error       string                 `json:"error"`
		ExecutionID string                 `json:"execution_id"`
		Details     map[string]interface{} `json:"details"`
	}
	_ = json.Unmarshal(body, &payload)

	var phase models.Phase
	switch payload.Phase {
	case "analisis", string(models.PhaseAnalysis):
		phase = models.PhaseAnalysis
	case "llenado", string(models.PhaseFilling):
		phase = models.PhaseFilling
	}

	h.ingestor.HandleWorkerError(r.Context(), payload.ProcessID, phase, payload.Error, payload.ExecutionID, payload.Details)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readVerified(w, r)
	if !ok {
		return
	}

	var payload struct {
		Source  string                 `json:"source"`
		Details map[string]interface{} `json:"details"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Source == "" {
		payload.Source = "workflow-engine"
	}

	h.ingestor.HandleHeartbeat(r.Context(), payload.Source, payload.Details)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// readVerified drains the body and checks the worker signature before any
// JSON parsing happens.
func (h *Handler) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return nil, false
	}

	if h.require {
		signature := r.Header.Get("X-Webhook-Signature")
		if signature == "" {
			signature = r.Header.Get("X-N8N-Signature")
		}
		if signature == "" || !h.verifier.ValidateSignature(body, signature) {
			logger.Log.WithField("path", r.URL.Path).Warn("Rejected callback with bad signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return nil, false
		}
	}

	return body, true
}

func (h *Handler) respond(w http.ResponseWriter, result models.CallbackResult, err error, what string) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"result":  result,
		})
	case errors.Is(err, ErrUnknownProcess):
		http.Error(w, "process not found", http.StatusNotFound)
	case errors.Is(err, ErrEmptyPayload), errors.Is(err, process.ErrInvalidTransition):
		logger.Log.WithError(err).Warn("Rejected " + what)
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Log.WithError(err).Error("Failed to apply " + what)
		http.Error(w, "failed to process callback", http.StatusInternalServerError)
	}
}

func progressState(wire string) (models.ProcessState, bool) {
	switch wire {
	case "analizando", string(models.StateAnalyzing):
		return models.StateAnalyzing, true
	case "llenando", string(models.StateFilling):
		return models.StateFilling, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
