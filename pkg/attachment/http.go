package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/history"
	"github.com/gorilla/mux"
)

const maxUploadBytes = 25 << 20

// allowedUploadTypes are the document types accepted from operators.
var allowedUploadTypes = map[string]bool{
	models.AttachmentOriginalInstrument: true,
	models.AttachmentAccountStatement:   true,
	models.AttachmentAnnex:              true,
	models.AttachmentDebtorRequest:      true,
	models.AttachmentCoDebtorRequest:    true,
}

// TokenValidator checks the file-access tokens handed to the workflow engine.
type TokenValidator interface {
	ValidateFileAccessToken(token string) (models.FileTokenClaims, error)
}

// ProcessLookup resolves the owning process, used for state gates.
type ProcessLookup interface {
	GetByID(ctx context.Context, id int64) (models.Process, error)
}

type HistoryStore interface {
	Append(ctx context.Context, input history.AppendInput) error
}

type Handler struct {
	repo      *Repository
	store     *DiskStore
	tokens    TokenValidator
	processes ProcessLookup
	events    HistoryStore
}

func NewHandler(repo *Repository, store *DiskStore, tokens TokenValidator, processes ProcessLookup, events HistoryStore) *Handler {
	return &Handler{repo: repo, store: store, tokens: tokens, processes: processes, events: events}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/processes/{id}/files", h.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/processes/{id}/files", h.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", h.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/files/{id}", h.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/files/{id}/serve", h.handleServe).Methods(http.MethodGet)
	r.HandleFunc("/files/external-upload", h.handleExternalUpload).Methods(http.MethodPost)
}

// handleUpload accepts multipart documents for a process.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	processID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || processID <= 0 {
		http.Error(w, "invalid process id", http.StatusBadRequest)
		return
	}
	if _, err := h.processes.GetByID(r.Context(), processID); err != nil {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart request", http.StatusBadRequest)
		return
	}

	fileType := r.FormValue("type")
	if !allowedUploadTypes[fileType] {
		http.Error(w, "unsupported file type", http.StatusBadRequest)
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		http.Error(w, "files is required", http.StatusBadRequest)
		return
	}

	var saved []models.Attachment
	for i, header := range fileHeaders {
		file, err := header.Open()
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		file.Close()
		if err != nil {
			http.Error(w, "failed to read upload", http.StatusBadRequest)
			return
		}

		fileName, path, err := h.store.Write(processID, header.Filename, content)
		if err != nil {
			logger.Log.WithError(err).Error("failed to store upload")
			http.Error(w, "failed to store file", http.StatusInternalServerError)
			return
		}

		att, err := h.repo.Create(r.Context(), CreateInput{
			ProcessID:    processID,
			Type:         fileType,
			OriginalName: header.Filename,
			FileName:     fileName,
			Path:         path,
			MimeType:     header.Header.Get("Content-Type"),
			SizeBytes:    int64(len(content)),
			SortOrder:    i,
		})
		if err != nil {
			logger.Log.WithError(err).Error("failed to record attachment")
			http.Error(w, "failed to record file", http.StatusInternalServerError)
			return
		}
		saved = append(saved, att)
	}

	actor := resolveActor(r)
	if err := h.events.Append(r.Context(), history.AppendInput{
		ProcessID: processID,
		ActorID:   actor,
		Action:    models.ActionFilesUploaded,
		Details:   map[string]interface{}{"count": len(saved), "type": fileType},
	}); err != nil {
		logger.Log.WithError(err).WithField("process_id", processID).Warn("Failed to record upload event")
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"files": saved})
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	processID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || processID <= 0 {
		http.Error(w, "invalid process id", http.StatusBadRequest)
		return
	}
	files, err := h.repo.ListByProcess(r.Context(), processID)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list attachments")
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": files})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	att, ok := h.findAttachment(w, r)
	if !ok {
		return
	}
	h.serveFile(w, att)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	att, ok := h.findAttachment(w, r)
	if !ok {
		return
	}

	proc, err := h.processes.GetByID(r.Context(), att.ProcessID)
	if err != nil {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	if err := h.repo.Delete(r.Context(), att.ID, proc.State); err != nil {
		if errors.Is(err, ErrDeletionNotAllowed) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Log.WithError(err).Error("failed to delete attachment")
		http.Error(w, "failed to delete file", http.StatusInternalServerError)
		return
	}

	if err := h.store.Remove(att.Path); err != nil {
		logger.Log.WithError(err).WithField("path", att.Path).Warn("Failed to remove stored file")
	}

	if err := h.events.Append(r.Context(), history.AppendInput{
		ProcessID: att.ProcessID,
		ActorID:   resolveActor(r),
		Action:    models.ActionFileDeleted,
		Details:   map[string]interface{}{"file": att.OriginalName},
	}); err != nil {
		logger.Log.WithError(err).Warn("Failed to record deletion event")
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleServe streams a file to the workflow engine. Access is gated by a
// signed token bound to this exact attachment, so a leaked link cannot be
// replayed against another file.
func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	claims, err := h.tokens.ValidateFileAccessToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	if claims.AttachmentID != id {
		http.Error(w, "token does not match file", http.StatusForbidden)
		return
	}

	att, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if att.ProcessID != claims.ProcessID {
		http.Error(w, "token does not match file", http.StatusForbidden)
		return
	}

	h.serveFile(w, att)
}

// handleExternalUpload receives a document pushed by the workflow engine,
// authenticated with a process-scoped token.
func (h *Handler) handleExternalUpload(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("X-File-Token")
	}
	claims, err := h.tokens.ValidateFileAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart request", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	fileName, path, err := h.store.Write(claims.ProcessID, header.Filename, content)
	if err != nil {
		logger.Log.WithError(err).Error("failed to store external upload")
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	att, err := h.repo.Create(r.Context(), CreateInput{
		ProcessID:    claims.ProcessID,
		Type:         models.AttachmentFilledInstrument,
		OriginalName: header.Filename,
		FileName:     fileName,
		Path:         path,
		MimeType:     header.Header.Get("Content-Type"),
		SizeBytes:    int64(len(content)),
	})
	if err != nil {
		logger.Log.WithError(err).Error("failed to record external upload")
		http.Error(w, "failed to record file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"file": att})
}

func (h *Handler) findAttachment(w http.ResponseWriter, r *http.Request) (models.Attachment, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return models.Attachment{}, false
	}
	att, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, ErrAttachmentNotFound) {
		http.Error(w, "file not found", http.StatusNotFound)
		return models.Attachment{}, false
	}
	if err != nil {
		logger.Log.WithError(err).Error("failed to load attachment")
		http.Error(w, "failed to load file", http.StatusInternalServerError)
		return models.Attachment{}, false
	}
	return att, true
}

func (h *Handler) serveFile(w http.ResponseWriter, att models.Attachment) {
	content, err := h.store.Read(att.Path)
	if err != nil {
		logger.Log.WithError(err).WithField("path", att.Path).Error("failed to read stored file")
		http.Error(w, "file unavailable", http.StatusNotFound)
		return
	}
	contentType := att.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `inline; filename="`+att.OriginalName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	_, _ = w.Write(content)
}

func resolveActor(r *http.Request) *int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			return &v
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
