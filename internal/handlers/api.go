package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"anisphere/internal/clients/torrent"
	"anisphere/internal/core"
	"anisphere/internal/database/models"
	"anisphere/internal/transcode"
	"anisphere/internal/utils"

	"github.com/gorilla/mux"
)

// Pipeline is the set of manager operations exposed over HTTP.
type Pipeline interface {
	SubmitTask(ctx context.Context, torrentURL string) (*models.Task, error)
	StartDownload(ctx context.Context, id int64) error
	StartTranscode(ctx context.Context, id int64) (int, error)
	CancelTranscode(ctx context.Context, id int64) error
	TranscodeStatus(ctx context.Context, id int64) (map[string]interface{}, error)
	ResetTask(ctx context.Context, id int64) (int, error)
	CompleteTask(ctx context.Context, id int64) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
	GetAllTasks(ctx context.Context, status string) ([]models.Task, error)
	HandleCompletion(ctx context.Context, hash, tags string) (*core.IngestResult, error)
	PauseTorrent(ctx context.Context, hash string) error
	ResumeTorrent(ctx context.Context, hash string) error
	DeleteTorrent(ctx context.Context, hash string, deleteFiles bool) error
	GetSystemStatus(ctx context.Context) map[string]interface{}
	TestTorrentConnection(ctx context.Context) bool
	TestNotifications() error
}

type APIHandler struct {
	manager Pipeline
	logger  *utils.Logger
}

// A helper function to respond with JSON
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to respond with a JSON error
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTaskNotFound), errors.Is(err, transcode.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict), errors.Is(err, transcode.ErrAlreadyQueued),
		errors.Is(err, torrent.ErrTorrentExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, transcode.ErrUnsupportedFormat), errors.Is(err, torrent.ErrInvalidLink),
		errors.Is(err, core.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotEnoughSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, transcode.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, torrent.ErrUnauthorized):
		return http.StatusBadGateway
	}
	var apiErr *torrent.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *APIHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(r.Method, r.URL.Path, "failed:", err)
	}
	respondError(w, code, err.Error())
}

func NewAPIHandler(manager Pipeline, logger *utils.Logger) *APIHandler {
	return &APIHandler{manager: manager, logger: logger}
}

func taskID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

// QbitWebhook is called by qBittorrent's "run on completion" hook with
// ?hash=%I&tag=%G.
func (h *APIHandler) QbitWebhook(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	tag := r.URL.Query().Get("tag")
	h.logger.Info("Received download complete webhook for", hash, "tag", tag)

	result, err := h.manager.HandleCompletion(r.Context(), hash, tag)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *APIHandler) GetTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.TaskStatus(status).Valid() {
		respondError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}
	tasks, err := h.manager.GetAllTasks(r.Context(), status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *APIHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	task, err := h.manager.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (h *APIHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TorrentURL string `json:"torrentUrl"`
		Download   bool   `json:"download"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TorrentURL == "" {
		respondError(w, http.StatusBadRequest, "torrentUrl is required")
		return
	}

	task, err := h.manager.SubmitTask(r.Context(), req.TorrentURL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Download {
		if err := h.manager.StartDownload(r.Context(), task.ID); err != nil {
			h.fail(w, r, err)
			return
		}
		if task, err = h.manager.GetTask(r.Context(), task.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusCreated, task)
}

func (h *APIHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	if err := h.manager.StartDownload(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": models.StatusDownloading})
}

func (h *APIHandler) ResetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	pos, err := h.manager.ResetTask(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"id": id, "position": pos})
}

func (h *APIHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	if err := h.manager.CompleteTask(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": models.StatusCompleted})
}

func (h *APIHandler) StartTranscode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID <= 0 {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	pos, err := h.manager.StartTranscode(r.Context(), req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"id": req.ID, "position": pos})
}

func (h *APIHandler) CancelTranscode(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	if err := h.manager.CancelTranscode(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": true})
}

func (h *APIHandler) GetTranscode(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid task ID")
		return
	}
	status, err := h.manager.TranscodeStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *APIHandler) PauseTorrent(w http.ResponseWriter, r *http.Request) {
	h.torrentAction(w, r, h.manager.PauseTorrent)
}

func (h *APIHandler) ResumeTorrent(w http.ResponseWriter, r *http.Request) {
	h.torrentAction(w, r, h.manager.ResumeTorrent)
}

func (h *APIHandler) DeleteTorrent(w http.ResponseWriter, r *http.Request) {
	deleteFiles, _ := strconv.ParseBool(r.URL.Query().Get("deleteFiles"))
	h.torrentAction(w, r, func(ctx context.Context, hash string) error {
		return h.manager.DeleteTorrent(ctx, hash, deleteFiles)
	})
}

func (h *APIHandler) torrentAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string) error) {
	hash := mux.Vars(r)["hash"]
	if err := action(r.Context(), hash); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *APIHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.GetSystemStatus(r.Context()))
}

func (h *APIHandler) TestTorrent(w http.ResponseWriter, r *http.Request) {
	ok := h.manager.TestTorrentConnection(r.Context())
	respondJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *APIHandler) TestNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.TestNotifications(); err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
