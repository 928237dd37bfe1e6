package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipforge/internal/auth"
	"clipforge/internal/models"
	"clipforge/internal/storage"
)

type registerVideoRequest struct {
	Title       string `json:"title"`
	StoragePath string `json:"storagePath"`
	ProductID   string `json:"productId"`
	ASIN        string `json:"asin"`
}

type registerVideoResponse struct {
	Success bool   `json:"success"`
	VideoID string `json:"videoId"`
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
}

type jobStatusResponse struct {
	JobID         string  `json:"jobId"`
	Status        string  `json:"status"`
	Progress      int     `json:"progress"`
	TranscodedURL *string `json:"transcodedUrl,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Videos handles POST /api/videos: it creates the durable record in the
// processing state and hands a job to the pipeline before responding, so the
// caller always holds an identifier it can poll.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, auth.ErrMissingToken)
		return
	}

	var req registerVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if strings.TrimSpace(req.StoragePath) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false,
			"error":   "storagePath is required",
		})
		return
	}

	record, err := h.Store.CreateVideo(r.Context(), storage.CreateVideoParams{
		OwnerID:     identity.UserID,
		Title:       req.Title,
		StoragePath: req.StoragePath,
		ProductID:   req.ProductID,
		ASIN:        req.ASIN,
	})
	if err != nil {
		h.logger().Error("video record insert failed", "error", err, "owner_id", identity.UserID)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "failed to register video",
		})
		return
	}

	job := models.Job{
		ID:         models.JobIDFor(record.ID),
		VideoID:    record.ID,
		Source:     record.StoragePath,
		Credential: r.Header.Get("Authorization"),
		OwnerID:    identity.UserID,
		CreatedAt:  time.Now().UTC(),
	}
	h.Runner.Enqueue(job)

	writeJSON(w, http.StatusAccepted, registerVideoResponse{
		Success: true,
		VideoID: record.ID,
		JobID:   job.ID,
		Status:  string(models.UploadStatusProcessing),
	})
}

// JobByID handles GET /api/jobs/{jobId}. Live jobs answer from the in-memory
// tracker; after a restart the durable record answers instead, so a finished
// job never reads as lost.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}

	if status, ok := h.Statuses.Get(jobID); ok {
		resp := jobStatusResponse{
			JobID:    status.JobID,
			Status:   string(status.State),
			Progress: status.Progress,
			Error:    status.Error,
		}
		if status.ResultURL != "" {
			url := status.ResultURL
			resp.TranscodedURL = &url
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	record, found, err := h.Store.GetVideo(r.Context(), models.VideoIDFromJobID(jobID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("lookup job: %v", err))
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found"))
		return
	}

	resp := jobStatusResponse{
		JobID:         jobID,
		Status:        string(record.UploadStatus),
		TranscodedURL: record.TranscodedURL,
	}
	if record.UploadStatus == models.UploadStatusCompleted {
		resp.Progress = 100
	}
	if record.ErrorMessage != nil {
		resp.Error = *record.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}
