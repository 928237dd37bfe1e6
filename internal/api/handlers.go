// Package api exposes the HTTP surface of the transcoding service: video
// registration, job status lookup, the legacy synchronous transcode endpoint,
// and health reporting.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"clipforge/internal/auth"
	"clipforge/internal/models"
	"clipforge/internal/objectstore"
	"clipforge/internal/storage"
)

// JobRunner is the pipeline surface the handlers drive: fire-and-forget
// execution for registered jobs and a synchronous path for the legacy
// endpoint.
type JobRunner interface {
	Enqueue(job models.Job)
	RunOnce(ctx context.Context, sourceURL, credential, bucket, key string) (objectstore.UploadResult, error)
}

// StatusReader is the read side of the in-memory job tracker.
type StatusReader interface {
	Get(jobID string) (models.JobStatus, bool)
}

type Handler struct {
	Store         storage.VideoStore
	Statuses      StatusReader
	Runner        JobRunner
	Auth          *auth.Verifier
	ScratchBucket string
	Logger        *slog.Logger
}

func NewHandler(store storage.VideoStore, statuses StatusReader, runner JobRunner, verifier *auth.Verifier) *Handler {
	return &Handler{
		Store:    store,
		Statuses: statuses,
		Runner:   runner,
		Auth:     verifier,
		Logger:   slog.Default(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Health reports component liveness. The datastore is the only dependency
// checked synchronously; object storage failures surface through jobs.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	statusCode := http.StatusOK
	components := make([]map[string]string, 0, 1)
	if h.Store != nil {
		component := map[string]string{"component": "datastore", "status": "ok"}
		if err := h.Store.Ping(r.Context()); err != nil {
			component["status"] = "degraded"
			component["error"] = err.Error()
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, component)
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     status,
		"service":    "clipforge",
		"components": components,
	})
}
