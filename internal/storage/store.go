// Package storage persists video records so that job outcomes survive
// process restarts. Two drivers are provided: a Postgres-backed store for
// production and an in-memory store for development and tests.
package storage

import (
	"context"
	"errors"
	"fmt"

	"clipforge/internal/models"
)

// ErrVideoNotFound is returned when a record mutation targets an unknown id.
var ErrVideoNotFound = errors.New("video not found")

// CreateVideoParams describes a new video registration.
type CreateVideoParams struct {
	OwnerID     string
	Title       string
	StoragePath string
	ProductID   string
	ASIN        string
}

func (p CreateVideoParams) validate() error {
	if p.StoragePath == "" {
		return fmt.Errorf("storage path is required")
	}
	if p.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	return nil
}

// VideoStore exposes the durable record operations required by the API
// handlers and the job pipeline. MarkVideoCompleted and MarkVideoFailed each
// mutate a record to a terminal state exactly once per job; callers must not
// invoke either twice for the same job.
type VideoStore interface {
	Ping(ctx context.Context) error
	CreateVideo(ctx context.Context, params CreateVideoParams) (models.VideoRecord, error)
	GetVideo(ctx context.Context, id string) (models.VideoRecord, bool, error)
	// ListProcessing returns records not yet in a terminal state, so an
	// interrupted process's jobs can be requeued on startup.
	ListProcessing(ctx context.Context) ([]models.VideoRecord, error)
	MarkVideoCompleted(ctx context.Context, id, transcodedURL string, fileSize int64) (models.VideoRecord, error)
	MarkVideoFailed(ctx context.Context, id, message string) (models.VideoRecord, error)
}
