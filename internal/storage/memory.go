package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"clipforge/internal/models"
)

// MemoryStore keeps video records in process memory. It backs development
// runs and tests; durability across restarts requires the Postgres driver.
type MemoryStore struct {
	mu     sync.RWMutex
	videos map[string]models.VideoRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{videos: make(map[string]models.VideoRecord)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) CreateVideo(ctx context.Context, params CreateVideoParams) (models.VideoRecord, error) {
	if err := params.validate(); err != nil {
		return models.VideoRecord{}, err
	}
	now := time.Now().UTC()
	record := models.VideoRecord{
		ID:           uuid.NewString(),
		OwnerID:      params.OwnerID,
		Title:        params.Title,
		StoragePath:  params.StoragePath,
		ProductID:    params.ProductID,
		ASIN:         params.ASIN,
		UploadStatus: models.UploadStatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.videos[record.ID] = record
	s.mu.Unlock()
	return record, nil
}

func (s *MemoryStore) GetVideo(ctx context.Context, id string) (models.VideoRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.videos[id]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *MemoryStore) ListProcessing(ctx context.Context) ([]models.VideoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.VideoRecord
	for _, record := range s.videos {
		if record.UploadStatus == models.UploadStatusProcessing {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *MemoryStore) MarkVideoCompleted(ctx context.Context, id, transcodedURL string, fileSize int64) (models.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.videos[id]
	if !ok {
		return models.VideoRecord{}, ErrVideoNotFound
	}
	record.UploadStatus = models.UploadStatusCompleted
	record.TranscodedURL = &transcodedURL
	record.ErrorMessage = nil
	record.FileSize = fileSize
	record.UpdatedAt = time.Now().UTC()
	s.videos[id] = record
	return record, nil
}

func (s *MemoryStore) MarkVideoFailed(ctx context.Context, id, message string) (models.VideoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.videos[id]
	if !ok {
		return models.VideoRecord{}, ErrVideoNotFound
	}
	record.UploadStatus = models.UploadStatusFailed
	record.ErrorMessage = &message
	record.TranscodedURL = nil
	record.UpdatedAt = time.Now().UTC()
	s.videos[id] = record
	return record, nil
}

var _ VideoStore = (*MemoryStore)(nil)
