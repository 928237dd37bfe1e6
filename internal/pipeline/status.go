package pipeline

import (
	"sync"
	"time"

	"clipforge/internal/models"
)

// StatusStore is the process-local view of job progress, keyed by job ID. It
// is created once at process start and passed explicitly to every component
// that reads or writes it. Entries are immutable value snapshots; the map
// has no eviction and is garbage-collected only by process restart, after
// which callers fall back to the durable record.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]models.JobStatus
}

func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]models.JobStatus)}
}

// Set replaces the snapshot for status.JobID.
func (s *StatusStore) Set(status models.JobStatus) {
	status.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.statuses[status.JobID] = status
	s.mu.Unlock()
}

// Get returns the current snapshot for the job, if one exists.
func (s *StatusStore) Get(jobID string) (models.JobStatus, bool) {
	s.mu.RLock()
	status, ok := s.statuses[jobID]
	s.mu.RUnlock()
	return status, ok
}
