package job

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps job records for the lifetime of the process.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record), now: time.Now}
}

func (r *MemoryRepository) Create(ctx context.Context, record Record) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.ID]; ok {
		return &existing, nil
	}
	if record.Status == "" {
		record.Status = JobStatusPending
	}
	now := r.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	r.records[record.ID] = record
	return &record, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, id string, status JobStatus, err *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return ErrJobNotFound
	}
	record.Status = status
	record.Error = err
	record.UpdatedAt = r.now().UTC()
	r.records[id] = record
	return nil
}
