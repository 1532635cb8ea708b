package job

import (
	"context"
	"time"
)

// JobStatus defines the status of a queued ingestion job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Record is the bookkeeping row of one ingestion job
type Record struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	ProjectID   string    `json:"project_id" gorm:"index;type:varchar(255)"`
	SessionID   string    `json:"session_id" gorm:"type:varchar(255)"`
	DocumentRef string    `json:"document_ref" gorm:"type:varchar(1024)"`
	Status      JobStatus `json:"status" gorm:"type:varchar(32)"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Record) TableName() string {
	return "ingest_jobs"
}

// Repository defines the interface for job persistence
type Repository interface {
	Create(ctx context.Context, record Record) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus, err *string) error
}
