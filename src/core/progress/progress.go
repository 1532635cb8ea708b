// Package progress tracks ingestion jobs per (project, session) and fans
// their state out to subscribers of a project.
package progress

import (
	"math"
	"time"

	"webrag/src/core/knowledge"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusError:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool {
	return s.rank() >= 0
}

type Metrics struct {
	ElapsedMs       int64   `json:"elapsed_ms"`
	ChunksPerSecond float64 `json:"chunks_per_second"`
	EmbeddedChunks  int     `json:"embedded_chunks"`
	FailedChunks    int     `json:"failed_chunks"`
}

// Update is one state transition of an ingestion job.
type Update struct {
	ProjectID       string                 `json:"project_id"`
	SessionID       string                 `json:"session_id"`
	JobID           string                 `json:"job_id"`
	DocumentRef     string                 `json:"document_ref,omitempty"`
	Status          Status                 `json:"status"`
	CurrentChunk    int                    `json:"current_chunk"`
	TotalChunks     int                    `json:"total_chunks"`
	PercentComplete int                    `json:"percent_complete"`
	Metrics         Metrics                `json:"performance_metrics"`
	FailedRanges    []knowledge.ChunkRange `json:"failed_chunk_ranges,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Percent rounds current/total to the nearest whole percent, clamped to [0, 100].
func Percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(current) * 100 / float64(total)))
	return min(max(p, 0), 100)
}
