package ingestion

import (
	"context"
	"strings"
	"time"

	"webrag/src/core/knowledge"
)

// Request asks for one document to be (re)ingested. Content comes from
// RawText, or is fetched from SourceURL through the content cache when
// RawText is empty.
type Request struct {
	ProjectID      string                   `json:"project_id"`
	SessionID      string                   `json:"session_id,omitempty"`
	DocumentRef    string                   `json:"document_ref"`
	SourceURL      string                   `json:"source_url,omitempty"`
	ContentType    string                   `json:"content_type,omitempty"`
	RawText        string                   `json:"raw_text,omitempty"`
	StructuredData []knowledge.Table        `json:"structured_data,omitempty"`
	ForceRefresh   bool                     `json:"force_refresh,omitempty"`
	Provider       knowledge.ProviderConfig `json:"provider,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return &knowledge.ValidationError{Field: "project_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.DocumentRef) == "" {
		return &knowledge.ValidationError{Field: "document_ref", Reason: "must not be empty"}
	}
	if r.RawText == "" && r.SourceURL == "" && len(r.StructuredData) == 0 {
		return &knowledge.ValidationError{Field: "raw_text", Reason: "one of raw_text, source_url or structured_data is required"}
	}
	return nil
}

// Job is the unit handed to a Dispatcher. Request.Provider already holds the
// merged, validated provider configuration.
type Job struct {
	ID          string    `json:"job_id"`
	Request     Request   `json:"request"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Ticket identifies an accepted job and the progress session that tracks it.
type Ticket struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
}

// Dispatcher hands a job to whatever runs it, in process or through a broker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job Job) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job Job) error {
	return f(ctx, job)
}
