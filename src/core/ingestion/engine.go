package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"webrag/src/core/chunking"
	"webrag/src/core/contentcache"
	"webrag/src/core/embedding"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
	"webrag/src/core/retrieval"
	"webrag/src/infrastructure/log"
)

var (
	ErrNoContent   = errors.New("document has no content to ingest")
	ErrNoFetcher   = errors.New("source_url given without raw_text but no fetcher is configured")
	errMissingDeps = errors.New("ingestion engine requires cache, chunker, store, providers, publisher and dispatcher")
)

// ProgressPublisher is satisfied by *progress.Publisher.
type ProgressPublisher interface {
	Publish(ctx context.Context, u progress.Update) error
}

// TokenizerResolver is satisfied by *chunking.Resolver.
type TokenizerResolver interface {
	ForModel(model string) chunking.Tokenizer
}

// Deps wires the engine. Tokenizers, Fetcher, Archive, Broadcaster and
// HealthChecks are optional. Without Tokenizers every job is cut with the
// Chunker's own tokenizer.
type Deps struct {
	Cache       *contentcache.Cache
	Chunker     *chunking.Chunker
	Tokenizers  TokenizerResolver
	Store       knowledge.VectorStore
	Providers   knowledge.ProviderFactory
	Defaults    knowledge.ProviderConfig
	Batcher     []embedding.Option
	Composer    *retrieval.Composer
	Publisher   ProgressPublisher
	Broadcaster *progress.Broadcaster
	Dispatcher  Dispatcher
	Fetcher     knowledge.Fetcher
	Archive     knowledge.Archive

	// HealthChecks are probed by Health, keyed by component name.
	HealthChecks map[string]func(ctx context.Context) error
}

// Engine is the entry point used by the HTTP layer, the CLI and job workers.
type Engine struct {
	deps   Deps
	logger logr.Logger
	now    func() time.Time
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Cache == nil || deps.Chunker == nil || deps.Store == nil || deps.Providers == nil ||
		deps.Publisher == nil || deps.Dispatcher == nil {
		return nil, errMissingDeps
	}
	if deps.Composer == nil {
		deps.Composer = retrieval.NewComposer(deps.Store)
	}
	return &Engine{
		deps:   deps,
		logger: log.WithName("ingestion"),
		now:    time.Now,
	}, nil
}

// Ingest validates the request and queues a job. Configuration problems are
// reported immediately, both as the returned error and as a terminal "error"
// progress event on the session.
func (e *Engine) Ingest(ctx context.Context, req Request) (Ticket, error) {
	if err := req.Validate(); err != nil {
		return Ticket{}, err
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	job := Job{
		ID:          uuid.NewString(),
		SubmittedAt: e.now().UTC(),
	}
	ticket := Ticket{JobID: job.ID, ProjectID: req.ProjectID, SessionID: req.SessionID}

	cfg := e.deps.Defaults.Merge(req.Provider)
	req.Provider = cfg
	job.Request = req

	if err := cfg.Validate(); err != nil {
		e.fail(ctx, job, 0, 0, err)
		return ticket, err
	}
	if req.RawText == "" && len(req.StructuredData) == 0 && e.deps.Fetcher == nil {
		return ticket, ErrNoFetcher
	}

	e.publish(ctx, e.update(job, progress.StatusIdle))

	if err := e.deps.Dispatcher.Dispatch(ctx, job); err != nil {
		err = fmt.Errorf("failed to dispatch ingestion job: %w", err)
		e.fail(ctx, job, 0, 0, err)
		return ticket, err
	}

	e.logger.Info("ingestion queued", "job", job.ID, "project", req.ProjectID,
		"session", req.SessionID, "document", req.DocumentRef)
	return ticket, nil
}

// Execute runs a job to a terminal state. Failed batches do not fail the job;
// they are reported as failed ranges on the completed event. The returned
// error is non-nil only when the job ended in "error". Once the run completes,
// chunks left over from a longer earlier snapshot of the document are removed.
func (e *Engine) Execute(ctx context.Context, job Job) (err error) {
	req := job.Request
	logger := e.logger.WithValues("job", job.ID, "project", req.ProjectID, "session", req.SessionID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion aborted: %v", r)
			e.fail(ctx, job, 0, 0, err)
		}
	}()

	provider, err := e.deps.Providers(req.Provider)
	if err != nil {
		e.fail(ctx, job, 0, 0, err)
		return err
	}

	doc, err := e.snapshot(ctx, req)
	if err != nil {
		e.fail(ctx, job, 0, 0, err)
		return err
	}

	generation := Generation(doc)
	if e.deps.Archive != nil {
		if err := e.deps.Archive.Store(ctx, doc, generation); err != nil {
			logger.Error(err, "failed to archive document snapshot", "generation", generation)
		}
	}

	chunker := e.deps.Chunker
	if e.deps.Tokenizers != nil {
		chunker = chunker.WithTokenizer(e.deps.Tokenizers.ForModel(req.Provider.EmbeddingModel))
	}
	chunks := chunker.Split(doc)
	total := len(chunks)
	logger.Info("document chunked", "document", doc.Ref, "chunks", total, "generation", generation)

	if total == 0 {
		e.prune(ctx, logger, doc.Ref, 0)
		e.publish(ctx, e.update(job, progress.StatusCompleted))
		return nil
	}

	batcher, err := embedding.NewBatcher(provider, e.deps.Store, e.deps.Batcher...)
	if err != nil {
		e.fail(ctx, job, 0, total, err)
		return err
	}

	completed := 0
	result, err := batcher.Run(ctx, chunks, generation, func(p embedding.Progress) {
		completed = p.Completed
		u := e.update(job, progress.StatusProcessing)
		u.CurrentChunk = p.Completed
		u.TotalChunks = p.Total
		u.PercentComplete = progress.Percent(p.Completed, p.Total)
		u.Metrics = metrics(p.Elapsed, p.ChunksPerSecond, p.Embedded, p.Failed)
		e.publish(ctx, u)
	})
	if err == nil {
		err = result.Fatal
	}
	if err != nil {
		e.fail(ctx, job, completed, total, err)
		return err
	}
	e.prune(ctx, logger, doc.Ref, total)

	done := e.update(job, progress.StatusCompleted)
	done.CurrentChunk = total
	done.TotalChunks = total
	done.PercentComplete = 100
	done.FailedRanges = result.FailedRanges
	var secs float64
	if s := result.Elapsed.Seconds(); s > 0 {
		secs = float64(result.Embedded) / s
	}
	done.Metrics = metrics(result.Elapsed, secs, result.Embedded, total-result.Embedded)
	if partial := result.Err(); partial != nil {
		done.Error = partial.Error()
		logger.Info("ingestion completed with failed ranges", "failed", result.FailedRanges)
	} else {
		logger.Info("ingestion completed", "chunks", total, "elapsed", result.Elapsed)
	}
	e.publish(ctx, done)
	return nil
}

// prune drops chunks at index size and above. A failure leaves stale chunks
// searchable but does not fail the job.
func (e *Engine) prune(ctx context.Context, logger logr.Logger, documentRef string, size int) {
	removed, err := e.deps.Store.Truncate(ctx, documentRef, size)
	if err != nil {
		logger.Error(err, "failed to remove stale chunks", "document", documentRef, "size", size)
		return
	}
	if removed > 0 {
		logger.Info("removed stale chunks", "document", documentRef, "removed", removed)
	}
}

// snapshot resolves the request content. Supplied raw text is the fresh
// snapshot and refreshes the cache entry for its URL. Without raw text the
// URL is read through the cache, fetching on miss or forced refresh.
func (e *Engine) snapshot(ctx context.Context, req Request) (knowledge.Document, error) {
	doc := knowledge.Document{
		Ref:         req.DocumentRef,
		SourceURL:   req.SourceURL,
		ContentType: req.ContentType,
		Text:        req.RawText,
		Tables:      req.StructuredData,
	}

	switch {
	case req.RawText != "" || req.SourceURL == "":
		if req.SourceURL != "" {
			if content, err := encodeSnapshot(doc); err == nil {
				if _, err := e.deps.Cache.Put(ctx, req.SourceURL, content, 0); err != nil {
					e.logger.Error(err, "cache write failed, continuing without cache", "url", req.SourceURL)
				}
			}
		}
	default:
		if e.deps.Fetcher == nil {
			return doc, ErrNoFetcher
		}
		content, hit, err := e.deps.Cache.Load(ctx, req.SourceURL, req.ForceRefresh, func(ctx context.Context) (string, error) {
			fetched, err := e.deps.Fetcher.Fetch(ctx, req.SourceURL)
			if err != nil {
				return "", err
			}
			return encodeSnapshot(*fetched)
		})
		if err != nil {
			return doc, fmt.Errorf("failed to fetch %s: %w", req.SourceURL, err)
		}
		var cached knowledge.Document
		if err := json.Unmarshal([]byte(content), &cached); err != nil {
			return doc, fmt.Errorf("failed to decode cached snapshot: %w", err)
		}
		e.logger.V(1).Info("resolved snapshot", "url", req.SourceURL, "cacheHit", hit)
		doc.Text = cached.Text
		doc.ContentType = cached.ContentType
		if len(doc.Tables) == 0 {
			doc.Tables = cached.Tables
		}
	}

	doc, err := chunking.Normalize(doc)
	if err != nil {
		return doc, err
	}
	if doc.Text == "" && len(doc.Tables) == 0 {
		return doc, ErrNoContent
	}
	return doc, nil
}

func encodeSnapshot(doc knowledge.Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(b), nil
}

// Query answers a question over the candidate documents with the default
// provider configuration merged with override.
func (e *Engine) Query(ctx context.Context, req retrieval.Request, override knowledge.ProviderConfig) (*retrieval.Answer, error) {
	cfg := e.deps.Defaults.Merge(override)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	provider, err := e.deps.Providers(cfg)
	if err != nil {
		return nil, err
	}
	return e.deps.Composer.Answer(ctx, provider, req)
}

// Subscribe streams progress of every session in projectID. It returns nil
// when the engine runs without a broadcaster.
func (e *Engine) Subscribe(ctx context.Context, projectID string) <-chan progress.Update {
	if e.deps.Broadcaster == nil {
		return nil
	}
	return e.deps.Broadcaster.Subscribe(ctx, projectID)
}

func (e *Engine) Status(projectID, sessionID string) (progress.Update, bool) {
	if e.deps.Broadcaster == nil {
		return progress.Update{}, false
	}
	return e.deps.Broadcaster.Status(projectID, sessionID)
}

func (e *Engine) CacheStats(ctx context.Context) (contentcache.Stats, error) {
	return e.deps.Cache.Stats(ctx)
}

func (e *Engine) InvalidateCache(ctx context.Context, url string) error {
	if url == "" {
		return &knowledge.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	return e.deps.Cache.Invalidate(ctx, url)
}

type HealthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Health probes every registered component. The overall status is
// "unhealthy" if any component is down.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "healthy", Components: make(map[string]string, len(e.deps.HealthChecks))}
	for name, check := range e.deps.HealthChecks {
		if err := check(ctx); err != nil {
			e.logger.Error(err, "health check failed", "component", name)
			status.Components[name] = StatusDown
			status.Status = "unhealthy"
			continue
		}
		status.Components[name] = StatusUp
	}
	return status
}

func (e *Engine) update(job Job, status progress.Status) progress.Update {
	return progress.Update{
		ProjectID:   job.Request.ProjectID,
		SessionID:   job.Request.SessionID,
		JobID:       job.ID,
		DocumentRef: job.Request.DocumentRef,
		Status:      status,
		Timestamp:   e.now().UTC(),
	}
}

func (e *Engine) fail(ctx context.Context, job Job, current, total int, err error) {
	u := e.update(job, progress.StatusError)
	u.CurrentChunk = max(current, 0)
	u.TotalChunks = total
	u.PercentComplete = progress.Percent(u.CurrentChunk, total)
	u.Error = err.Error()
	e.logger.Error(err, "ingestion failed", "job", job.ID, "project", job.Request.ProjectID,
		"session", job.Request.SessionID)
	e.publish(ctx, u)
}

// publish never fails the job; observers may lose an update but ingestion
// carries on.
func (e *Engine) publish(ctx context.Context, u progress.Update) {
	if err := e.deps.Publisher.Publish(context.WithoutCancel(ctx), u); err != nil {
		e.logger.Error(err, "failed to publish progress", "project", u.ProjectID, "session", u.SessionID, "status", u.Status)
	}
}

func metrics(elapsed time.Duration, perSecond float64, embedded, failed int) progress.Metrics {
	return progress.Metrics{
		ElapsedMs:       elapsed.Milliseconds(),
		ChunksPerSecond: perSecond,
		EmbeddedChunks:  embedded,
		FailedChunks:    failed,
	}
}
