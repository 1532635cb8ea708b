package embedding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"webrag/src/core/knowledge"
	"webrag/src/core/retry"
	"webrag/src/infrastructure/log"
)

const (
	DefaultBatchSize   = 20
	DefaultConcurrency = 4
)

var (
	ErrEmbedderRequired = errors.New("embedder is required")
	ErrStoreRequired    = errors.New("vector store is required")
)

// Progress is reported after every batch, successful or not.
type Progress struct {
	Completed       int // chunks whose batch has finished, embedded or failed
	Embedded        int
	Failed          int
	Total           int
	Batches         int
	Elapsed         time.Duration
	ChunksPerSecond float64
}

// Result summarizes a run.
type Result struct {
	Total        int
	Embedded     int
	FailedRanges []knowledge.ChunkRange
	Elapsed      time.Duration
	// Fatal is set when a batch failed for a reason no other batch can avoid,
	// such as rejected credentials. Remaining batches are skipped.
	Fatal error
}

// Err returns Fatal, or a PartialIngestionFailure when some batches failed.
func (r Result) Err() error {
	if r.Fatal != nil {
		return r.Fatal
	}
	if len(r.FailedRanges) > 0 {
		return &knowledge.PartialIngestionFailure{FailedRanges: r.FailedRanges}
	}
	return nil
}

// Observer receives per-batch outcomes, e.g. for metrics.
type Observer interface {
	BatchDone(size int, err error)
}

type noopObserver struct{}

func (noopObserver) BatchDone(int, error) {}

// Batcher embeds chunks in fixed size batches with bounded fan-out and writes
// each embedded batch to the vector store.
type Batcher struct {
	embedder    knowledge.Embedder
	store       knowledge.VectorStore
	batchSize   int
	concurrency int
	policy      retry.Policy
	limiter     *rate.Limiter
	observer    Observer
	logger      logr.Logger
	now         func() time.Time
}

type Option func(b *Batcher)

func WithBatchSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Batcher) { b.policy = p }
}

// WithRateLimit throttles embedding requests to perSecond with the given burst.
// A non-positive rate disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(b *Batcher) {
		if perSecond <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func WithObserver(o Observer) Option {
	return func(b *Batcher) { b.observer = o }
}

func WithLogger(l logr.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

func NewBatcher(embedder knowledge.Embedder, store knowledge.VectorStore, opts ...Option) (*Batcher, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}

	b := &Batcher{
		embedder:    embedder,
		store:       store,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		policy:      retry.Default(),
		observer:    noopObserver{},
		logger:      log.WithName("embedding"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run embeds and stores chunks. Batches may finish in any order; onProgress is
// called once per finished batch, serialized, with a monotonically growing
// Completed count. Failed batches are recorded and do not stop the run.
// The returned error covers only setup failures and cancellation.
func (b *Batcher) Run(ctx context.Context, chunks []knowledge.Chunk, generation string, onProgress func(Progress)) (Result, error) {
	start := b.now()
	result := Result{Total: len(chunks)}
	if len(chunks) == 0 {
		return result, nil
	}

	pool, err := ants.NewPool(b.concurrency)
	if err != nil {
		return result, fmt.Errorf("failed to create embedding pool: %w", err)
	}
	defer pool.Release()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		progress = Progress{Total: len(chunks)}
		fatal    error
	)

	finish := func(batch []knowledge.Chunk, err error) {
		mu.Lock()
		defer mu.Unlock()

		progress.Batches++
		progress.Completed += len(batch)
		if err != nil {
			progress.Failed += len(batch)
			result.FailedRanges = append(result.FailedRanges, knowledge.ChunkRange{
				Start: batch[0].Index,
				End:   batch[len(batch)-1].Index,
			})
			var cfgErr *knowledge.ConfigurationError
			if errors.As(err, &cfgErr) && fatal == nil {
				fatal = err
			}
		} else {
			progress.Embedded += len(batch)
		}

		progress.Elapsed = b.now().Sub(start)
		if secs := progress.Elapsed.Seconds(); secs > 0 {
			progress.ChunksPerSecond = float64(progress.Embedded) / secs
		}
		if onProgress != nil {
			onProgress(progress)
		}
	}

	for from := 0; from < len(chunks); from += b.batchSize {
		batch := chunks[from:min(from+b.batchSize, len(chunks))]

		mu.Lock()
		stop := fatal
		mu.Unlock()
		if stop != nil {
			finish(batch, stop)
			continue
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			err := b.process(ctx, batch, generation)
			if err != nil {
				b.logger.Error(err, "batch failed", "first_chunk", batch[0].Index, "size", len(batch))
			}
			b.observer.BatchDone(len(batch), err)
			finish(batch, err)
		})
		if err != nil {
			wg.Done()
			finish(batch, fmt.Errorf("failed to schedule batch: %w", err))
		}
	}
	wg.Wait()

	// Ranges are recorded in completion order; report them in chunk order.
	slices.SortFunc(result.FailedRanges, func(a, b knowledge.ChunkRange) int { return a.Start - b.Start })
	result.Embedded = progress.Embedded
	result.Elapsed = b.now().Sub(start)
	result.Fatal = fatal
	return result, ctx.Err()
}

// process embeds one batch and upserts it. Both steps retry under the policy.
func (b *Batcher) process(ctx context.Context, batch []knowledge.Chunk, generation string) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	var vectors [][]float32
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		v, err := b.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		if err := b.validate(v, len(texts)); err != nil {
			return err
		}
		vectors = v
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}

	now := b.now().UTC()
	records := make([]knowledge.ChunkRecord, len(batch))
	for i, c := range batch {
		records[i] = knowledge.ChunkRecord{
			DocumentRef: c.DocumentRef,
			ChunkIndex:  c.Index,
			Kind:        c.Kind,
			Text:        c.Text,
			Generation:  generation,
			Embedding:   vectors[i],
			CreatedAt:   now,
		}
	}

	err = b.policy.Do(ctx, func(ctx context.Context) error {
		return b.store.Upsert(ctx, records)
	})
	if err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}
	return nil
}

func (b *Batcher) validate(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return &knowledge.ValidationError{
			Field:  "embeddings",
			Reason: fmt.Sprintf("expected %d vectors, got %d", want, len(vectors)),
		}
	}
	dims := b.store.Dimensions()
	for _, v := range vectors {
		if len(v) != dims {
			return &knowledge.ValidationError{
				Field:  "embedding dimension",
				Reason: fmt.Sprintf("expected %d, got %d", dims, len(v)),
			}
		}
	}
	return nil
}
