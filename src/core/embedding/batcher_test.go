package embedding

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/knowledge"
	"webrag/src/core/retry"
	"webrag/src/infrastructure/integrations/mock"
	"webrag/src/storage/badger"
)

const dims = 8

func newStore(t *testing.T) *badger.VectorStore {
	t.Helper()
	db, err := badger.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return badger.NewVectorStore(db, dims)
}

func makeChunks(n int) []knowledge.Chunk {
	chunks := make([]knowledge.Chunk, n)
	for i := range chunks {
		chunks[i] = knowledge.Chunk{DocumentRef: "doc", Index: i, Kind: knowledge.ChunkKindText, Text: fmt.Sprintf("chunk %d", i)}
	}
	return chunks
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

type progressLog struct {
	mu      sync.Mutex
	updates []Progress
}

func (l *progressLog) record(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, p)
}

func (l *progressLog) completed() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, p := range l.updates {
		out = append(out, p.Completed)
	}
	return out
}

func TestBatcher_ThreeBatchesOf45(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims)
	b, err := NewBatcher(embedder, store, WithBatchSize(20), WithConcurrency(1), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)

	var log progressLog
	result, err := b.Run(context.Background(), makeChunks(45), "gen1", log.record)
	require.NoError(t, err)

	assert.Equal(t, []int{20, 40, 45}, log.completed())
	assert.Equal(t, 3, embedder.CallCount())
	assert.Equal(t, 45, result.Embedded)
	assert.Empty(t, result.FailedRanges)
	assert.NoError(t, result.Err())

	n, err := store.Count(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 45, n)
}

func TestBatcher_ConcurrentProgressIsMonotonic(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims)
	embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		// Uneven latency so batches finish out of order.
		time.Sleep(time.Duration(len(texts[0])%4) * time.Millisecond)
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, dims)
		}
		return out, nil
	}

	b, err := NewBatcher(embedder, store, WithBatchSize(7), WithConcurrency(4), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)

	var log progressLog
	result, err := b.Run(context.Background(), makeChunks(100), "gen1", log.record)
	require.NoError(t, err)

	completed := log.completed()
	require.Len(t, completed, 15)
	assert.True(t, slices.IsSorted(completed))
	assert.Equal(t, 100, completed[len(completed)-1])
	assert.Equal(t, 100, result.Embedded)
}

func TestBatcher_ExhaustedBatchIsRecordedAndRunContinues(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims)
	embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if texts[0] == "chunk 20" {
			return nil, &knowledge.TransientError{Op: "embed", Err: errors.New("upstream 503")}
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, dims)
		}
		return out, nil
	}

	b, err := NewBatcher(embedder, store, WithBatchSize(20), WithConcurrency(2), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)

	var log progressLog
	result, err := b.Run(context.Background(), makeChunks(45), "gen1", log.record)
	require.NoError(t, err)

	require.Len(t, result.FailedRanges, 1)
	assert.Equal(t, knowledge.ChunkRange{Start: 20, End: 39}, result.FailedRanges[0])
	assert.Equal(t, 25, result.Embedded)
	assert.Nil(t, result.Fatal)

	var partial *knowledge.PartialIngestionFailure
	assert.ErrorAs(t, result.Err(), &partial)

	// 2 good calls plus 3 attempts for the failing batch.
	assert.Equal(t, 5, embedder.CallCount())

	matches, err := store.Search(context.Background(), mock.Vector("chunk 44", dims), []string{"doc"}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 44, matches[0].ChunkIndex)

	n, err := store.Count(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 45, log.completed()[len(log.completed())-1])
}

func TestBatcher_RejectsDimensionMismatch(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims + 1)

	b, err := NewBatcher(embedder, store, WithBatchSize(10), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)

	result, err := b.Run(context.Background(), makeChunks(10), "gen1", nil)
	require.NoError(t, err)
	require.Len(t, result.FailedRanges, 1)
	assert.Equal(t, 1, embedder.CallCount(), "validation errors are not retried")
}

func TestBatcher_ConfigurationErrorStopsRun(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims)
	embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, &knowledge.ConfigurationError{Category: "openai api key"}
	}

	b, err := NewBatcher(embedder, store, WithBatchSize(5), WithConcurrency(1), WithRetryPolicy(fastRetry()))
	require.NoError(t, err)

	result, err := b.Run(context.Background(), makeChunks(20), "gen1", nil)
	require.NoError(t, err)

	var cfgErr *knowledge.ConfigurationError
	require.ErrorAs(t, result.Err(), &cfgErr)
	assert.Equal(t, 1, embedder.CallCount())
	assert.Zero(t, result.Embedded)
}

func TestBatcher_RetriesTransientFailures(t *testing.T) {
	store := newStore(t)
	embedder := mock.NewEmbedder(dims)
	var mu sync.Mutex
	failures := 0
	embedder.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return nil, &knowledge.RateLimitError{Op: "embed"}
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, dims)
		}
		return out, nil
	}

	b, err := NewBatcher(embedder, store, WithBatchSize(20), WithRetryPolicy(fastRetry()), WithRateLimit(1000, 10))
	require.NoError(t, err)

	result, err := b.Run(context.Background(), makeChunks(5), "gen1", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Embedded)
	assert.Equal(t, 3, embedder.CallCount())
}

func TestBatcher_Empty(t *testing.T) {
	b, err := NewBatcher(mock.NewEmbedder(dims), newStore(t))
	require.NoError(t, err)

	called := false
	result, err := b.Run(context.Background(), nil, "gen1", func(Progress) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
	assert.Zero(t, result.Total)
}

func TestNewBatcher_RequiresDependencies(t *testing.T) {
	_, err := NewBatcher(nil, newStore(t))
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	_, err = NewBatcher(mock.NewEmbedder(dims), nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}
