package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/contentcache"
	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/integrations/mock"
)

const dims = 16

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(ref string, index int, text string) knowledge.ChunkRecord {
	return knowledge.ChunkRecord{
		DocumentRef: ref,
		ChunkIndex:  index,
		Kind:        knowledge.ChunkKindText,
		Text:        text,
		Embedding:   mock.Vector(text, dims),
	}
}

func TestVectorStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	var records []knowledge.ChunkRecord
	for i := 0; i < 5; i++ {
		records = append(records, record("doc", i, fmt.Sprintf("chunk %d", i)))
	}

	require.NoError(t, store.Upsert(ctx, records))
	require.NoError(t, store.Upsert(ctx, records))

	n, err := store.Count(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestVectorStore_ConcurrentUpsertsSameKeys(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				// Conflicting transactions may fail; the survivors must not duplicate rows.
				_ = store.Upsert(ctx, []knowledge.ChunkRecord{record("doc", i, fmt.Sprintf("chunk %d", i))})
			}
		}()
	}
	wg.Wait()

	n, err := store.Count(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestVectorStore_OverwriteKeepsOtherChunksSearchable(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	require.NoError(t, store.Upsert(ctx, []knowledge.ChunkRecord{
		record("doc", 0, "old zero"),
		record("doc", 1, "old one"),
	}))
	require.NoError(t, store.Upsert(ctx, []knowledge.ChunkRecord{record("doc", 0, "new zero")}))

	matches, err := store.Search(ctx, mock.Vector("old one", dims), []string{"doc"}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "old one", matches[0].Text)

	texts := []string{matches[0].Text, matches[1].Text}
	assert.Contains(t, texts, "new zero")
	assert.NotContains(t, texts, "old zero")
}

func TestVectorStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	var records []knowledge.ChunkRecord
	for i := 0; i < 8; i++ {
		records = append(records, record("doc", i, fmt.Sprintf("distinct chunk text number %d", i)))
	}
	require.NoError(t, store.Upsert(ctx, records))

	for _, r := range records {
		matches, err := store.Search(ctx, r.Embedding, []string{"doc"}, 3)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, r.ChunkIndex, matches[0].ChunkIndex)
		assert.InDelta(t, 1.0, matches[0].Similarity(), 1e-5)
	}
}

func TestVectorStore_SearchIsScoped(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	require.NoError(t, store.Upsert(ctx, []knowledge.ChunkRecord{
		record("docA", 0, "apples and pears"),
		record("docB", 0, "the exact query"),
		record("docB", 1, "the exact query again"),
		record("docAB", 0, "the exact query"),
	}))

	matches, err := store.Search(ctx, mock.Vector("the exact query", dims), []string{"docA"}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "docA", matches[0].DocumentRef)
}

func TestVectorStore_TiesBreakByChunkIndex(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	// Same text, same vector, so the distances tie exactly.
	require.NoError(t, store.Upsert(ctx, []knowledge.ChunkRecord{
		record("doc", 7, "same"),
		record("doc", 2, "same"),
		record("doc", 4, "same"),
	}))

	matches, err := store.Search(ctx, mock.Vector("same", dims), []string{"doc"}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 2, matches[0].ChunkIndex)
	assert.Equal(t, 4, matches[1].ChunkIndex)
}

func TestVectorStore_Truncate(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	var records []knowledge.ChunkRecord
	for i := 0; i < 12; i++ {
		records = append(records, record("doc", i, fmt.Sprintf("chunk %d", i)))
	}
	records = append(records, record("docs", 5, "neighbour"))
	require.NoError(t, store.Upsert(ctx, records))

	removed, err := store.Truncate(ctx, "doc", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(9), removed)

	n, err := store.Count(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = store.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := store.Search(ctx, mock.Vector("chunk 11", dims), []string{"doc"}, 5)
	require.NoError(t, err)
	for _, m := range matches {
		assert.Less(t, m.ChunkIndex, 3)
	}

	removed, err = store.Truncate(ctx, "doc", 3)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.Truncate(ctx, "doc", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestVectorStore_EmptyCandidates(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)
	require.NoError(t, store.Upsert(ctx, []knowledge.ChunkRecord{record("doc", 0, "x")}))

	matches, err := store.Search(ctx, mock.Vector("x", dims), nil, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.NotNil(t, matches)
}

func TestVectorStore_RejectsWrongDimensions(t *testing.T) {
	ctx := context.Background()
	store := NewVectorStore(openMemory(t), dims)

	err := store.Upsert(ctx, []knowledge.ChunkRecord{{DocumentRef: "doc", Embedding: []float32{1, 2}}})
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestCacheStore(t *testing.T) {
	ctx := context.Background()
	store := NewCacheStore(openMemory(t))
	now := time.Now()

	_, err := store.Get(ctx, "https://example.com")
	assert.ErrorIs(t, err, contentcache.ErrNotFound)

	require.NoError(t, store.Put(ctx, contentcache.Entry{URL: "https://example.com", Content: "v1", FetchedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Touch(ctx, "https://example.com"))
	require.NoError(t, store.Put(ctx, contentcache.Entry{URL: "https://example.com", Content: "v2", FetchedAt: now, ExpiresAt: now.Add(time.Hour)}))

	entry, err := store.Get(ctx, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Content)
	assert.Equal(t, int64(1), entry.HitCount, "hit count survives overwrite")

	require.NoError(t, store.Put(ctx, contentcache.Entry{URL: "https://stale.example.com", Content: "old", FetchedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	removed, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, store.Delete(ctx, "https://example.com"))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
