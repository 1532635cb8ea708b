package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/chunking"
	"webrag/src/core/contentcache"
	"webrag/src/core/embedding"
	"webrag/src/core/knowledge"
	"webrag/src/core/progress"
	"webrag/src/core/retrieval"
	"webrag/src/core/retry"
	"webrag/src/infrastructure/integrations/mock"
	"webrag/src/storage/badger"
)

const dims = 16

var testConfig = knowledge.ProviderConfig{
	Provider:        "mock",
	EmbeddingModel:  "mock-embed",
	CompletionModel: "mock-chat",
}

type fixture struct {
	engine      *Engine
	store       *badger.VectorStore
	provider    *mock.Provider
	broadcaster *progress.Broadcaster
	fetcher     *stubFetcher
}

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	body  string
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &knowledge.Document{SourceURL: url, ContentType: "text/html", Text: f.body}, nil
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memoryArchive struct {
	mu          sync.Mutex
	generations []string
}

func (a *memoryArchive) Store(ctx context.Context, doc knowledge.Document, generation string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations = append(a.generations, doc.Ref+"/"+generation)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := badger.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	t.Cleanup(func() { pubSub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broadcaster := progress.NewBroadcaster()
	require.NoError(t, broadcaster.Listen(ctx, pubSub, progress.Topic))

	f := &fixture{
		store:       badger.NewVectorStore(db, dims),
		provider:    mock.NewProvider(dims),
		broadcaster: broadcaster,
		fetcher:     &stubFetcher{body: "<html><body><p>refunds are accepted within 30 days</p></body></html>"},
	}

	fast := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	var engine *Engine
	engine, err = NewEngine(Deps{
		Cache:     contentcache.New(badger.NewCacheStore(db)),
		Chunker:   chunking.New(chunking.WordTokenizer{}, chunking.WithChunkSize(10), chunking.WithOverlap(0)),
		Store:     f.store,
		Providers: mock.Factory(f.provider),
		Defaults:  testConfig,
		Batcher: []embedding.Option{
			embedding.WithBatchSize(20),
			embedding.WithConcurrency(1),
			embedding.WithRetryPolicy(fast),
		},
		Composer:    retrieval.NewComposer(f.store, retrieval.WithEmbedRetry(fast), retrieval.WithCompletionRetry(fast)),
		Publisher:   progress.NewPublisher(pubSub),
		Broadcaster: broadcaster,
		Fetcher:     f.fetcher,
		Dispatcher: DispatcherFunc(func(ctx context.Context, job Job) error {
			go engine.Execute(context.WithoutCancel(ctx), job)
			return nil
		}),
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

// collect reads a session's updates until its terminal state.
func collect(t *testing.T, updates <-chan progress.Update, sessionID string) []progress.Update {
	t.Helper()
	var out []progress.Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			require.True(t, ok)
			if u.SessionID != sessionID {
				continue
			}
			out = append(out, u)
			if u.Status.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal state, got %+v", out)
		}
	}
}

func TestEngine_IngestReportsProgressPerBatch(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	ticket, err := f.engine.Ingest(ctx, Request{
		ProjectID:   "p1",
		SessionID:   "s1",
		DocumentRef: "docA",
		RawText:     words(450),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.JobID)

	events := collect(t, updates, "s1")

	var currents, percents []int
	for _, u := range events {
		if u.Status == progress.StatusProcessing {
			currents = append(currents, u.CurrentChunk)
			percents = append(percents, u.PercentComplete)
		}
	}
	assert.Equal(t, progress.StatusIdle, events[0].Status)
	assert.Equal(t, []int{20, 40, 45}, currents)
	assert.Equal(t, []int{44, 89, 100}, percents)

	last := events[len(events)-1]
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.Empty(t, last.FailedRanges)
	assert.Equal(t, 45, last.Metrics.EmbeddedChunks)

	status, ok := f.engine.Status("p1", "s1")
	require.True(t, ok)
	assert.Equal(t, progress.StatusCompleted, status.Status)
	assert.Equal(t, ticket.JobID, status.JobID)

	n, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Equal(t, 45, n)
}

func TestEngine_ReingestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	for _, session := range []string{"s1", "s2"} {
		_, err := f.engine.Ingest(ctx, Request{ProjectID: "p1", SessionID: session, DocumentRef: "docA", RawText: words(450)})
		require.NoError(t, err)
		collect(t, updates, session)
	}

	n, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Equal(t, 45, n)
}

func TestEngine_FailedBatchStillCompletes(t *testing.T) {
	f := newFixture(t)
	f.provider.EmbedFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		if strings.HasPrefix(texts[0], "w200 ") {
			return nil, &knowledge.TransientError{Op: "embed", Err: errors.New("connection reset")}
		}
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = mock.Vector(text, dims)
		}
		return out, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	_, err := f.engine.Ingest(ctx, Request{ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(450)})
	require.NoError(t, err)

	events := collect(t, updates, "s1")
	last := events[len(events)-1]
	assert.Equal(t, progress.StatusCompleted, last.Status)
	require.Len(t, last.FailedRanges, 1)
	assert.Equal(t, knowledge.ChunkRange{Start: 20, End: 39}, last.FailedRanges[0])

	n, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestEngine_MissingCredentialsFailFast(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	_, err := f.engine.Ingest(ctx, Request{
		ProjectID:   "p1",
		SessionID:   "s1",
		DocumentRef: "docA",
		RawText:     "hello",
		Provider:    knowledge.ProviderConfig{Provider: knowledge.ProviderOpenAI},
	})

	var cfgErr *knowledge.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "openai api key", cfgErr.Category)

	events := collect(t, updates, "s1")
	require.Len(t, events, 1)
	assert.Equal(t, progress.StatusError, events[0].Status)
	assert.Contains(t, events[0].Error, "openai api key")
	assert.Zero(t, f.provider.CallCount())
}

func TestEngine_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Ingest(context.Background(), Request{ProjectID: "p1", RawText: "x"})
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestEngine_SourceURLReadsThroughCache(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	ingest := func(session string, force bool) {
		_, err := f.engine.Ingest(ctx, Request{
			ProjectID:    "p1",
			SessionID:    session,
			DocumentRef:  "docA",
			SourceURL:    "https://example.com/refunds",
			ForceRefresh: force,
		})
		require.NoError(t, err)
		last := collect(t, updates, session)
		require.Equal(t, progress.StatusCompleted, last[len(last)-1].Status)
	}

	ingest("s1", false)
	ingest("s2", false)
	assert.Equal(t, 1, f.fetcher.Calls())

	ingest("s3", true)
	assert.Equal(t, 2, f.fetcher.Calls())

	stats, err := f.engine.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(2), stats.MissCount)
	assert.Equal(t, int64(1), stats.TotalEntries)

	require.NoError(t, f.engine.InvalidateCache(ctx, "https://example.com/refunds"))
	stats, err = f.engine.CacheStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestEngine_ArchivesEachGeneration(t *testing.T) {
	f := newFixture(t)
	archive := &memoryArchive{}
	f.engine.deps.Archive = archive

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j1", Request: Request{
		ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: "first version", Provider: testConfig,
	}}))
	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j2", Request: Request{
		ProjectID: "p1", SessionID: "s2", DocumentRef: "docA", RawText: "second version", Provider: testConfig,
	}}))

	require.Len(t, archive.generations, 2)
	assert.NotEqual(t, archive.generations[0], archive.generations[1])
	assert.True(t, strings.HasPrefix(archive.generations[0], "docA/"))
}

func TestEngine_QueryAfterIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j1", Request: Request{
		ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(30), Provider: testConfig,
	}}))

	answer, err := f.engine.Query(ctx, retrieval.Request{ProjectID: "p1", DocumentRefs: []string{"docA"}, Question: "w0 w1"}, knowledge.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, retrieval.OutcomeAnswered, answer.Outcome)
	assert.NotEmpty(t, answer.Sources)

	answer, err = f.engine.Query(ctx, retrieval.Request{ProjectID: "p1", DocumentRefs: []string{"docB"}, Question: "w0 w1"}, knowledge.ProviderConfig{})
	require.NoError(t, err)
	assert.Equal(t, retrieval.OutcomeNoInformation, answer.Outcome)
}

func TestGeneration_IsContentAddressed(t *testing.T) {
	a := Generation(knowledge.Document{Ref: "docA", Text: "same"})
	b := Generation(knowledge.Document{Ref: "docB", Text: "same"})
	c := Generation(knowledge.Document{Ref: "docA", Text: "different"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestEngine_Health(t *testing.T) {
	f := newFixture(t)
	f.engine.deps.HealthChecks = map[string]func(context.Context) error{
		"store":  func(context.Context) error { return nil },
		"broker": func(context.Context) error { return errors.New("down") },
	}

	h := f.engine.Health(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, StatusUp, h.Components["store"])
	assert.Equal(t, StatusDown, h.Components["broker"])
}

func TestEngine_ShorterSnapshotDropsStaleChunks(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	_, err := f.engine.Ingest(ctx, Request{ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(450)})
	require.NoError(t, err)
	collect(t, updates, "s1")

	n, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	require.Equal(t, 45, n)

	_, err = f.engine.Ingest(ctx, Request{ProjectID: "p1", SessionID: "s2", DocumentRef: "docA", RawText: "the page now has a single short paragraph"})
	require.NoError(t, err)
	events := collect(t, updates, "s2")
	require.Equal(t, progress.StatusCompleted, events[len(events)-1].Status)

	n, err = f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	answer, err := f.engine.Query(ctx, retrieval.Request{ProjectID: "p1", DocumentRefs: []string{"docA"}, Question: "w300 w301 w302"}, knowledge.ProviderConfig{})
	require.NoError(t, err)
	for _, source := range answer.Sources {
		assert.Zero(t, source.ChunkIndex)
	}
}

func TestEngine_EmptySnapshotDropsAllChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j1", Request: Request{
		ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(30), Provider: testConfig,
	}}))
	// Markup with no text normalizes to an empty body.
	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j2", Request: Request{
		ProjectID: "p1", SessionID: "s2", DocumentRef: "docA", Provider: testConfig,
		RawText:        "<html><body></body></html>",
		StructuredData: []knowledge.Table{{Name: "empty"}},
	}}))

	n, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// splitTokenizer counts every word as two tokens.
type splitTokenizer struct{}

func (splitTokenizer) Spans(text string) []chunking.Span {
	var spans []chunking.Span
	for _, w := range (chunking.WordTokenizer{}).Spans(text) {
		mid := w.Start + (w.End-w.Start)/2
		spans = append(spans, chunking.Span{Start: w.Start, End: mid}, chunking.Span{Start: mid, End: w.End})
	}
	return spans
}

func (splitTokenizer) Count(text string) int {
	return 2 * chunking.WordTokenizer{}.Count(text)
}

type panicTokenizer struct{}

func (panicTokenizer) Spans(string) []chunking.Span { panic("index out of range") }
func (panicTokenizer) Count(string) int             { return 0 }

type modelTokenizers struct {
	mu     sync.Mutex
	models []string
	byName map[string]chunking.Tokenizer
}

func (m *modelTokenizers) ForModel(model string) chunking.Tokenizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append(m.models, model)
	if t, ok := m.byName[model]; ok {
		return t
	}
	return chunking.WordTokenizer{}
}

func TestEngine_ChunksWithEmbeddingModelTokenizer(t *testing.T) {
	f := newFixture(t)
	tokenizers := &modelTokenizers{byName: map[string]chunking.Tokenizer{"mock-embed-large": splitTokenizer{}}}
	f.engine.deps.Tokenizers = tokenizers
	ctx := context.Background()

	override := testConfig
	override.EmbeddingModel = "mock-embed-large"
	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j1", Request: Request{
		ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(30), Provider: override,
	}}))
	require.NoError(t, f.engine.Execute(ctx, Job{ID: "j2", Request: Request{
		ProjectID: "p1", SessionID: "s2", DocumentRef: "docB", RawText: words(30), Provider: testConfig,
	}}))

	assert.Equal(t, []string{"mock-embed-large", "mock-embed"}, tokenizers.models)

	large, err := f.store.Count(ctx, "docA")
	require.NoError(t, err)
	assert.Equal(t, 6, large)

	small, err := f.store.Count(ctx, "docB")
	require.NoError(t, err)
	assert.Equal(t, 3, small)
}

func TestEngine_AbortedJobReachesErrorState(t *testing.T) {
	f := newFixture(t)
	f.engine.deps.Tokenizers = &modelTokenizers{byName: map[string]chunking.Tokenizer{"mock-embed": panicTokenizer{}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.engine.Subscribe(ctx, "p1")
	_, err := f.engine.Ingest(ctx, Request{ProjectID: "p1", SessionID: "s1", DocumentRef: "docA", RawText: words(30)})
	require.NoError(t, err)

	events := collect(t, updates, "s1")
	last := events[len(events)-1]
	assert.Equal(t, progress.StatusError, last.Status)
	assert.Contains(t, last.Error, "index out of range")
}
