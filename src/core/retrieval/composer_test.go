package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/knowledge"
	"webrag/src/core/retry"
	"webrag/src/infrastructure/integrations/mock"
	"webrag/src/storage/badger"
)

const dims = 16

var testPricing = knowledge.Pricing{EmbeddingPer1K: 0.0001, PromptPer1K: 0.001, CompletionPer1K: 0.002}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newComposer(t *testing.T, opts ...Option) (*Composer, *badger.VectorStore) {
	t.Helper()
	db, err := badger.Open("", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := badger.NewVectorStore(db, dims)
	opts = append([]Option{
		WithPricing(testPricing),
		WithEmbedRetry(fastPolicy(3)),
		WithCompletionRetry(fastPolicy(2)),
	}, opts...)
	return NewComposer(store, opts...), store
}

func seed(t *testing.T, store *badger.VectorStore, ref string, texts ...string) {
	t.Helper()
	records := make([]knowledge.ChunkRecord, len(texts))
	for i, text := range texts {
		records[i] = knowledge.ChunkRecord{
			DocumentRef: ref,
			ChunkIndex:  i,
			Kind:        knowledge.ChunkKindText,
			Text:        text,
			Embedding:   mock.Vector(text, dims),
		}
	}
	require.NoError(t, store.Upsert(context.Background(), records))
}

func TestComposer_NoChunksIngested(t *testing.T) {
	composer, _ := newComposer(t)
	provider := mock.NewProvider(dims)

	answer, err := composer.Answer(context.Background(), provider, Request{
		ProjectID:    "p1",
		DocumentRefs: []string{"docA"},
		Question:     "what is the refund policy?",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoInformation, answer.Outcome)
	assert.Equal(t, NoRelevantInformation, answer.Text)
	assert.Empty(t, answer.Sources)
	assert.NotNil(t, answer.Sources)
	assert.InDelta(t, 0, answer.Cost, 0.001)
	assert.Empty(t, provider.Requests(), "empty context is never sent to the completion service")
}

func TestComposer_EmptyCandidateSet(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)

	answer, err := composer.Answer(context.Background(), provider, Request{Question: "refunds?"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoInformation, answer.Outcome)
	assert.Zero(t, answer.Cost)
	assert.Zero(t, provider.CallCount())
}

func TestComposer_EmptyQuestion(t *testing.T) {
	composer, _ := newComposer(t)

	answer, err := composer.Answer(context.Background(), mock.NewProvider(dims), Request{
		DocumentRefs: []string{"docA"},
		Question:     "   ",
	})
	assert.Nil(t, answer)
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestComposer_AnswersWithSources(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days", "shipping takes 5 days", "support is open on weekdays")
	seed(t, store, "docB", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)

	answer, err := composer.Answer(context.Background(), provider, Request{
		ProjectID:    "p1",
		DocumentRefs: []string{"docA"},
		Question:     "refunds are accepted within 30 days",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnswered, answer.Outcome)
	require.Len(t, answer.Sources, 3)
	assert.Equal(t, "docA#0", answer.Sources[0].ChunkID)
	assert.InDelta(t, 1.0, answer.Sources[0].Similarity, 1e-5)
	for i, s := range answer.Sources {
		assert.Equal(t, "docA", s.DocumentRef)
		if i > 0 {
			assert.LessOrEqual(t, s.Similarity, answer.Sources[i-1].Similarity)
		}
	}

	requests := provider.Requests()
	require.Len(t, requests, 1)
	assert.Contains(t, requests[0].Prompt, "[docA#0]")
	assert.NotContains(t, requests[0].Prompt, "docB")
	assert.Greater(t, answer.Cost, 0.0)
	assert.False(t, answer.Usage.Estimated)
}

func TestComposer_ContextIsBounded(t *testing.T) {
	composer, store := newComposer(t, WithContextTokens(12))
	seed(t, store, "docA",
		"alpha beta gamma delta epsilon",
		"zeta eta theta iota kappa",
		"lambda mu nu xi omicron")
	provider := mock.NewProvider(dims)

	answer, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "alpha beta gamma delta epsilon",
	})
	require.NoError(t, err)
	// Each block is 6 words including its identifier line.
	assert.Len(t, answer.Sources, 2)
}

func TestComposer_CompletionRetriedOnce(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)

	calls := 0
	provider.CompleteFunc = func(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
		calls++
		if calls == 1 {
			return nil, &knowledge.RateLimitError{Op: "complete", Err: errors.New("429")}
		}
		return &knowledge.Completion{Text: " 30 days. ", PromptTokens: 100, CompletionTokens: 4}, nil
	}

	answer, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "how long for refunds?",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "30 days.", answer.Text)
	assert.Equal(t, 100, answer.Usage.PromptTokens)
}

func TestComposer_CompletionFailureKeepsCost(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)

	calls := 0
	provider.CompleteFunc = func(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
		calls++
		return nil, &knowledge.TransientError{Op: "complete", Err: errors.New("503")}
	}

	answer, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "how long for refunds?",
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "transient completion failures retry exactly once")

	require.NotNil(t, answer)
	assert.Greater(t, answer.Cost, 0.0)
	assert.Len(t, answer.Sources, 1)
}

func TestComposer_ValidationFailureNotRetried(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)

	calls := 0
	provider.CompleteFunc = func(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
		calls++
		return nil, &knowledge.ValidationError{Field: "prompt", Reason: "too long"}
	}

	_, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "refunds?",
	})
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
	assert.Equal(t, 1, calls)
}

func TestComposer_QueryDimensionMismatch(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims * 2)

	_, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "refunds?",
	})
	var validation *knowledge.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, 1, provider.CallCount())
}

func TestComposer_EstimatesUsageWhenUnreported(t *testing.T) {
	composer, store := newComposer(t)
	seed(t, store, "docA", "refunds are accepted within 30 days")
	provider := mock.NewProvider(dims)
	provider.CompleteFunc = func(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
		return &knowledge.Completion{Text: "within thirty days"}, nil
	}

	answer, err := composer.Answer(context.Background(), provider, Request{
		DocumentRefs: []string{"docA"},
		Question:     "refunds?",
	})
	require.NoError(t, err)
	assert.True(t, answer.Usage.Estimated)
	assert.Equal(t, 3, answer.Usage.CompletionTokens)
	assert.Greater(t, answer.Usage.PromptTokens, len(strings.Fields(systemPrompt)))
}

type recordingObserver struct {
	outcomes []Outcome
	errs     []error
}

func (r *recordingObserver) QueryDone(o Outcome, _ time.Duration, err error) {
	r.outcomes = append(r.outcomes, o)
	r.errs = append(r.errs, err)
}

func TestComposer_ReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	composer, _ := newComposer(t, WithObserver(obs))

	_, err := composer.Answer(context.Background(), mock.NewProvider(dims), Request{DocumentRefs: []string{"docA"}, Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{OutcomeNoInformation}, obs.outcomes)
	assert.Equal(t, []error{nil}, obs.errs)
}
