package retrieval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"webrag/src/core/chunking"
	"webrag/src/core/knowledge"
	"webrag/src/core/retry"
	"webrag/src/infrastructure/log"
)

const (
	DefaultTopK          = 6
	DefaultContextTokens = 3000
	DefaultMaxAnswer     = 512
)

// NoRelevantInformation is returned verbatim when retrieval finds nothing.
const NoRelevantInformation = "I could not find any relevant information in the selected documents to answer this question."

const systemPrompt = `You answer questions using only the numbered context passages provided.
If the passages do not contain the answer, say that you do not know.
Cite passages by their bracketed identifier.`

var ErrProviderRequired = errors.New("provider is required")

type Outcome string

const (
	OutcomeAnswered      Outcome = "answered"
	OutcomeNoInformation Outcome = "no_relevant_information"
)

type Request struct {
	ProjectID    string   `json:"project_id"`
	DocumentRefs []string `json:"candidate_document_refs"`
	Question     string   `json:"question"`
}

type Source struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentRef string  `json:"document_ref"`
	ChunkIndex  int     `json:"chunk_index"`
	Similarity  float64 `json:"similarity"`
}

type Usage struct {
	EmbeddingTokens  int `json:"embedding_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	// Estimated is set when the provider did not report usage and the
	// counts come from the local tokenizer.
	Estimated bool `json:"estimated,omitempty"`
}

type Answer struct {
	Outcome Outcome  `json:"outcome"`
	Text    string   `json:"answer"`
	Cost    float64  `json:"cost"`
	Sources []Source `json:"sources"`
	Usage   Usage    `json:"usage"`
}

// Observer receives one call per finished query.
type Observer interface {
	QueryDone(outcome Outcome, elapsed time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) QueryDone(Outcome, time.Duration, error) {}

// TokenCounter is satisfied by chunking.Tokenizer.
type TokenCounter interface {
	Count(text string) int
}

// Composer answers questions from the chunks of a candidate document set.
type Composer struct {
	store          knowledge.VectorStore
	counter        TokenCounter
	topK           int
	contextTokens  int
	maxAnswer      int
	pricing        knowledge.Pricing
	embedPolicy    retry.Policy
	completePolicy retry.Policy
	observer       Observer
	logger         logr.Logger
	now            func() time.Time
}

type Option func(c *Composer)

func WithTopK(k int) Option {
	return func(c *Composer) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithContextTokens bounds the total size of the context passed to the completion service.
func WithContextTokens(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.contextTokens = n
		}
	}
}

func WithMaxAnswerTokens(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.maxAnswer = n
		}
	}
}

func WithPricing(p knowledge.Pricing) Option {
	return func(c *Composer) { c.pricing = p }
}

func WithTokenCounter(t TokenCounter) Option {
	return func(c *Composer) { c.counter = t }
}

func WithEmbedRetry(p retry.Policy) Option {
	return func(c *Composer) { c.embedPolicy = p }
}

// WithCompletionRetry overrides the completion policy. The default allows a
// single retry.
func WithCompletionRetry(p retry.Policy) Option {
	return func(c *Composer) { c.completePolicy = p }
}

func WithObserver(o Observer) Option {
	return func(c *Composer) { c.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(c *Composer) { c.now = now }
}

func NewComposer(store knowledge.VectorStore, opts ...Option) *Composer {
	completion := retry.Default()
	completion.MaxAttempts = 2

	c := &Composer{
		store:          store,
		counter:        chunking.WordTokenizer{},
		topK:           DefaultTopK,
		contextTokens:  DefaultContextTokens,
		maxAnswer:      DefaultMaxAnswer,
		embedPolicy:    retry.Default(),
		completePolicy: completion,
		observer:       noopObserver{},
		logger:         log.WithName("retrieval"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Answer embeds the question, searches the candidate documents and asks the
// completion service. Errors past request validation come with a partial
// Answer carrying the cost incurred so far.
func (c *Composer) Answer(ctx context.Context, provider knowledge.Provider, req Request) (answer *Answer, err error) {
	start := c.now()
	defer func() {
		outcome := Outcome("")
		if answer != nil {
			outcome = answer.Outcome
		}
		c.observer.QueryDone(outcome, c.now().Sub(start), err)
	}()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, &knowledge.ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if provider == nil {
		return nil, ErrProviderRequired
	}

	refs := compactRefs(req.DocumentRefs)
	if len(refs) == 0 {
		return c.noInformation(Usage{}), nil
	}

	usage := Usage{EmbeddingTokens: c.counter.Count(question)}

	var query []float32
	err = c.embedPolicy.Do(ctx, func(ctx context.Context) error {
		vectors, err := provider.Embed(ctx, []string{question})
		if err != nil {
			return err
		}
		if len(vectors) != 1 {
			return &knowledge.ValidationError{Field: "embeddings", Reason: fmt.Sprintf("expected 1 vector, got %d", len(vectors))}
		}
		if dims := c.store.Dimensions(); len(vectors[0]) != dims {
			return &knowledge.ValidationError{
				Field:  "embedding dimension",
				Reason: fmt.Sprintf("expected %d, got %d", dims, len(vectors[0])),
			}
		}
		query = vectors[0]
		return nil
	})
	if err != nil {
		return c.partial(nil, Usage{}), fmt.Errorf("failed to embed question: %w", err)
	}

	matches, err := c.store.Search(ctx, query, refs, c.topK)
	if err != nil {
		return c.partial(nil, usage), fmt.Errorf("failed to search chunks: %w", err)
	}
	if len(matches) == 0 {
		return c.noInformation(usage), nil
	}

	contextBlock, sources := c.buildContext(matches)
	prompt := fmt.Sprintf("Context:\n%s\nQuestion: %s", contextBlock, question)

	var completion *knowledge.Completion
	err = c.completePolicy.Do(ctx, func(ctx context.Context) error {
		out, err := provider.Complete(ctx, knowledge.CompletionRequest{
			System:    systemPrompt,
			Prompt:    prompt,
			MaxTokens: c.maxAnswer,
		})
		if err != nil {
			return err
		}
		completion = out
		return nil
	})
	if err != nil {
		return c.partial(sources, usage), fmt.Errorf("failed to complete answer: %w", err)
	}

	usage.PromptTokens = completion.PromptTokens
	usage.CompletionTokens = completion.CompletionTokens
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = c.counter.Count(systemPrompt) + c.counter.Count(prompt)
		usage.CompletionTokens = c.counter.Count(completion.Text)
		usage.Estimated = true
	}

	c.logger.V(1).Info("answered question", "project", req.ProjectID, "sources", len(sources),
		"promptTokens", usage.PromptTokens, "completionTokens", usage.CompletionTokens)

	return &Answer{
		Outcome: OutcomeAnswered,
		Text:    strings.TrimSpace(completion.Text),
		Cost:    c.cost(usage),
		Sources: sources,
		Usage:   usage,
	}, nil
}

// buildContext renders matches in rank order until the token budget is
// spent. The best match is always included.
func (c *Composer) buildContext(matches []knowledge.Match) (string, []Source) {
	var sb strings.Builder
	sources := make([]Source, 0, len(matches))
	used := 0

	for i, m := range matches {
		block := fmt.Sprintf("[%s]\n%s\n\n", m.ChunkID(), strings.TrimSpace(m.Text))
		tokens := c.counter.Count(block)
		if i > 0 && used+tokens > c.contextTokens {
			break
		}
		used += tokens
		sb.WriteString(block)
		sources = append(sources, Source{
			ChunkID:     m.ChunkID(),
			DocumentRef: m.DocumentRef,
			ChunkIndex:  m.ChunkIndex,
			Similarity:  m.Similarity(),
		})
	}
	return sb.String(), sources
}

func (c *Composer) noInformation(usage Usage) *Answer {
	return &Answer{
		Outcome: OutcomeNoInformation,
		Text:    NoRelevantInformation,
		Cost:    c.cost(usage),
		Sources: []Source{},
		Usage:   usage,
	}
}

func (c *Composer) partial(sources []Source, usage Usage) *Answer {
	if sources == nil {
		sources = []Source{}
	}
	return &Answer{Sources: sources, Cost: c.cost(usage), Usage: usage}
}

func (c *Composer) cost(u Usage) float64 {
	return c.pricing.Cost(u.EmbeddingTokens, u.PromptTokens, u.CompletionTokens)
}

func compactRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
