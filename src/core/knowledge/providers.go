package knowledge

import (
	"context"
)

// Embedder turns a batch of strings into one vector per string, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CompletionRequest is the assembled prompt sent to the completion service.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion carries generated text and the token usage reported by the provider.
// Token counts are zero when the provider does not report them.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Provider bundles the embedding and completion services of one backend.
type Provider interface {
	Embedder
	Completer
}

// ProviderFactory builds a provider from a validated configuration value.
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// VectorStore persists chunk vectors and answers scoped nearest neighbour queries.
type VectorStore interface {
	// Upsert writes records keyed by (document ref, chunk index), overwriting in place.
	Upsert(ctx context.Context, records []ChunkRecord) error
	// Search returns up to k matches drawn only from documentRefs, ordered by
	// ascending cosine distance and then ascending chunk index.
	Search(ctx context.Context, query []float32, documentRefs []string, k int) ([]Match, error)
	// Truncate removes the chunks of documentRef whose index is size or
	// above and reports how many were removed.
	Truncate(ctx context.Context, documentRef string, size int) (int64, error)
	// Dimensions is the configured embedding width.
	Dimensions() int
}

// Fetcher retrieves the raw content behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// Archive keeps an immutable copy of every document generation.
type Archive interface {
	Store(ctx context.Context, doc Document, generation string) error
}
