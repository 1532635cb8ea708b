package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"webrag/src/core/knowledge"
)

// Completer is a test double for knowledge.Completer. By default it echoes
// how many context lines it was given and reports word counts as token usage.
type Completer struct {
	CompleteFunc func(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error)

	mu       sync.Mutex
	requests []knowledge.CompletionRequest
}

var _ knowledge.Completer = (*Completer)(nil)

func (m *Completer) Complete(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}

	text := fmt.Sprintf("answer based on %d context lines", strings.Count(req.Prompt, "\n"))
	return &knowledge.Completion{
		Text:             text,
		PromptTokens:     len(strings.Fields(req.System)) + len(strings.Fields(req.Prompt)),
		CompletionTokens: len(strings.Fields(text)),
	}, nil
}

// Requests returns a copy of every request received so far.
func (m *Completer) Requests() []knowledge.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]knowledge.CompletionRequest(nil), m.requests...)
}

// Provider pairs a mock embedder and completer.
type Provider struct {
	*Embedder
	*Completer
}

var _ knowledge.Provider = (*Provider)(nil)

func NewProvider(dims int) *Provider {
	return &Provider{Embedder: NewEmbedder(dims), Completer: &Completer{}}
}

// Factory returns a knowledge.ProviderFactory that validates the config and
// always hands out p.
func Factory(p *Provider) knowledge.ProviderFactory {
	return func(cfg knowledge.ProviderConfig) (knowledge.Provider, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	}
}
