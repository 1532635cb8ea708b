package integrations

import (
	"fmt"
	"net/http"
	"sync"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/integrations/ollama"
	"webrag/src/infrastructure/integrations/openai"
)

type Constructor func(cfg knowledge.ProviderConfig, httpClient *http.Client) (knowledge.Provider, error)

// Registry resolves provider configurations to clients. The built in
// openai and ollama providers are always registered.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	httpClient   *http.Client
}

// NewRegistry creates a registry. httpClient may be nil, in which case each
// client gets its own with the configured timeout.
func NewRegistry(httpClient *http.Client) *Registry {
	r := &Registry{
		constructors: make(map[string]Constructor),
		httpClient:   httpClient,
	}
	r.Register(knowledge.ProviderOpenAI, func(cfg knowledge.ProviderConfig, c *http.Client) (knowledge.Provider, error) {
		return openai.NewClient(cfg, c)
	})
	r.Register(knowledge.ProviderOllama, func(cfg knowledge.ProviderConfig, c *http.Client) (knowledge.Provider, error) {
		return ollama.NewClient(cfg, c)
	})
	return r
}

func (r *Registry) Register(name string, constructor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = constructor
}

// Factory adapts the registry to knowledge.ProviderFactory.
func (r *Registry) Factory() knowledge.ProviderFactory {
	return r.Build
}

func (r *Registry) Build(cfg knowledge.ProviderConfig) (knowledge.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	constructor, ok := r.constructors[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &knowledge.ConfigurationError{Category: fmt.Sprintf("provider %q", cfg.Provider)}
	}
	return constructor(cfg, r.httpClient)
}
