package integrations

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/integrations/mock"
	"webrag/src/infrastructure/integrations/ollama"
	"webrag/src/infrastructure/integrations/openai"
)

func TestRegistry_Build(t *testing.T) {
	registry := NewRegistry(nil)

	p, err := registry.Build(knowledge.ProviderConfig{
		Provider:        knowledge.ProviderOpenAI,
		APIKey:          "sk-test",
		EmbeddingModel:  "text-embedding-3-small",
		CompletionModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.IsType(t, &openai.Client{}, p)

	p, err = registry.Build(knowledge.ProviderConfig{
		Provider:        knowledge.ProviderOllama,
		BaseURL:         "http://localhost:11434",
		EmbeddingModel:  "nomic-embed-text",
		CompletionModel: "llama3",
	})
	require.NoError(t, err)
	assert.IsType(t, &ollama.Client{}, p)
}

func TestRegistry_RejectsInvalidConfig(t *testing.T) {
	registry := NewRegistry(nil)

	_, err := registry.Build(knowledge.ProviderConfig{Provider: knowledge.ProviderOpenAI, EmbeddingModel: "e", CompletionModel: "c"})
	var config *knowledge.ConfigurationError
	require.ErrorAs(t, err, &config)
	assert.Equal(t, "openai api key", config.Category)

	_, err = registry.Build(knowledge.ProviderConfig{Provider: "bedrock", EmbeddingModel: "e", CompletionModel: "c"})
	require.ErrorAs(t, err, &config)
	assert.Contains(t, config.Category, "bedrock")
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry(nil)
	provider := mock.NewProvider(8)
	registry.Register("mock", func(knowledge.ProviderConfig, *http.Client) (knowledge.Provider, error) {
		return provider, nil
	})

	p, err := registry.Factory()(knowledge.ProviderConfig{Provider: "mock", EmbeddingModel: "e", CompletionModel: "c"})
	require.NoError(t, err)
	assert.Same(t, provider, p)
}
