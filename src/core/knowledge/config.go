package knowledge

import (
	"fmt"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ProviderConfig selects and authenticates the embedding and completion
// backend for a single call. It is passed by value and never mutated.
type ProviderConfig struct {
	Provider        string        `json:"provider,omitempty" mapstructure:"name"`
	BaseURL         string        `json:"base_url,omitempty" mapstructure:"base_url"`
	APIKey          string        `json:"api_key,omitempty" mapstructure:"api_key"`
	EmbeddingModel  string        `json:"embedding_model,omitempty" mapstructure:"embedding_model"`
	CompletionModel string        `json:"completion_model,omitempty" mapstructure:"completion_model"`
	Timeout         time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// Merge returns a copy of c with every non-empty field of override applied.
func (c ProviderConfig) Merge(override ProviderConfig) ProviderConfig {
	if override.Provider != "" {
		c.Provider = override.Provider
	}
	if override.BaseURL != "" {
		c.BaseURL = override.BaseURL
	}
	if override.APIKey != "" {
		c.APIKey = override.APIKey
	}
	if override.EmbeddingModel != "" {
		c.EmbeddingModel = override.EmbeddingModel
	}
	if override.CompletionModel != "" {
		c.CompletionModel = override.CompletionModel
	}
	if override.Timeout > 0 {
		c.Timeout = override.Timeout
	}
	return c
}

// Validate checks presence and shape only. It performs no network call.
func (c ProviderConfig) Validate() error {
	switch c.Provider {
	case "":
		return &ConfigurationError{Category: "provider"}
	case ProviderOpenAI:
		if c.APIKey == "" {
			return &ConfigurationError{Category: "openai api key"}
		}
	case ProviderOllama:
		if c.BaseURL == "" {
			return &ConfigurationError{Category: "ollama base url"}
		}
	default:
		// Custom providers are resolved by the injected factory.
	}
	if c.EmbeddingModel == "" {
		return &ConfigurationError{Category: "embedding model"}
	}
	if c.CompletionModel == "" {
		return &ConfigurationError{Category: "completion model"}
	}
	if c.Timeout < 0 {
		return &ConfigurationError{Category: "provider timeout"}
	}
	return nil
}

// String never prints the API key.
func (c ProviderConfig) String() string {
	key := "unset"
	if c.APIKey != "" {
		key = "set"
	}
	return fmt.Sprintf("provider=%s base_url=%s embedding_model=%s completion_model=%s api_key=%s",
		c.Provider, c.BaseURL, c.EmbeddingModel, c.CompletionModel, key)
}

// Pricing converts token usage into cost. Prices are per 1000 tokens.
type Pricing struct {
	EmbeddingPer1K  float64 `json:"embedding_per_1k" mapstructure:"embedding_per_1k"`
	PromptPer1K     float64 `json:"prompt_per_1k" mapstructure:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k" mapstructure:"completion_per_1k"`
}

func (p Pricing) Cost(embeddingTokens, promptTokens, completionTokens int) float64 {
	return float64(embeddingTokens)/1000*p.EmbeddingPer1K +
		float64(promptTokens)/1000*p.PromptPer1K +
		float64(completionTokens)/1000*p.CompletionPer1K
}
