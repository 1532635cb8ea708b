package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/log"
)

const (
	DefaultURL = "http://localhost:11434"
)

// Client is a knowledge.Provider backed by an Ollama server.
type Client struct {
	api             *api.Client
	embeddingModel  string
	completionModel string
	options         map[string]interface{}
}

var _ knowledge.Provider = (*Client)(nil)

// NewClient builds a client for cfg. BaseURL may point at the server root or
// at its /api prefix.
func NewClient(cfg knowledge.ProviderConfig, httpClient *http.Client) (*Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultURL
	}
	base, err := url.Parse(strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/api"))
	if err != nil {
		return nil, &knowledge.ConfigurationError{Category: "ollama base url"}
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		api:             api.NewClient(base, httpClient),
		embeddingModel:  cfg.EmbeddingModel,
		completionModel: cfg.CompletionModel,
		options: map[string]interface{}{
			"temperature": 0.2,
			"top_p":       0.9,
		},
	}, nil
}

// Embed sends the whole batch in one request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.api.Embed(ctx, &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, classify("ollama embed", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, &knowledge.TransientError{
			Op:  "ollama embed",
			Err: fmt.Errorf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts)),
		}
	}
	return resp.Embeddings, nil
}

func (c *Client) Complete(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
	stream := false
	options := make(map[string]interface{}, len(c.options)+1)
	for k, v := range c.options {
		options[k] = v
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	var completion knowledge.Completion
	var text strings.Builder
	err := c.api.Generate(ctx, &api.GenerateRequest{
		Model:   c.completionModel,
		System:  req.System,
		Prompt:  req.Prompt,
		Stream:  &stream,
		Options: options,
	}, func(resp api.GenerateResponse) error {
		text.WriteString(resp.Response)
		if resp.Done {
			completion.PromptTokens = resp.PromptEvalCount
			completion.CompletionTokens = resp.EvalCount
			if resp.DoneReason == "length" {
				log.Debug("ollama response hit the token limit", "model", c.completionModel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("ollama generate", err)
	}

	completion.Text = text.String()
	if completion.Text == "" {
		return nil, &knowledge.TransientError{Op: "ollama generate", Err: errors.New("empty response")}
	}
	return &completion, nil
}

func classify(op string, err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		return knowledge.ClassifyStatus(op, status.StatusCode, 0, "ollama credentials", err)
	}
	var statusPtr *api.StatusError
	if errors.As(err, &statusPtr) {
		return knowledge.ClassifyStatus(op, statusPtr.StatusCode, 0, "ollama credentials", err)
	}
	if knowledge.IsRetryable(err) {
		return &knowledge.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
