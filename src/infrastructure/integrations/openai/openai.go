package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/log"
)

const credentialCategory = "openai api key"

var (
	statusPattern = regexp.MustCompile(`status code: (\d{3})`)

	// The client drops response headers, so the wait comes from the message,
	// e.g. "Please try again in 1.5s" or "try again in 6m0s".
	retryPattern = regexp.MustCompile(`try again in ((?:\d+(?:\.\d+)?(?:ms|h|m|s))+)`)
)

func retryAfter(msg string) time.Duration {
	m := retryPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	d, err := time.ParseDuration(m[1])
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Client is a knowledge.Provider backed by an OpenAI compatible API.
type Client struct {
	llm *openai.LLM
}

var _ knowledge.Provider = (*Client)(nil)

func NewClient(cfg knowledge.ProviderConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &knowledge.ConfigurationError{Category: credentialCategory}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.CompletionModel),
		openai.WithEmbeddingModel(cfg.EmbeddingModel),
		openai.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return &Client{llm: llm}, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := c.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, classify("openai embed", err)
	}
	if len(vectors) != len(texts) {
		return nil, &knowledge.TransientError{
			Op:  "openai embed",
			Err: fmt.Errorf("got %d embeddings for %d texts", len(vectors), len(texts)),
		}
	}
	return vectors, nil
}

func (c *Client) Complete(ctx context.Context, req knowledge.CompletionRequest) (*knowledge.Completion, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.System)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(req.Prompt)},
		},
	}

	callOpts := []llms.CallOption{llms.WithTemperature(0.2)}
	if req.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.MaxTokens))
	}

	response, err := c.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, classify("openai generate", err)
	}
	if len(response.Choices) < 1 {
		return nil, &knowledge.TransientError{Op: "openai generate", Err: errors.New("no choices returned")}
	}

	choice := response.Choices[0]
	if choice.StopReason == "length" {
		log.Debug("openai response hit the token limit")
	}
	return &knowledge.Completion{
		Text:             choice.Content,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// classify maps client errors onto the knowledge error taxonomy. The HTTP
// status is preferred when the client reports one.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	lower := strings.ToLower(err.Error())
	if m := statusPattern.FindStringSubmatch(lower); m != nil {
		status, _ := strconv.Atoi(m[1])
		if status == http.StatusTooManyRequests && strings.Contains(lower, "quota") {
			return &knowledge.ConfigurationError{Category: "openai quota"}
		}
		return knowledge.ClassifyStatus(op, status, retryAfter(lower), credentialCategory, err)
	}

	var mapped *llms.Error
	if !errors.As(openai.MapError(err), &mapped) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch mapped.Code {
	case llms.ErrCodeRateLimit:
		return &knowledge.RateLimitError{Op: op, RetryAfter: retryAfter(lower), Err: err}
	case llms.ErrCodeAuthentication:
		return &knowledge.ConfigurationError{Category: credentialCategory}
	case llms.ErrCodeQuotaExceeded:
		return &knowledge.ConfigurationError{Category: "openai quota"}
	case llms.ErrCodeTimeout, llms.ErrCodeProviderUnavailable:
		return &knowledge.TransientError{Op: op, Err: err}
	case llms.ErrCodeInvalidRequest, llms.ErrCodeTokenLimit, llms.ErrCodeResourceNotFound, llms.ErrCodeContentFilter:
		return &knowledge.ValidationError{Field: op, Reason: err.Error()}
	}

	if strings.Contains(lower, "network error") || strings.Contains(lower, "timeout") {
		return &knowledge.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
