// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It wraps chat completions for answer generation (including token
// accounting) and embeddings for semantic retrieval queries.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Error variables for better error handling and testability
var (
	ErrNoChoicesReturned   = errors.New("no choices returned")
	ErrNoEmbeddingReturned = errors.New("no embedding returned")
)

// DefaultRequestTimeout bounds every call to the OpenAI API. A timed-out
// call is a collaborator failure, never a process fault.
const DefaultRequestTimeout = 30 * time.Second

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// embeddingService defines the minimal interface for embedding creation.
type embeddingService interface {
	New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// GenerationResult holds the generated text plus the token accounting
// metadata reported by the model for usage tracking.
type GenerationResult struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       openai.ChatModel
	Temperature float64
	Timeout     time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for generation.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion and embedding services.
type Client struct {
	chat        chatService
	embeddings  embeddingService
	model       openai.ChatModel
	temperature float64
	timeout     time.Duration
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client configured", "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{
		chat:        &cli.Chat.Completions,
		embeddings:  &cli.Embeddings,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}, nil
}

// Model returns the chat model the client generates with.
func (c *Client) Model() string {
	return string(c.model)
}

// Generate produces a completion for the given system and user prompts and
// returns the text together with token usage metadata.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (*GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		slog.Error("genai.Generate: completion request failed", "error", err, "model", c.model)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("genai.Generate: completion returned no choices", "model", c.model)
		return nil, ErrNoChoicesReturned
	}

	result := &GenerationResult{
		Text:             resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	slog.Debug("genai.Generate: completion succeeded",
		"model", result.Model,
		"promptTokens", result.PromptTokens,
		"completionTokens", result.CompletionTokens,
		"totalTokens", result.TotalTokens)
	return result, nil
}

// Embed returns the embedding vector for the given text, for use in
// semantic retrieval queries.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModelTextEmbedding3Small,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		slog.Error("genai.Embed: embedding request failed", "error", err)
		return nil, fmt.Errorf("embedding creation failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		slog.Error("genai.Embed: embedding response empty")
		return nil, ErrNoEmbeddingReturned
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
